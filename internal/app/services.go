package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fand/internal/config"
	"github.com/dokzlo13/fand/internal/device"
	"github.com/dokzlo13/fand/internal/dispatch"
	"github.com/dokzlo13/fand/internal/eventbus"
	"github.com/dokzlo13/fand/internal/group"
	"github.com/dokzlo13/fand/internal/httpapi"
	"github.com/dokzlo13/fand/internal/script"
	"github.com/dokzlo13/fand/internal/statestore"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	Store      statestore.Store
	Bus        *eventbus.Bus
	Dispatcher *dispatch.Local

	// Entities
	Groups  *group.Registry
	simFans []*device.SimFan

	// Surfaces
	Server *httpapi.Server
	Lua    *script.Runtime

	luaSubs []*eventbus.Subscription
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize the member state store
	if cfg.Database.Path != "" {
		store, err := statestore.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		s.Store = store
	} else {
		log.Info().Msg("No database path configured, using in-memory state store")
		s.Store = statestore.NewMemory()
	}

	// Initialize the event bus
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	// Initialize the command dispatcher
	s.Dispatcher = dispatch.NewLocal(cfg.Dispatcher.RateLimitRPS)

	// Register a simulated driver per unique member when configured
	if cfg.Dispatcher.Simulate {
		seen := make(map[string]struct{})
		for _, gc := range cfg.Groups {
			for _, id := range gc.Entities {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}

				sim := device.NewSimFan(id, s.Store, s.Bus)
				if err := s.Dispatcher.Register(id, sim); err != nil {
					s.Close()
					return nil, err
				}
				s.simFans = append(s.simFans, sim)
			}
		}
	}

	// Build the groups
	s.Groups = group.NewRegistry()
	for _, gc := range cfg.Groups {
		g, err := group.New(gc.Name, gc.Entities, s.Store, s.Dispatcher, s.Bus)
		if err != nil {
			s.Close()
			return nil, err
		}
		if err := s.Groups.Add(g); err != nil {
			s.Close()
			return nil, err
		}
	}

	// Initialize the HTTP API
	if cfg.Server.Enabled {
		s.Server = httpapi.NewServer(cfg.Server.Host, cfg.Server.Port, s.Store, s.Bus, s.Groups)
	}

	// Initialize the Lua runtime
	if cfg.Script != "" {
		s.Lua = script.NewRuntime(s.Groups)
	}

	return s, nil
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a fatal error occurs.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	// Seed simulated members before the initial refresh sees them
	for _, sim := range s.simFans {
		if err := sim.Announce(); err != nil {
			return err
		}
	}

	// Load the Lua script before groups start emitting changes
	if s.Lua != nil {
		if err := s.Lua.LoadScript(s.cfg.Script); err != nil {
			return err
		}
		go s.Lua.Run(ctx)
	}

	// Register groups: subscribe to member changes and do the initial refresh
	for _, g := range s.Groups.All() {
		if err := g.Register(); err != nil {
			return err
		}
		log.Info().
			Str("group", g.Name()).
			Strs("members", g.MemberIDs()).
			Msg("Fan group registered")

		if s.Lua != nil {
			sub := s.Bus.SubscribeMembers(g.MemberIDs(), func(eventbus.Change) {
				s.Lua.NotifyGroupChange(ctx, g)
			})
			s.luaSubs = append(s.luaSubs, sub)
		}
	}

	// Start the HTTP API
	if s.Server != nil {
		go func() {
			if err := s.Server.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
				onFatalError(err)
			}
		}()
	}

	return nil
}

// Stop gracefully shuts down all services in reverse order.
func (s *Services) Stop() error {
	for _, sub := range s.luaSubs {
		sub.Unsubscribe()
	}
	for _, g := range s.Groups.All() {
		g.Unregister()
	}

	if s.Lua != nil {
		s.Lua.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
	defer cancel()
	s.Bus.Close(shutdownCtx)

	return s.Store.Close()
}

// Close releases resources after a failed initialization.
func (s *Services) Close() {
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Bus.Close(ctx)
	}
	if s.Store != nil {
		s.Store.Close()
	}
}
