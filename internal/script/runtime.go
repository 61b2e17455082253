// Package script embeds a Lua runtime for user automation: scripts observe
// fan groups and react to their state changes.
package script

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/fand/internal/group"
	"github.com/dokzlo13/fand/internal/script/modules"
)

// ErrRuntimeClosed is returned when the Lua runtime is closed
var ErrRuntimeClosed = fmt.Errorf("lua runtime closed")

// Work represents work to be executed on the Lua VM.
// All Lua execution MUST go through this to ensure thread safety.
type Work func(ctx context.Context)

// Runtime manages the Lua VM with single-threaded execution.
type Runtime struct {
	L      *lua.LState
	groups *group.Registry

	fanModule *modules.FanModule

	// Work queue for thread-safe Lua execution
	workQueue chan Work

	// Shutdown signaling - closing this channel signals senders to stop
	// Using a channel in select is race-free (unlike mutex + bool)
	closing   chan struct{}
	closeOnce sync.Once

	// done is closed when Run exits; Close waits on it before closing the
	// Lua state so the worker never touches a closed LState.
	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewRuntime creates a new Lua runtime over the group registry.
func NewRuntime(groups *group.Registry) *Runtime {
	L := lua.NewState()
	L.SetContext(context.Background())

	r := &Runtime{
		L:         L,
		groups:    groups,
		workQueue: make(chan Work, 100),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}

	r.registerModules()
	return r
}

func (r *Runtime) registerModules() {
	logModule := modules.NewLogModule()
	r.L.PreloadModule("log", logModule.Loader)

	r.fanModule = modules.NewFanModule(r.groups)
	modules.RegisterGroupType(r.L)
	r.L.PreloadModule("fan", r.fanModule.Loader)
}

// LoadScript loads and executes a Lua script (must be called before Run).
func (r *Runtime) LoadScript(path string) error {
	log.Info().Str("path", path).Msg("Loading Lua script")

	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("failed to execute Lua script: %w", err)
	}

	log.Info().Msg("Lua script loaded successfully")
	return nil
}

// Close signals the runtime to stop accepting new work, waits for the Run
// worker to exit, then closes the Lua state. Idempotent.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		close(r.closing)

		// workQueue stays open to avoid send-on-closed-channel panics; Run
		// exits on the closing signal and the channel is collected with the
		// runtime.
		r.mu.Lock()
		running := r.running
		r.mu.Unlock()
		if running {
			<-r.done
		}

		r.L.Close()
	})
}

// Do queues work to be executed on the Lua VM (thread-safe, non-blocking).
// Returns false if the runtime is closing, the queue is full, or the
// context is cancelled.
func (r *Runtime) Do(ctx context.Context, work Work) bool {
	select {
	case <-r.closing:
		log.Warn().Msg("Lua runtime closing, dropping work")
		return false
	case <-ctx.Done():
		log.Warn().Msg("Context cancelled, dropping Lua work")
		return false
	case r.workQueue <- work:
		return true
	default:
		log.Warn().Msg("Lua work queue full, dropping work")
		return false
	}
}

// NotifyGroupChange queues an invocation of the script's on_change handlers
// for the given group.
func (r *Runtime) NotifyGroupChange(ctx context.Context, g *group.Group) {
	r.Do(ctx, func(context.Context) {
		r.fanModule.CallChangeHandlers(r.L, g)
	})
}

// Run starts the Lua worker loop - this is the ONLY goroutine that touches
// the Lua state. Exits when the context is cancelled or the runtime closed.
func (r *Runtime) Run(ctx context.Context) {
	r.mu.Lock()
	select {
	case <-r.closing:
		// Close already won the race: the LState may be gone, do nothing.
		r.mu.Unlock()
		return
	default:
	}
	r.running = true
	r.mu.Unlock()
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			r.drainQueue(ctx)
			return
		case <-r.closing:
			r.drainQueue(ctx)
			return
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		}
	}
}

// drainQueue processes any remaining work in the queue before exiting
func (r *Runtime) drainQueue(ctx context.Context) {
	for {
		select {
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		default:
			return
		}
	}
}

// executeWork runs a single work item with panic recovery
func (r *Runtime) executeWork(ctx context.Context, work Work) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Msg("Lua work panicked - worker continuing")
		}
	}()
	// Set context on LState so modules can access it via L.Context()
	r.L.SetContext(ctx)
	work(ctx)
}
