// Package dispatch delivers fan-out commands from group entities to the
// drivers backing each member device.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/fand/internal/fan"
)

// ErrUnknownService is returned when a call names a service no driver understands.
var ErrUnknownService = errors.New("unknown service")

// ErrUnknownTarget is returned when a call targets a member with no registered driver.
var ErrUnknownTarget = errors.New("unknown target")

// Call is one logical command with a target set. A group issues a single
// call targeting all its members; how partial failure among targets is
// handled is the dispatcher's business, not the caller's.
type Call struct {
	Targets []string
	Params  map[string]any
}

// Dispatcher executes a service call against a set of targets. Invoke
// blocks until every target has been attempted and returns the combined
// failure, if any.
type Dispatcher interface {
	Invoke(ctx context.Context, domain, service string, call Call) error
}

// Driver executes commands for a single member device.
type Driver interface {
	TurnOn(ctx context.Context, params map[string]any) error
	TurnOff(ctx context.Context) error
	SetSpeed(ctx context.Context, speed string) error
	SetDirection(ctx context.Context, direction string) error
	Oscillate(ctx context.Context, oscillating bool) error
}

// Local dispatches calls to drivers registered in-process, one per member
// id. Calls are rate limited as a whole so a burst of group commands cannot
// flood slow device backends.
type Local struct {
	mu      sync.RWMutex
	drivers map[string]Driver
	limiter *rate.Limiter
}

// NewLocal creates a dispatcher limited to rps calls per second.
// rps <= 0 disables limiting.
func NewLocal(rps float64) *Local {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Local{
		drivers: make(map[string]Driver),
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Register binds a driver to a member id.
func (d *Local) Register(memberID string, driver Driver) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.drivers[memberID]; exists {
		return fmt.Errorf("driver for %q already registered", memberID)
	}
	d.drivers[memberID] = driver
	return nil
}

// Invoke executes the service against every target and joins per-target
// failures into one error. Targets without a driver fail; the remaining
// targets are still attempted.
func (d *Local) Invoke(ctx context.Context, domain, service string, call Call) error {
	if domain != fan.Domain {
		return fmt.Errorf("%w: %s.%s", ErrUnknownService, domain, service)
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	log.Debug().
		Str("service", service).
		Strs("targets", call.Targets).
		Msg("Dispatching call")

	var errs []error
	for _, target := range call.Targets {
		d.mu.RLock()
		driver, ok := d.drivers[target]
		d.mu.RUnlock()
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownTarget, target))
			continue
		}

		if err := d.apply(ctx, driver, service, call.Params); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Local) apply(ctx context.Context, driver Driver, service string, params map[string]any) error {
	switch service {
	case fan.ServiceTurnOn:
		return driver.TurnOn(ctx, params)
	case fan.ServiceTurnOff:
		return driver.TurnOff(ctx)
	case fan.ServiceSetSpeed:
		speed, ok := params[fan.AttrSpeed].(string)
		if !ok {
			return fmt.Errorf("set_speed requires a string %q param", fan.AttrSpeed)
		}
		return driver.SetSpeed(ctx, speed)
	case fan.ServiceSetDirection:
		direction, ok := params[fan.AttrDirection].(string)
		if !ok {
			return fmt.Errorf("set_direction requires a string %q param", fan.AttrDirection)
		}
		return driver.SetDirection(ctx, direction)
	case fan.ServiceOscillate:
		oscillating, ok := params[fan.AttrOscillating].(bool)
		if !ok {
			return fmt.Errorf("oscillate requires a bool %q param", fan.AttrOscillating)
		}
		return driver.Oscillate(ctx, oscillating)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
}
