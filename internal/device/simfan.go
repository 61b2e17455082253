// Package device contains member device drivers. SimFan is an in-process
// fan whose observable state lives in the state store, which makes the
// daemon usable without real hardware and closes the loop for tests.
package device

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fand/internal/eventbus"
	"github.com/dokzlo13/fand/internal/fan"
	"github.com/dokzlo13/fand/internal/statestore"
)

// DefaultSpeeds is the speed set simulated fans advertise.
var DefaultSpeeds = []string{"low", "medium", "high"}

// SimFan is a driver that applies commands to its own state in the store
// and publishes the resulting change on the bus.
type SimFan struct {
	id    string
	store statestore.Store
	bus   *eventbus.Bus

	speeds   []string
	features uint32
}

// NewSimFan creates a simulated fan for the given member id.
func NewSimFan(id string, store statestore.Store, bus *eventbus.Bus) *SimFan {
	return &SimFan{
		id:       id,
		store:    store,
		bus:      bus,
		speeds:   DefaultSpeeds,
		features: fan.SupportSetSpeed | fan.SupportOscillate | fan.SupportDirection,
	}
}

// Announce writes the fan's initial off state to the store, unless some
// state for the id is already present (e.g. restored from SQLite).
func (f *SimFan) Announce() error {
	_, ok, err := f.store.Get(f.id)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return f.store.Set(fan.MemberState{
		ID:     f.id,
		Status: fan.StatusOff,
		Attributes: map[string]any{
			fan.AttrSpeedList:         f.speeds,
			fan.AttrSupportedFeatures: f.features,
		},
	})
}

// TurnOn switches the fan on, applying the speed param when present.
func (f *SimFan) TurnOn(ctx context.Context, params map[string]any) error {
	return f.update(func(s *fan.MemberState) error {
		s.Status = fan.StatusOn
		if speed, ok := params[fan.AttrSpeed].(string); ok {
			if !slices.Contains(f.speeds, speed) {
				return fmt.Errorf("unsupported speed %q", speed)
			}
			s.Attributes[fan.AttrSpeed] = speed
		}
		return nil
	})
}

// TurnOff switches the fan off.
func (f *SimFan) TurnOff(ctx context.Context) error {
	return f.update(func(s *fan.MemberState) error {
		s.Status = fan.StatusOff
		return nil
	})
}

// SetSpeed sets the fan speed, turning the fan on.
func (f *SimFan) SetSpeed(ctx context.Context, speed string) error {
	return f.update(func(s *fan.MemberState) error {
		if !slices.Contains(f.speeds, speed) {
			return fmt.Errorf("unsupported speed %q", speed)
		}
		s.Status = fan.StatusOn
		s.Attributes[fan.AttrSpeed] = speed
		return nil
	})
}

// SetDirection sets the spin direction.
func (f *SimFan) SetDirection(ctx context.Context, direction string) error {
	return f.update(func(s *fan.MemberState) error {
		s.Attributes[fan.AttrDirection] = direction
		return nil
	})
}

// Oscillate toggles oscillation.
func (f *SimFan) Oscillate(ctx context.Context, oscillating bool) error {
	return f.update(func(s *fan.MemberState) error {
		s.Attributes[fan.AttrOscillating] = oscillating
		return nil
	})
}

// update applies a mutation to the stored state and publishes the change.
func (f *SimFan) update(mutate func(*fan.MemberState) error) error {
	current, ok, err := f.store.Get(f.id)
	if err != nil {
		return err
	}

	var old *fan.MemberState
	next := fan.MemberState{ID: f.id, Status: fan.StatusOff}
	if ok {
		snapshot := current
		old = &snapshot
		next = current
		// Detach from the old snapshot before mutating
		next.Attributes = maps.Clone(current.Attributes)
	}
	if next.Attributes == nil {
		next.Attributes = map[string]any{
			fan.AttrSpeedList:         f.speeds,
			fan.AttrSupportedFeatures: f.features,
		}
	}

	if err := mutate(&next); err != nil {
		return err
	}

	if err := f.store.Set(next); err != nil {
		return err
	}

	log.Debug().Str("member_id", f.id).Str("status", string(next.Status)).Msg("Simulated fan updated")
	f.bus.Publish(eventbus.Change{MemberID: f.id, Old: old, New: &next})
	return nil
}
