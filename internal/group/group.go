// Package group implements the virtual fan entity that mirrors a set of
// member fans as one device: commands fan out to every member, state is
// reduced from the members' states.
package group

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fand/internal/dispatch"
	"github.com/dokzlo13/fand/internal/eventbus"
	"github.com/dokzlo13/fand/internal/fan"
	"github.com/dokzlo13/fand/internal/statestore"
)

// DefaultName is used when a group is configured without a name.
const DefaultName = "Fan Switch Group"

// ErrAlreadyRegistered is returned when Register is called twice without an
// intervening Unregister.
var ErrAlreadyRegistered = errors.New("group already registered")

// Group is a virtual fan over a fixed set of member fans. Its aggregate
// state is recomputed in full on every refresh, never patched, so reads
// through the property methods always see one coherent snapshot.
type Group struct {
	name       string
	memberIDs  []string
	store      statestore.Reader
	dispatcher dispatch.Dispatcher
	bus        *eventbus.Bus

	mu    sync.RWMutex
	state fan.AggregateState
	sub   *eventbus.Subscription
}

// New creates a group over the given member ids. The member list must be
// non-empty, all ids in the fan domain; it is fixed for the group's
// lifetime.
func New(name string, memberIDs []string, store statestore.Reader, dispatcher dispatch.Dispatcher, bus *eventbus.Bus) (*Group, error) {
	if name == "" {
		name = DefaultName
	}
	if len(memberIDs) == 0 {
		return nil, errors.New("group requires at least one member")
	}
	for _, id := range memberIDs {
		if !strings.HasPrefix(id, fan.Domain+".") {
			return nil, fmt.Errorf("member %q is not in the %s domain", id, fan.Domain)
		}
	}

	return &Group{
		name:       name,
		memberIDs:  slices.Clone(memberIDs),
		store:      store,
		dispatcher: dispatcher,
		bus:        bus,
	}, nil
}

// Name returns the group name.
func (g *Group) Name() string {
	return g.name
}

// MemberIDs returns the member ids, for diagnostics.
func (g *Group) MemberIDs() []string {
	return slices.Clone(g.memberIDs)
}

// ShouldPoll reports whether the group needs polling. It never does: state
// is kept current by the change subscription.
func (g *Group) ShouldPoll() bool {
	return false
}

// State returns the current aggregate state.
func (g *Group) State() fan.AggregateState {
	g.mu.RLock()
	defer g.mu.RUnlock()

	state := g.state
	state.SpeedList = slices.Clone(state.SpeedList)
	return state
}

// IsOn reports whether at least one member is on.
func (g *Group) IsOn() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.IsOn
}

// Available reports whether at least one member is reachable.
func (g *Group) Available() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.Available
}

// Speed returns the aggregate speed, nil when no member supplies one.
func (g *Group) Speed() *string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.Speed
}

// SpeedList returns the union of member speed lists, nil when none supply one.
func (g *Group) SpeedList() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.state.SpeedList)
}

// Direction returns the aggregate direction, nil when unset.
func (g *Group) Direction() *string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.Direction
}

// Oscillating returns the aggregate oscillation flag, nil when unset.
func (g *Group) Oscillating() *bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.Oscillating
}

// SupportedFeatures returns the feature bits the group can proxy.
func (g *Group) SupportedFeatures() uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.SupportedFeatures
}

// TurnOn forwards a turn_on command to all members. An empty speed means
// "no speed requested" and is omitted from the call; the off sentinel
// routes to TurnOff instead.
func (g *Group) TurnOn(ctx context.Context, speed string) error {
	if speed == fan.SpeedOff {
		return g.TurnOff(ctx)
	}

	params := map[string]any{}
	if speed != "" {
		params[fan.AttrSpeed] = speed
	}
	return g.invoke(ctx, fan.ServiceTurnOn, params)
}

// TurnOff forwards a turn_off command to all members.
func (g *Group) TurnOff(ctx context.Context) error {
	return g.invoke(ctx, fan.ServiceTurnOff, map[string]any{})
}

// SetSpeed forwards a set_speed command to all members. The off sentinel
// routes to TurnOff instead.
func (g *Group) SetSpeed(ctx context.Context, speed string) error {
	if speed == fan.SpeedOff {
		return g.TurnOff(ctx)
	}
	return g.invoke(ctx, fan.ServiceSetSpeed, map[string]any{fan.AttrSpeed: speed})
}

// SetDirection forwards a set_direction command to all members.
func (g *Group) SetDirection(ctx context.Context, direction string) error {
	return g.invoke(ctx, fan.ServiceSetDirection, map[string]any{fan.AttrDirection: direction})
}

// Oscillate forwards an oscillate command to all members.
func (g *Group) Oscillate(ctx context.Context, oscillating bool) error {
	return g.invoke(ctx, fan.ServiceOscillate, map[string]any{fan.AttrOscillating: oscillating})
}

// invoke issues one dispatcher call targeting the full member set. Failures
// propagate to the caller untouched; the aggregate state is left as-is and
// catches up on the next refresh.
func (g *Group) invoke(ctx context.Context, service string, params map[string]any) error {
	return g.dispatcher.Invoke(ctx, fan.Domain, service, dispatch.Call{
		Targets: g.MemberIDs(),
		Params:  params,
	})
}

// Refresh re-reads every member from the store and recomputes the aggregate
// state from scratch. Members with no stored state are excluded from the
// snapshot. On a store error the previous aggregate is kept.
func (g *Group) Refresh() error {
	states := make([]fan.MemberState, 0, len(g.memberIDs))
	for _, id := range g.memberIDs {
		state, ok, err := g.store.Get(id)
		if err != nil {
			return fmt.Errorf("failed to read state of %s: %w", id, err)
		}
		if !ok {
			continue
		}
		states = append(states, state)
	}

	aggregate := fan.Reduce(states)

	g.mu.Lock()
	g.state = aggregate
	g.mu.Unlock()
	return nil
}

// Register subscribes the group to its members' change notifications and
// performs the initial refresh. The subscription is held until Unregister.
func (g *Group) Register() error {
	g.mu.Lock()
	if g.sub != nil {
		g.mu.Unlock()
		return ErrAlreadyRegistered
	}
	g.sub = g.bus.SubscribeMembers(g.memberIDs, func(change eventbus.Change) {
		// Old/new detail is irrelevant: refresh always recomputes from a
		// full read of the store.
		if err := g.Refresh(); err != nil {
			log.Error().Err(err).Str("group", g.name).Msg("Refresh after member change failed")
		}
	})
	g.mu.Unlock()

	return g.Refresh()
}

// Unregister releases the change subscription. Safe to call repeatedly.
func (g *Group) Unregister() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sub != nil {
		g.sub.Unsubscribe()
		g.sub = nil
	}
}
