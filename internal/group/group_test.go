package group

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/fand/internal/dispatch"
	"github.com/dokzlo13/fand/internal/eventbus"
	"github.com/dokzlo13/fand/internal/fan"
	"github.com/dokzlo13/fand/internal/statestore"
)

type recordedCall struct {
	domain  string
	service string
	call    dispatch.Call
}

// fakeDispatcher records calls and optionally fails them.
type fakeDispatcher struct {
	mu    sync.Mutex
	calls []recordedCall
	err   error
}

func (d *fakeDispatcher) Invoke(ctx context.Context, domain, service string, call dispatch.Call) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, recordedCall{domain: domain, service: service, call: call})
	return d.err
}

func (d *fakeDispatcher) recorded() []recordedCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]recordedCall(nil), d.calls...)
}

func newTestGroup(t *testing.T, members []string) (*Group, *statestore.Memory, *fakeDispatcher, *eventbus.Bus) {
	t.Helper()

	store := statestore.NewMemory()
	dispatcher := &fakeDispatcher{}
	bus := eventbus.New()
	t.Cleanup(func() { bus.Close(context.Background()) })

	g, err := New("Test Fans", members, store, dispatcher, bus)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return g, store, dispatcher, bus
}

func TestNew_Validation(t *testing.T) {
	store := statestore.NewMemory()
	dispatcher := &fakeDispatcher{}
	bus := eventbus.New()
	defer bus.Close(context.Background())

	if _, err := New("g", nil, store, dispatcher, bus); err == nil {
		t.Error("New() should reject empty member list")
	}
	if _, err := New("g", []string{"light.nope"}, store, dispatcher, bus); err == nil {
		t.Error("New() should reject members outside the fan domain")
	}

	g, err := New("", []string{"fan.a"}, store, dispatcher, bus)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if g.Name() != DefaultName {
		t.Errorf("Name() = %q, want default %q", g.Name(), DefaultName)
	}
	if g.ShouldPoll() {
		t.Error("ShouldPoll() should be false")
	}
}

func TestTurnOn_NoSpeed(t *testing.T) {
	g, _, dispatcher, _ := newTestGroup(t, []string{"fan.a", "fan.b", "fan.c"})

	if err := g.TurnOn(context.Background(), ""); err != nil {
		t.Fatalf("TurnOn() error = %v", err)
	}

	calls := dispatcher.recorded()
	if len(calls) != 1 {
		t.Fatalf("dispatcher received %d calls, want 1", len(calls))
	}
	if calls[0].service != fan.ServiceTurnOn {
		t.Errorf("service = %q, want %q", calls[0].service, fan.ServiceTurnOn)
	}
	if !reflect.DeepEqual(calls[0].call.Targets, []string{"fan.a", "fan.b", "fan.c"}) {
		t.Errorf("targets = %v, want all members", calls[0].call.Targets)
	}
	if _, present := calls[0].call.Params[fan.AttrSpeed]; present {
		t.Error("turn_on without speed must not carry a speed param")
	}
}

func TestTurnOn_WithSpeed(t *testing.T) {
	g, _, dispatcher, _ := newTestGroup(t, []string{"fan.a"})

	if err := g.TurnOn(context.Background(), "high"); err != nil {
		t.Fatalf("TurnOn() error = %v", err)
	}

	calls := dispatcher.recorded()
	if len(calls) != 1 {
		t.Fatalf("dispatcher received %d calls, want 1", len(calls))
	}
	if speed := calls[0].call.Params[fan.AttrSpeed]; speed != "high" {
		t.Errorf("speed param = %v, want %q", speed, "high")
	}
}

func TestTurnOn_OffSentinelRoutesToTurnOff(t *testing.T) {
	g, _, dispatcher, _ := newTestGroup(t, []string{"fan.a"})

	if err := g.TurnOn(context.Background(), fan.SpeedOff); err != nil {
		t.Fatalf("TurnOn() error = %v", err)
	}

	calls := dispatcher.recorded()
	if len(calls) != 1 || calls[0].service != fan.ServiceTurnOff {
		t.Errorf("calls = %+v, want a single turn_off", calls)
	}
}

func TestSetSpeed_OffSentinelRoutesToTurnOff(t *testing.T) {
	g, _, dispatcher, _ := newTestGroup(t, []string{"fan.a"})

	if err := g.SetSpeed(context.Background(), fan.SpeedOff); err != nil {
		t.Fatalf("SetSpeed() error = %v", err)
	}

	calls := dispatcher.recorded()
	if len(calls) != 1 || calls[0].service != fan.ServiceTurnOff {
		t.Errorf("calls = %+v, want a single turn_off", calls)
	}
}

func TestSetSpeed(t *testing.T) {
	g, _, dispatcher, _ := newTestGroup(t, []string{"fan.a"})

	if err := g.SetSpeed(context.Background(), "low"); err != nil {
		t.Fatalf("SetSpeed() error = %v", err)
	}

	calls := dispatcher.recorded()
	if len(calls) != 1 || calls[0].service != fan.ServiceSetSpeed {
		t.Fatalf("calls = %+v, want a single set_speed", calls)
	}
	if speed := calls[0].call.Params[fan.AttrSpeed]; speed != "low" {
		t.Errorf("speed param = %v, want %q", speed, "low")
	}
}

func TestSetDirectionAndOscillate(t *testing.T) {
	g, _, dispatcher, _ := newTestGroup(t, []string{"fan.a"})

	if err := g.SetDirection(context.Background(), "reverse"); err != nil {
		t.Fatalf("SetDirection() error = %v", err)
	}
	if err := g.Oscillate(context.Background(), true); err != nil {
		t.Fatalf("Oscillate() error = %v", err)
	}

	calls := dispatcher.recorded()
	if len(calls) != 2 {
		t.Fatalf("dispatcher received %d calls, want 2", len(calls))
	}
	if calls[0].service != fan.ServiceSetDirection || calls[0].call.Params[fan.AttrDirection] != "reverse" {
		t.Errorf("first call = %+v, want set_direction reverse", calls[0])
	}
	if calls[1].service != fan.ServiceOscillate || calls[1].call.Params[fan.AttrOscillating] != true {
		t.Errorf("second call = %+v, want oscillate true", calls[1])
	}
}

func TestCommand_DispatchFailureLeavesStateUntouched(t *testing.T) {
	g, store, dispatcher, _ := newTestGroup(t, []string{"fan.a"})

	store.Set(fan.MemberState{ID: "fan.a", Status: fan.StatusOn})
	if err := g.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	before := g.State()

	dispatcher.err = errors.New("device unreachable")
	if err := g.TurnOff(context.Background()); err == nil {
		t.Fatal("TurnOff() should propagate dispatch failure")
	}

	if !reflect.DeepEqual(g.State(), before) {
		t.Error("aggregate state changed on dispatch failure")
	}
}

func TestRefresh_SpeedPlurality(t *testing.T) {
	g, store, _, _ := newTestGroup(t, []string{"fan.a", "fan.b", "fan.c"})

	store.Set(fan.MemberState{ID: "fan.a", Status: fan.StatusOn, Attributes: map[string]any{fan.AttrSpeed: "3"}})
	store.Set(fan.MemberState{ID: "fan.b", Status: fan.StatusOn, Attributes: map[string]any{fan.AttrSpeed: "3"}})
	store.Set(fan.MemberState{ID: "fan.c", Status: fan.StatusOff, Attributes: map[string]any{fan.AttrSpeed: "5"}})

	if err := g.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if !g.IsOn() {
		t.Error("IsOn() = false, want true")
	}
	if speed := g.Speed(); speed == nil || *speed != "3" {
		t.Errorf("Speed() = %v, want 3", speed)
	}
	if g.Direction() != nil {
		t.Errorf("Direction() = %v, want unset", g.Direction())
	}
}

func TestRefresh_UnresolvedMembersExcluded(t *testing.T) {
	g, store, _, _ := newTestGroup(t, []string{"fan.a", "fan.ghost"})

	store.Set(fan.MemberState{ID: "fan.a", Status: fan.StatusOn})

	if err := g.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if !g.IsOn() || !g.Available() {
		t.Error("a resolvable on member should make the group on and available")
	}
}

func TestRefresh_EmptySnapshotUnavailable(t *testing.T) {
	g, _, _, _ := newTestGroup(t, []string{"fan.a", "fan.b"})

	if err := g.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if g.IsOn() {
		t.Error("IsOn() = true for empty snapshot")
	}
	if g.Available() {
		t.Error("Available() = true for empty snapshot")
	}
	if g.Speed() != nil || g.SpeedList() != nil {
		t.Error("speed fields should stay unset for empty snapshot")
	}
}

func TestRefresh_Idempotent(t *testing.T) {
	g, store, _, _ := newTestGroup(t, []string{"fan.a", "fan.b"})

	store.Set(fan.MemberState{ID: "fan.a", Status: fan.StatusOn, Attributes: map[string]any{
		fan.AttrSpeed:     "low",
		fan.AttrSpeedList: []string{"low", "high"},
	}})
	store.Set(fan.MemberState{ID: "fan.b", Status: fan.StatusUnavailable})

	if err := g.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	first := g.State()

	if err := g.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if !reflect.DeepEqual(g.State(), first) {
		t.Errorf("Refresh() not idempotent: %+v != %+v", g.State(), first)
	}
}

func TestRegister_RefreshesOnMemberChange(t *testing.T) {
	g, store, _, bus := newTestGroup(t, []string{"fan.a"})

	if err := g.Register(); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	defer g.Unregister()

	if g.IsOn() {
		t.Fatal("group should start off")
	}

	state := fan.MemberState{ID: "fan.a", Status: fan.StatusOn}
	store.Set(state)
	bus.Publish(eventbus.Change{MemberID: "fan.a", New: &state})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if g.IsOn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("group did not refresh after member change")
}

func TestRegister_Twice(t *testing.T) {
	g, _, _, _ := newTestGroup(t, []string{"fan.a"})

	if err := g.Register(); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	defer g.Unregister()

	if err := g.Register(); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("second Register() error = %v, want ErrAlreadyRegistered", err)
	}
}

func TestUnregister_StopsRefreshAndIsIdempotent(t *testing.T) {
	g, store, _, bus := newTestGroup(t, []string{"fan.a"})

	if err := g.Register(); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	g.Unregister()
	g.Unregister() // must be safe

	state := fan.MemberState{ID: "fan.a", Status: fan.StatusOn}
	store.Set(state)
	bus.Publish(eventbus.Change{MemberID: "fan.a", New: &state})

	time.Sleep(20 * time.Millisecond)
	if g.IsOn() {
		t.Error("group refreshed after Unregister()")
	}
}

func TestRegistry(t *testing.T) {
	store := statestore.NewMemory()
	dispatcher := &fakeDispatcher{}
	bus := eventbus.New()
	defer bus.Close(context.Background())

	registry := NewRegistry()
	a, _ := New("A", []string{"fan.a"}, store, dispatcher, bus)
	b, _ := New("B", []string{"fan.b"}, store, dispatcher, bus)

	if err := registry.Add(a); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := registry.Add(b); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	dup, _ := New("A", []string{"fan.c"}, store, dispatcher, bus)
	if err := registry.Add(dup); err == nil {
		t.Error("Add() should reject duplicate name")
	}

	if g, ok := registry.Get("A"); !ok || g != a {
		t.Error("Get() should return the registered group")
	}
	all := registry.All()
	if len(all) != 2 || all[0] != a || all[1] != b {
		t.Errorf("All() = %v, want registration order [A B]", all)
	}
}
