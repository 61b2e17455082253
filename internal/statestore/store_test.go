package statestore

import (
	"testing"

	"github.com/dokzlo13/fand/internal/fan"
)

func TestMemory_GetAbsent(t *testing.T) {
	store := NewMemory()

	_, ok, err := store.Get("fan.missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() should report absent for unknown id")
	}
}

func TestMemory_SetGet(t *testing.T) {
	store := NewMemory()

	err := store.Set(fan.MemberState{
		ID:     "fan.living_room",
		Status: fan.StatusOn,
		Attributes: map[string]any{
			fan.AttrSpeed: "low",
		},
	})
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	state, ok, err := store.Get("fan.living_room")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() should find stored state")
	}
	if state.Status != fan.StatusOn {
		t.Errorf("Status = %q, want %q", state.Status, fan.StatusOn)
	}
	if speed, _ := state.StringAttr(fan.AttrSpeed); speed != "low" {
		t.Errorf("speed = %q, want %q", speed, "low")
	}
}

func TestMemory_ReturnedStateIsIsolated(t *testing.T) {
	store := NewMemory()

	store.Set(fan.MemberState{
		ID:         "fan.a",
		Status:     fan.StatusOn,
		Attributes: map[string]any{fan.AttrSpeed: "low"},
	})

	state, _, _ := store.Get("fan.a")
	state.Attributes[fan.AttrSpeed] = "high"

	again, _, _ := store.Get("fan.a")
	if speed, _ := again.StringAttr(fan.AttrSpeed); speed != "low" {
		t.Errorf("stored state mutated through returned copy: speed = %q", speed)
	}
}

func TestMemory_Delete(t *testing.T) {
	store := NewMemory()
	store.Set(fan.MemberState{ID: "fan.a", Status: fan.StatusOff})

	ok, err := store.Delete("fan.a")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !ok {
		t.Error("Delete() should report existing id")
	}

	ok, _ = store.Delete("fan.a")
	if ok {
		t.Error("Delete() should report missing id on second call")
	}
}

func TestMemory_All(t *testing.T) {
	store := NewMemory()
	store.Set(fan.MemberState{ID: "fan.a", Status: fan.StatusOn})
	store.Set(fan.MemberState{ID: "fan.b", Status: fan.StatusOff})

	all, err := store.All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("All() returned %d states, want 2", len(all))
	}
}

func TestSQLite_RoundTrip(t *testing.T) {
	store, err := OpenSQLite(t.TempDir() + "/state.sqlite")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer store.Close()

	err = store.Set(fan.MemberState{
		ID:     "fan.bedroom",
		Status: fan.StatusOn,
		Attributes: map[string]any{
			fan.AttrSpeed:     "high",
			fan.AttrSpeedList: []string{"low", "high"},
		},
	})
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	state, ok, err := store.Get("fan.bedroom")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() should find stored state")
	}
	if speed, _ := state.StringAttr(fan.AttrSpeed); speed != "high" {
		t.Errorf("speed = %q, want %q", speed, "high")
	}
	if list, ok := state.StringsAttr(fan.AttrSpeedList); !ok || len(list) != 2 {
		t.Errorf("speed_list = %v, %v", list, ok)
	}

	// Overwrite and verify replacement, not accumulation
	store.Set(fan.MemberState{ID: "fan.bedroom", Status: fan.StatusOff})
	state, _, _ = store.Get("fan.bedroom")
	if state.Status != fan.StatusOff {
		t.Errorf("Status = %q after overwrite, want %q", state.Status, fan.StatusOff)
	}
	if len(state.Attributes) != 0 {
		t.Errorf("Attributes = %v after overwrite, want empty", state.Attributes)
	}

	all, err := store.All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("All() returned %d states, want 1", len(all))
	}
}
