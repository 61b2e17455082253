package modules

import (
	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/fand/internal/group"
)

const groupTypeName = "fan.group"

// FanModule exposes fan groups to Lua scripts.
type FanModule struct {
	groups   *group.Registry
	handlers []*lua.LFunction
}

// NewFanModule creates a new fan module over the group registry.
func NewFanModule(groups *group.Registry) *FanModule {
	return &FanModule{groups: groups}
}

// Loader is the module loader for Lua
func (m *FanModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "get", L.NewFunction(m.get))
	L.SetField(mod, "all", L.NewFunction(m.all))
	L.SetField(mod, "on_change", L.NewFunction(m.onChange))

	L.Push(mod)
	return 1
}

// fan.get(name) -> group | nil
func (m *FanModule) get(L *lua.LState) int {
	name := L.CheckString(1)
	g, ok := m.groups.Get(name)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	pushGroup(L, g)
	return 1
}

// fan.all() -> {group, ...}
func (m *FanModule) all(L *lua.LState) int {
	tbl := L.NewTable()
	for i, g := range m.groups.All() {
		pushGroup(L, g)
		value := L.Get(-1)
		L.Pop(1)
		tbl.RawSetInt(i+1, value)
	}
	L.Push(tbl)
	return 1
}

// fan.on_change(fn) - register a handler called with the group whose
// aggregate state may have changed
func (m *FanModule) onChange(L *lua.LState) int {
	fn := L.CheckFunction(1)
	m.handlers = append(m.handlers, fn)
	return 0
}

// CallChangeHandlers invokes all registered on_change handlers for a group.
// Must run on the Lua worker goroutine.
func (m *FanModule) CallChangeHandlers(L *lua.LState, g *group.Group) {
	for _, fn := range m.handlers {
		L.Push(fn)
		pushGroup(L, g)
		if err := L.PCall(1, 0, nil); err != nil {
			log.Error().Err(err).Str("group", g.Name()).Msg("Lua on_change handler failed")
		}
	}
}

// RegisterGroupType registers the fan.group metatable
func RegisterGroupType(L *lua.LState) {
	mt := L.NewTypeMetatable(groupTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), groupMethods))
}

var groupMethods = map[string]lua.LGFunction{
	// Getters (return values)
	"name":        groupGetName,
	"is_on":       groupIsOn,
	"available":   groupAvailable,
	"speed":       groupGetSpeed,
	"speed_list":  groupGetSpeedList,
	"direction":   groupGetDirection,
	"oscillating": groupGetOscillating,
	"members":     groupGetMembers,

	// Commands (fan out to all members)
	"turn_on":       groupTurnOn,
	"turn_off":      groupTurnOff,
	"set_speed":     groupSetSpeed,
	"set_direction": groupSetDirection,
	"oscillate":     groupOscillate,
}

// pushGroup creates a new group userdata and pushes it onto the stack
func pushGroup(L *lua.LState, g *group.Group) {
	ud := L.NewUserData()
	ud.Value = g
	L.SetMetatable(ud, L.GetTypeMetatable(groupTypeName))
	L.Push(ud)
}

// checkGroup retrieves the group from the Lua stack
func checkGroup(L *lua.LState) *group.Group {
	ud := L.CheckUserData(1)
	if g, ok := ud.Value.(*group.Group); ok {
		return g
	}
	L.ArgError(1, "fan.group expected")
	return nil
}

// group:name() -> string
func groupGetName(L *lua.LState) int {
	g := checkGroup(L)
	L.Push(lua.LString(g.Name()))
	return 1
}

// group:is_on() -> bool
func groupIsOn(L *lua.LState) int {
	g := checkGroup(L)
	L.Push(lua.LBool(g.IsOn()))
	return 1
}

// group:available() -> bool
func groupAvailable(L *lua.LState) int {
	g := checkGroup(L)
	L.Push(lua.LBool(g.Available()))
	return 1
}

// group:speed() -> string | nil
func groupGetSpeed(L *lua.LState) int {
	g := checkGroup(L)
	if speed := g.Speed(); speed != nil {
		L.Push(lua.LString(*speed))
	} else {
		L.Push(lua.LNil)
	}
	return 1
}

// group:speed_list() -> {string, ...} | nil
func groupGetSpeedList(L *lua.LState) int {
	g := checkGroup(L)
	list := g.SpeedList()
	if list == nil {
		L.Push(lua.LNil)
		return 1
	}
	tbl := L.NewTable()
	for i, speed := range list {
		tbl.RawSetInt(i+1, lua.LString(speed))
	}
	L.Push(tbl)
	return 1
}

// group:direction() -> string | nil
func groupGetDirection(L *lua.LState) int {
	g := checkGroup(L)
	if direction := g.Direction(); direction != nil {
		L.Push(lua.LString(*direction))
	} else {
		L.Push(lua.LNil)
	}
	return 1
}

// group:oscillating() -> bool | nil
func groupGetOscillating(L *lua.LState) int {
	g := checkGroup(L)
	if oscillating := g.Oscillating(); oscillating != nil {
		L.Push(lua.LBool(*oscillating))
	} else {
		L.Push(lua.LNil)
	}
	return 1
}

// group:members() -> {string, ...}
func groupGetMembers(L *lua.LState) int {
	g := checkGroup(L)
	tbl := L.NewTable()
	for i, id := range g.MemberIDs() {
		tbl.RawSetInt(i+1, lua.LString(id))
	}
	L.Push(tbl)
	return 1
}

// group:turn_on([speed])
func groupTurnOn(L *lua.LState) int {
	g := checkGroup(L)
	speed := L.OptString(2, "")
	if err := g.TurnOn(L.Context(), speed); err != nil {
		L.Push(lua.LString(err.Error()))
		return 1
	}
	return 0
}

// group:turn_off()
func groupTurnOff(L *lua.LState) int {
	g := checkGroup(L)
	if err := g.TurnOff(L.Context()); err != nil {
		L.Push(lua.LString(err.Error()))
		return 1
	}
	return 0
}

// group:set_speed(speed)
func groupSetSpeed(L *lua.LState) int {
	g := checkGroup(L)
	speed := L.CheckString(2)
	if err := g.SetSpeed(L.Context(), speed); err != nil {
		L.Push(lua.LString(err.Error()))
		return 1
	}
	return 0
}

// group:set_direction(direction)
func groupSetDirection(L *lua.LState) int {
	g := checkGroup(L)
	direction := L.CheckString(2)
	if err := g.SetDirection(L.Context(), direction); err != nil {
		L.Push(lua.LString(err.Error()))
		return 1
	}
	return 0
}

// group:oscillate(flag)
func groupOscillate(L *lua.LState) int {
	g := checkGroup(L)
	oscillating := L.CheckBool(2)
	if err := g.Oscillate(L.Context(), oscillating); err != nil {
		L.Push(lua.LString(err.Error()))
		return 1
	}
	return 0
}
