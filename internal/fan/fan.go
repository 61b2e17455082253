// Package fan defines the fan domain model: member states, the attribute
// vocabulary, and the reduction of many member states into one group state.
package fan

// Domain is the entity domain all group members must belong to.
const Domain = "fan"

// Services a fan device understands. A group forwards these to its members
// through the dispatcher.
const (
	ServiceTurnOn       = "turn_on"
	ServiceTurnOff      = "turn_off"
	ServiceSetSpeed     = "set_speed"
	ServiceSetDirection = "set_direction"
	ServiceOscillate    = "oscillate"
)

// Status is the discrete state a member reports.
type Status string

const (
	StatusOn          Status = "on"
	StatusOff         Status = "off"
	StatusUnavailable Status = "unavailable"
)

// SpeedOff is the sentinel speed that means "turn the fan off".
const SpeedOff = "off"

// Well-known attribute keys in a member's attribute bag.
const (
	AttrSpeed             = "speed"
	AttrSpeedList         = "speed_list"
	AttrDirection         = "direction"
	AttrOscillating       = "oscillating"
	AttrSupportedFeatures = "supported_features"
)

// Feature bits a fan device may support.
const (
	SupportSetSpeed  uint32 = 1 << 0
	SupportOscillate uint32 = 1 << 1
	SupportDirection uint32 = 1 << 2
)

// SupportGroupFan is the set of features a group can proxy to its members.
// Member feature bits outside this mask never surface on the group.
const SupportGroupFan = SupportDirection | SupportOscillate | SupportSetSpeed

// MemberState is a snapshot of one member as read from the state store.
// Attributes is an open bag; use the typed accessors rather than reaching
// into the map directly.
type MemberState struct {
	ID         string         `json:"id"`
	Status     Status         `json:"status"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// StringAttr returns the named attribute if present and a string.
func (s MemberState) StringAttr(key string) (string, bool) {
	v, ok := s.Attributes[key]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// BoolAttr returns the named attribute if present and a bool.
func (s MemberState) BoolAttr(key string) (bool, bool) {
	v, ok := s.Attributes[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// UintAttr returns the named attribute if present and numeric. JSON decoding
// delivers numbers as float64, so both forms are accepted.
func (s MemberState) UintAttr(key string) (uint32, bool) {
	v, ok := s.Attributes[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case uint32:
		return n, true
	case int:
		return uint32(n), true
	case int64:
		return uint32(n), true
	case float64:
		return uint32(n), true
	}
	return 0, false
}

// StringsAttr returns the named attribute if present and a list of strings.
// JSON decoding delivers arrays as []any, so both forms are accepted.
func (s MemberState) StringsAttr(key string) ([]string, bool) {
	v, ok := s.Attributes[key]
	if !ok {
		return nil, false
	}
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	}
	return nil, false
}

// AggregateState is the reduced state of a whole group. Pointer fields are
// nil when no member supplies the corresponding attribute.
type AggregateState struct {
	IsOn              bool
	Available         bool
	Speed             *string
	SpeedList         []string
	Direction         *string
	Oscillating       *bool
	SupportedFeatures uint32
}
