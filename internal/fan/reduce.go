package fan

// Reduce folds a snapshot of member states into one aggregate group state.
// It never fails: members missing an attribute simply do not contribute to
// it, and a field no member supplies stays unset.
//
// Iteration order follows the snapshot order, which callers derive from the
// group's declared member list. Order matters: it breaks ties in the speed
// vote and picks the winner among equally common values.
func Reduce(states []MemberState) AggregateState {
	var agg AggregateState

	onStates := make([]MemberState, 0, len(states))
	for _, s := range states {
		if s.Status == StatusOn {
			agg.IsOn = true
			onStates = append(onStates, s)
		}
		if s.Status != StatusUnavailable {
			agg.Available = true
		}
	}

	// Direction and oscillation only count for members that are on; an off
	// fan still reports its last direction but should not steer the group.
	agg.Direction = reduceString(onStates, AttrDirection)
	agg.Oscillating = reduceBool(onStates, AttrOscillating)

	agg.SpeedList = unionStrings(states, AttrSpeedList)
	agg.Speed = mostCommonString(states, AttrSpeed)

	for _, s := range states {
		if features, ok := s.UintAttr(AttrSupportedFeatures); ok {
			agg.SupportedFeatures |= features
		}
	}
	agg.SupportedFeatures &= SupportGroupFan

	return agg
}

// reduceString collects a string attribute across states. No values means
// unset, a single value passes through unchanged, and divergent values are
// settled by plurality vote with first-seen tie-break.
func reduceString(states []MemberState, key string) *string {
	var collected []string
	for _, s := range states {
		if v, ok := s.StringAttr(key); ok {
			collected = append(collected, v)
		}
	}
	if len(collected) == 0 {
		return nil
	}
	winner := vote(collected)
	return &winner
}

// reduceBool collects a bool attribute across states. Divergent values
// combine as the truncated integer mean of 0/1 codes, so the result is true
// only when every supplier reports true.
func reduceBool(states []MemberState, key string) *bool {
	var collected []bool
	for _, s := range states {
		if v, ok := s.BoolAttr(key); ok {
			collected = append(collected, v)
		}
	}
	if len(collected) == 0 {
		return nil
	}
	result := true
	for _, v := range collected {
		if !v {
			result = false
			break
		}
	}
	return &result
}

// mostCommonString returns the plurality winner of a string attribute across
// all states, duplicates retained, ties broken by first occurrence.
func mostCommonString(states []MemberState, key string) *string {
	var collected []string
	for _, s := range states {
		if v, ok := s.StringAttr(key); ok {
			collected = append(collected, v)
		}
	}
	if len(collected) == 0 {
		return nil
	}
	winner := vote(collected)
	return &winner
}

// vote returns the most frequent value; on a tie the value seen first wins.
// Values must be non-empty.
func vote(values []string) string {
	counts := make(map[string]int, len(values))
	for _, v := range values {
		counts[v]++
	}
	winner := values[0]
	best := counts[winner]
	for _, v := range values {
		if counts[v] > best {
			winner = v
			best = counts[v]
		}
	}
	return winner
}

// unionStrings builds the set union of a string-list attribute across all
// states, preserving first-seen order. Returns nil when no state supplies
// the attribute.
func unionStrings(states []MemberState, key string) []string {
	var union []string
	seen := make(map[string]struct{})
	supplied := false
	for _, s := range states {
		list, ok := s.StringsAttr(key)
		if !ok {
			continue
		}
		supplied = true
		for _, v := range list {
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			union = append(union, v)
		}
	}
	if !supplied {
		return nil
	}
	if union == nil {
		union = []string{}
	}
	return union
}
