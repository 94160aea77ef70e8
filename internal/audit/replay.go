package audit

// Matcher answers replay lookups against a previously recorded log.
//
// Matching is positional: the call at sequence n is a hit only when the
// source log has a successful record at index n with the same action name.
// Parameters are not compared. The first miss turns replay off for the rest
// of the run, so a run replays at most a prefix of its source.
type Matcher struct {
	source []ActionRecord
	active bool
	hits   int
}

// NewMatcher builds a matcher over source. The usable prefix ends at the
// first failed record; a nil source yields a matcher that never hits.
func NewMatcher(source *Log) *Matcher {
	m := &Matcher{}
	if source == nil {
		return m
	}
	for _, rec := range source.Actions {
		if !rec.Success {
			break
		}
		m.source = append(m.source, rec)
	}
	m.active = len(m.source) > 0
	return m
}

// Match looks up the record at seq. The second result is false on a miss.
func (m *Matcher) Match(seq int, name string) (ActionRecord, bool) {
	if m == nil || !m.active {
		return ActionRecord{}, false
	}
	if seq < 0 || seq >= len(m.source) || m.source[seq].Module != name {
		m.active = false
		return ActionRecord{}, false
	}
	m.hits++
	return m.source[seq], true
}

// Active reports whether replay is still enabled.
func (m *Matcher) Active() bool { return m != nil && m.active }

// Hits returns how many calls were served from the source so far.
func (m *Matcher) Hits() int {
	if m == nil {
		return 0
	}
	return m.hits
}

// Len returns the length of the replayable prefix.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.source)
}
