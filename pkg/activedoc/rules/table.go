package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// ErrNotArray is returned when a rule table document is valid JSON but not an array.
var ErrNotArray = errors.New("rule table is not a JSON array")

// ParseTable decodes a rule table document.
//
// The whole table is rejected with an error if it is not valid JSON or not an
// array. Individual entries that fail to decode or validate are left out of
// rules and reported in issues, one *ValidationError each; they never abort
// the rest of the table.
func ParseTable(data []byte) (rules []Rule, issues []error, err error) {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return nil, nil, fmt.Errorf("rule table is not valid JSON")
	}
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, nil, ErrNotArray
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, nil, fmt.Errorf("decode rule table: %w", err)
	}

	rules = make([]Rule, 0, len(entries))
	for i, raw := range entries {
		r, err := decodeEntry(i, raw)
		if err != nil {
			issues = append(issues, err)
			continue
		}
		rules = append(rules, r)
	}
	return rules, issues, nil
}

func decodeEntry(position int, raw json.RawMessage) (Rule, error) {
	var r Rule
	if err := json.Unmarshal(raw, &r); err != nil {
		return Rule{}, &ValidationError{Position: position, Err: err}
	}
	if err := validateAt(position, r); err != nil {
		return Rule{}, err
	}
	r.Tags = normalizeTags(r.Tags)
	return r, nil
}

// normalizeTags drops duplicate tags, keeping first occurrence order.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// Changed compares two rule tables by ID and returns the IDs that were added,
// removed or modified, in that order of discovery. Results are ignored so a
// re-evaluation alone never counts as a change.
func Changed(prev, next []Rule) []string {
	prevByID := make(map[string]Rule, len(prev))
	for _, r := range prev {
		prevByID[r.ID] = r
	}
	nextIDs := make(map[string]bool, len(next))

	var changed []string
	for _, r := range next {
		nextIDs[r.ID] = true
		old, ok := prevByID[r.ID]
		if !ok || !sameDefinition(old, r) {
			changed = append(changed, r.ID)
		}
	}
	for _, r := range prev {
		if !nextIDs[r.ID] {
			changed = append(changed, r.ID)
		}
	}
	return changed
}

func sameDefinition(a, b Rule) bool {
	return a.Title == b.Title &&
		a.Description == b.Description &&
		a.Language == b.Language &&
		sameTags(a.Tags, b.Tags) &&
		slices.Equal(a.Scope, b.Scope) &&
		jsonEqual(a.QuantifierPattern, b.QuantifierPattern) &&
		jsonEqual(a.ConstraintPattern, b.ConstraintPattern)
}

func sameTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, t := range a {
		if !slices.Contains(b, t) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
