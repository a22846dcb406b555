package position

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Scope is the predicate deciding whether a config's view includes a trade.
// It is a tagged variant: ALL matches everything, CRITERIA requires every
// listed field to equal its value (AND semantics; empty criteria match all).
//
// Persisted as JSON with a "type" tag:
//
//	{"type":"ALL"}
//	{"type":"CRITERIA","criteria":{"BOOK":"FI-DESK-1","SOURCE":"MUREX"}}
type Scope struct {
	All      bool
	Criteria map[ScopeField]string
}

// ScopeAll matches every trade.
func ScopeAll() Scope { return Scope{All: true} }

// ScopeCriteria matches trades whose fields equal every listed value.
func ScopeCriteria(criteria map[ScopeField]string) Scope {
	return Scope{Criteria: criteria}
}

// Matches reports whether the trade falls inside this scope.
func (s Scope) Matches(t Trade) bool {
	if s.All {
		return true
	}
	for field, want := range s.Criteria {
		if field.Extract(t) != want {
			return false
		}
	}
	return true
}

type scopeJSON struct {
	Type     string            `json:"type"`
	Criteria map[string]string `json:"criteria,omitempty"`
}

func (s Scope) MarshalJSON() ([]byte, error) {
	if s.All {
		return json.Marshal(scopeJSON{Type: "ALL"})
	}
	criteria := make(map[string]string, len(s.Criteria))
	for field, value := range s.Criteria {
		criteria[string(field)] = value
	}
	return json.Marshal(scopeJSON{Type: "CRITERIA", Criteria: criteria})
}

func (s *Scope) UnmarshalJSON(data []byte) error {
	var raw scopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse scope: %w", err)
	}
	switch raw.Type {
	case "ALL":
		*s = Scope{All: true}
		return nil
	case "CRITERIA":
		criteria := make(map[ScopeField]string, len(raw.Criteria))
		for field, value := range raw.Criteria {
			parsed, err := ParseScopeField(field)
			if err != nil {
				return fmt.Errorf("parse scope: %w", err)
			}
			criteria[parsed] = value
		}
		*s = Scope{Criteria: criteria}
		return nil
	}
	return fmt.Errorf("parse scope: unknown type %q", raw.Type)
}

// CanonicalString renders the scope as deterministic JSON so that the
// (configType, keyFormat, scope) uniqueness constraint compares equal scopes
// equal regardless of map iteration order.
func (s Scope) CanonicalString() string {
	if s.All {
		return `{"type":"ALL"}`
	}
	fields := make([]string, 0, len(s.Criteria))
	for field := range s.Criteria {
		fields = append(fields, string(field))
	}
	sort.Strings(fields)
	out := `{"type":"CRITERIA","criteria":{`
	for i, field := range fields {
		if i > 0 {
			out += ","
		}
		key, _ := json.Marshal(field)
		value, _ := json.Marshal(s.Criteria[ScopeField(field)])
		out += string(key) + ":" + string(value)
	}
	return out + "}}"
}
