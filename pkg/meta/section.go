package meta

import (
	"encoding/json"
	"fmt"
)

// Sections holds the free-form spec or status of a resource, keyed by section name.
// Unknown sections round-trip unchanged.
type Sections map[string]json.RawMessage

// Section decodes the named section into T. ok is false when the section is absent.
func Section[T any](s Sections, name string) (v T, ok bool, err error) {
	raw, ok := s[name]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return v, false, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, true, fmt.Errorf("decode section %q: %w", name, err)
	}
	return v, true, nil
}

// SetSection encodes v as the named section.
func SetSection[T any](s *Sections, name string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode section %q: %w", name, err)
	}
	if *s == nil {
		*s = Sections{}
	}
	(*s)[name] = raw
	return nil
}

// RemoveSection deletes the named section.
func (s Sections) RemoveSection(name string) { delete(s, name) }
