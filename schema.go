package tether

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hyperengineering/tether/internal/store"
	"github.com/spf13/cast"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Coercions supported by legacy rules.
const (
	CoerceString = "string"
	CoerceNumber = "number"
	CoerceBool   = "bool"
	CoerceTime   = "time"
)

// Schema is the declarative mapping table for one collection. It is the only
// place local and remote field names are related, and every path that reads or
// writes the remote store goes through it.
type Schema struct {
	// Collection is the local collection name.
	Collection string `yaml:"collection" json:"collection"`

	// Remote is the collection name on the remote store. Defaults to Collection.
	Remote string `yaml:"remote,omitempty" json:"remote,omitempty"`

	// Fields maps local payload fields to remote field names. Fields not
	// listed pass through unchanged.
	Fields map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`

	// NaturalKey lists the payload fields that identify an entity when IDs
	// differ, e.g. a company name or a quote number.
	NaturalKey []string `yaml:"natural_key,omitempty" json:"natural_key,omitempty"`

	// References lists payload fields holding IDs of entities in other
	// collections.
	References []Reference `yaml:"references,omitempty" json:"references,omitempty"`

	// Legacy lists upgrade rules applied to older payload shapes.
	Legacy []LegacyRule `yaml:"legacy,omitempty" json:"legacy,omitempty"`
}

// Reference declares that Field holds an ID from Collection.
type Reference struct {
	Field      string `yaml:"field" json:"field"`
	Collection string `yaml:"collection" json:"collection"`
}

// LegacyRule upgrades one field of an older payload shape. When From is set
// and present, it is renamed to To unless To already exists. When Coerce is
// set, the value of To is converted to that type.
type LegacyRule struct {
	From   string `yaml:"from,omitempty" json:"from,omitempty"`
	To     string `yaml:"to" json:"to"`
	Coerce string `yaml:"coerce,omitempty" json:"coerce,omitempty"`
}

type schemaFile struct {
	Collections []Schema `yaml:"collections"`
}

// LoadSchemas reads collection schemas from a YAML file.
func LoadSchemas(path string) ([]Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	return ParseSchemas(data)
}

// ParseSchemas decodes and validates a YAML schema document of the form
//
//	collections:
//	  - collection: clients
//	    remote: crm_clients
//	    fields: {name: company_name}
//	    natural_key: [name]
func ParseSchemas(data []byte) ([]Schema, error) {
	var f schemaFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("schema: decode: %w", err)
	}
	if len(f.Collections) == 0 {
		return nil, fmt.Errorf("schema: no collections declared")
	}
	if err := ValidateSchemas(f.Collections); err != nil {
		return nil, err
	}
	return f.Collections, nil
}

// ValidateSchemas checks names, duplicates, references and legacy rules.
func ValidateSchemas(schemas []Schema) error {
	seen := make(map[string]bool, len(schemas))
	for _, s := range schemas {
		if err := store.ValidateCollection(s.Collection); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
		if seen[s.Collection] {
			return fmt.Errorf("schema: duplicate collection %q", s.Collection)
		}
		seen[s.Collection] = true
	}
	for _, s := range schemas {
		remotes := make(map[string]string, len(s.Fields))
		for local, remote := range s.Fields {
			if local == "" || remote == "" {
				return fmt.Errorf("schema: %s: empty field mapping", s.Collection)
			}
			if prev, dup := remotes[remote]; dup {
				return fmt.Errorf("schema: %s: fields %q and %q both map to %q", s.Collection, prev, local, remote)
			}
			remotes[remote] = local
		}
		for _, ref := range s.References {
			if ref.Field == "" {
				return fmt.Errorf("schema: %s: reference without field", s.Collection)
			}
			if !seen[ref.Collection] {
				return fmt.Errorf("schema: %s.%s references unknown collection %q", s.Collection, ref.Field, ref.Collection)
			}
		}
		for _, rule := range s.Legacy {
			if rule.To == "" {
				return fmt.Errorf("schema: %s: legacy rule without target field", s.Collection)
			}
			switch rule.Coerce {
			case "", CoerceString, CoerceNumber, CoerceBool, CoerceTime:
			default:
				return fmt.Errorf("schema: %s.%s: unknown coercion %q", s.Collection, rule.To, rule.Coerce)
			}
		}
	}
	return nil
}

// RemoteName returns the collection name used on the remote store.
func (s *Schema) RemoteName() string {
	if s.Remote != "" {
		return s.Remote
	}
	return s.Collection
}

// ToRemote renames local payload fields to their remote names.
func (s *Schema) ToRemote(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if remote, ok := s.Fields[k]; ok {
			out[remote] = v
			continue
		}
		out[k] = v
	}
	return out
}

// FromRemote renames remote fields to their local payload names.
func (s *Schema) FromRemote(fields map[string]any) map[string]any {
	reverse := make(map[string]string, len(s.Fields))
	for local, remote := range s.Fields {
		reverse[remote] = local
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if local, ok := reverse[k]; ok {
			out[local] = v
			continue
		}
		out[k] = v
	}
	return out
}

// NaturalKeyOf returns the normalized natural key of payload. ok is false
// when the schema declares no natural key or any key field is empty.
func (s *Schema) NaturalKeyOf(payload map[string]any) (key string, ok bool) {
	if len(s.NaturalKey) == 0 {
		return "", false
	}
	parts := make([]string, 0, len(s.NaturalKey))
	for _, f := range s.NaturalKey {
		v, present := payload[f]
		if !present || v == nil {
			return "", false
		}
		n := NormalizeKey(cast.ToString(v))
		if n == "" {
			return "", false
		}
		parts = append(parts, n)
	}
	return strings.Join(parts, "\x1f"), true
}

// NormalizeKey folds case, applies NFKC and collapses whitespace, so
// "ACME  Corp" and "acme corp" compare equal.
func NormalizeKey(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// Migrate upgrades a payload from a legacy shape. It returns the upgraded
// payload and whether anything changed. On error the input is untouched and
// a *MigrationError names the field that could not be upgraded.
func (s *Schema) Migrate(id string, payload map[string]any) (map[string]any, bool, error) {
	if len(s.Legacy) == 0 {
		return payload, false, nil
	}
	out := clonePayload(payload)
	changed := false
	for _, rule := range s.Legacy {
		if rule.From != "" {
			if v, ok := out[rule.From]; ok {
				if _, exists := out[rule.To]; !exists {
					out[rule.To] = v
				}
				delete(out, rule.From)
				changed = true
			}
		}
		if rule.Coerce == "" {
			continue
		}
		v, ok := out[rule.To]
		if !ok || v == nil {
			continue
		}
		cv, err := coerce(v, rule.Coerce)
		if err != nil {
			return payload, false, &MigrationError{Collection: s.Collection, EntityID: id, Field: rule.To, Err: err}
		}
		if cv != v {
			out[rule.To] = cv
			changed = true
		}
	}
	if !changed {
		return payload, false, nil
	}
	return out, true, nil
}

// coerce converts v to the JSON-stable representation of kind.
// Values already in that representation are returned as is.
func coerce(v any, kind string) (any, error) {
	switch kind {
	case CoerceString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return cast.ToStringE(v)
	case CoerceNumber:
		if f, ok := v.(float64); ok {
			return f, nil
		}
		if s, ok := v.(string); ok {
			v = strings.TrimSpace(s)
		}
		return cast.ToFloat64E(v)
	case CoerceBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return cast.ToBoolE(v)
	case CoerceTime:
		t, err := cast.ToTimeE(v)
		if err != nil {
			return nil, err
		}
		formatted := t.UTC().Format(time.RFC3339Nano)
		if s, ok := v.(string); ok && s == formatted {
			return s, nil
		}
		return formatted, nil
	}
	return nil, fmt.Errorf("unknown coercion %q", kind)
}

// ReferenceOrder groups collections into levels so that every collection
// comes after the collections it references. Collections in one level are
// independent. Reference cycles are placed together in a final level.
func ReferenceOrder(schemas []Schema) [][]string {
	deps := make(map[string]map[string]bool, len(schemas))
	for _, s := range schemas {
		deps[s.Collection] = make(map[string]bool)
		for _, ref := range s.References {
			if ref.Collection != s.Collection {
				deps[s.Collection][ref.Collection] = true
			}
		}
	}

	var levels [][]string
	done := make(map[string]bool, len(schemas))
	for len(done) < len(deps) {
		var level []string
		for name, d := range deps {
			if done[name] {
				continue
			}
			ready := true
			for dep := range d {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			for name := range deps {
				if !done[name] {
					level = append(level, name)
				}
			}
		}
		sort.Strings(level)
		for _, name := range level {
			done[name] = true
		}
		levels = append(levels, level)
	}
	return levels
}
