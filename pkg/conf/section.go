// Package conf is the configuration tree handed to modules during bootstrap,
// compile, parse and instantiate.
//
// A Section is a nested key/value tree. Sections passed to module callbacks
// are only valid for the duration of the call, except listener sections which
// the core retains for the lifetime of the listener instance.
package conf

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"
)

// Section is a read-only view on one configuration section.
type Section interface {
	// Name is the section's name ("server", "listen", "Access-Request").
	Name() string
	// Name2 is the section's instance name, taken from its "name" key.
	Name2() string
	// Path identifies the section within the tree for error messages.
	Path() string
	// Value returns the scalar value of key.
	Value(key string) (string, bool)
	// Section returns the first subsection called name or nil.
	Section(name string) Section
	// Sections returns all subsections called name.
	Sections(name string) []Section
	// Keys returns the section's keys in sorted order.
	Keys() []string
	// Decode decodes the section into out using "conf" struct tags.
	Decode(out any) error
}

// Tree is the Section implementation over decoded YAML/Viper values.
type Tree struct {
	name  string
	path  string
	items map[string]any
}

var _ Section = (*Tree)(nil)

// Parse parses YAML into a root Section called name.
func Parse(name string, data []byte) (*Tree, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", name, err)
	}
	if v == nil {
		return Empty(name), nil
	}
	t := FromValue(name, v)
	if t == nil {
		return nil, fmt.Errorf("error parsing %s: top level must be a mapping, got %T", name, v)
	}
	return t, nil
}

// FromValue wraps a decoded mapping as a Section. It returns nil if v is
// not a mapping.
func FromValue(name string, v any) *Tree {
	return fromValue(name, name, v)
}

// Empty returns a Section without any keys.
func Empty(name string) *Tree {
	return &Tree{name: name, path: name, items: map[string]any{}}
}

func fromValue(name, path string, v any) *Tree {
	items, ok := normalize(v)
	if !ok {
		return nil
	}
	t := &Tree{name: name, path: path, items: items}
	if n2 := t.Name2(); n2 != "" && !strings.HasSuffix(path, n2) {
		t.path = path + " " + n2
	}
	return t
}

// normalize converts the mapping types produced by yaml.v3 and viper.
func normalize(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	case *Tree:
		return m.items, true
	}
	return nil, false
}

func (t *Tree) Name() string { return t.name }

func (t *Tree) Name2() string {
	v, _ := t.Value("name")
	return v
}

func (t *Tree) Path() string { return t.path }

func (t *Tree) lookup(key string) (any, bool) {
	if v, ok := t.items[key]; ok {
		return v, true
	}
	// Viper lower-cases keys, packet type names are mixed case.
	for k, v := range t.items {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func (t *Tree) Value(key string) (string, bool) {
	v, ok := t.lookup(key)
	if !ok || v == nil {
		return "", false
	}
	switch v.(type) {
	case map[string]any, map[any]any, []any:
		return "", false
	}
	return fmt.Sprint(v), true
}

func (t *Tree) Section(name string) Section {
	if s := t.Sections(name); len(s) != 0 {
		return s[0]
	}
	return nil
}

func (t *Tree) Sections(name string) []Section {
	v, ok := t.lookup(name)
	if !ok {
		return nil
	}
	path := t.path + " > " + name
	if sub := fromValue(name, path, v); sub != nil {
		return []Section{sub}
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []Section
	for i, e := range list {
		if sub := fromValue(name, fmt.Sprintf("%s[%d]", path, i), e); sub != nil {
			out = append(out, sub)
		}
	}
	return out
}

func (t *Tree) Keys() []string {
	return slices.Sorted(maps.Keys(t.items))
}

func (t *Tree) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "conf",
		WeaklyTypedInput: true,
		MatchName:        strings.EqualFold,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	if err = dec.Decode(t.items); err != nil {
		return Errorf(t, "%w", err)
	}
	return nil
}

// Bool returns the boolean value of key or def if unset or unparsable.
func Bool(s Section, key string, def bool) bool {
	v, ok := s.Value(key)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "yes", "true", "on", "1":
		return true
	case "no", "false", "off", "0":
		return false
	}
	return def
}

// Duration returns the duration value of key or def if unset.
// Plain numbers are interpreted as seconds.
func Duration(s Section, key string, def time.Duration) (time.Duration, error) {
	v, ok := s.Value(key)
	if !ok || v == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	var secs float64
	if _, err := fmt.Sscan(v, &secs); err != nil {
		return 0, Errorf(s, "invalid duration %q for %s", v, key)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Error is an error attributed to a configuration section.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string { return e.Path + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Errorf returns an error prefixed with the section path.
func Errorf(s Section, format string, args ...any) error {
	path := "<nil>"
	if s != nil {
		path = s.Path()
	}
	return &Error{Path: path, Err: fmt.Errorf(format, args...)}
}
