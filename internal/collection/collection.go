// Package collection defines the closed set of logical collections the sync
// engine knows about: their payload schema, priority tier and optional
// conflict strategy override. Descriptors are resolved once at startup.
package collection

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	apperrors "github.com/Gyimahp52/michael-school-portal-sub002/internal/errors"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/models"
)

// Kind is the JSON kind a payload field must have.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBool    Kind = "bool"
	KindObject  Kind = "object"
	KindArray   Kind = "array"
	KindAny     Kind = "any"
)

// Field declares one payload field.
type Field struct {
	Name     string   `yaml:"name"`
	Kind     Kind     `yaml:"kind"`
	Required bool     `yaml:"required"`
	Enum     []string `yaml:"enum,omitempty"`
}

// Descriptor describes one logical collection.
type Descriptor struct {
	Name string              `yaml:"name"`
	Tier models.PriorityTier `yaml:"tier"`
	// Strategy overrides the engine-wide conflict strategy when set.
	Strategy string `yaml:"strategy,omitempty"`
	// Strict rejects payload fields that are not declared.
	Strict bool    `yaml:"strict,omitempty"`
	Fields []Field `yaml:"fields"`
}

// Validate checks a payload against the descriptor's schema.
func (d *Descriptor) Validate(payload []byte) error {
	var doc map[string]interface{}
	if len(payload) == 0 {
		return apperrors.Newf(apperrors.ErrValidation, "%s: payload is empty", d.Name)
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("%s: payload must be a JSON object", d.Name), err)
	}
	if doc == nil {
		return apperrors.Newf(apperrors.ErrValidation, "%s: payload must be a JSON object", d.Name)
	}

	declared := make(map[string]struct{}, len(d.Fields))
	for _, f := range d.Fields {
		declared[f.Name] = struct{}{}
		v, ok := doc[f.Name]
		if !ok || v == nil {
			if f.Required {
				return apperrors.Newf(apperrors.ErrValidation, "%s: field %q is required", d.Name, f.Name)
			}
			continue
		}
		if err := checkKind(f, v); err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("%s: field %q", d.Name, f.Name), err)
		}
	}

	if d.Strict {
		for k := range doc {
			if _, ok := declared[k]; !ok {
				return apperrors.Newf(apperrors.ErrValidation, "%s: unknown field %q", d.Name, k)
			}
		}
	}
	return nil
}

func checkKind(f Field, v interface{}) error {
	switch f.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if f.Required && strings.TrimSpace(s) == "" {
			return fmt.Errorf("must not be blank")
		}
		if len(f.Enum) > 0 {
			for _, e := range f.Enum {
				if s == e {
					return nil
				}
			}
			return fmt.Errorf("%q is not one of %s", s, strings.Join(f.Enum, ", "))
		}
	case KindNumber:
		if _, ok := v.(float64); !ok {
			return fmt.Errorf("expected number, got %T", v)
		}
	case KindInteger:
		n, ok := v.(float64)
		if !ok || n != float64(int64(n)) {
			return fmt.Errorf("expected integer, got %v", v)
		}
	case KindBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
	case KindObject:
		if _, ok := v.(map[string]interface{}); !ok {
			return fmt.Errorf("expected object, got %T", v)
		}
	case KindArray:
		if _, ok := v.([]interface{}); !ok {
			return fmt.Errorf("expected array, got %T", v)
		}
	}
	return nil
}

// Registry is the resolved, immutable set of descriptors.
type Registry struct {
	byName map[string]*Descriptor
	names  []string
}

// NewRegistry validates descriptors and builds a registry.
func NewRegistry(descs []Descriptor) (*Registry, error) {
	if len(descs) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "at least one collection is required")
	}
	r := &Registry{byName: make(map[string]*Descriptor, len(descs))}
	for i := range descs {
		d := descs[i]
		d.Fields = append([]Field(nil), d.Fields...)
		if strings.TrimSpace(d.Name) == "" {
			return nil, apperrors.Newf(apperrors.ErrInvalid, "collection #%d has no name", i)
		}
		if _, dup := r.byName[d.Name]; dup {
			return nil, apperrors.Newf(apperrors.ErrInvalid, "collection %q declared twice", d.Name)
		}
		if d.Tier == "" {
			d.Tier = models.TierMedium
		}
		if !d.Tier.Valid() {
			return nil, apperrors.Newf(apperrors.ErrInvalid, "collection %q: unknown tier %q", d.Name, d.Tier)
		}
		for j, f := range d.Fields {
			if f.Name == "" {
				return nil, apperrors.Newf(apperrors.ErrInvalid, "collection %q: field #%d has no name", d.Name, j)
			}
			if f.Kind == "" {
				d.Fields[j].Kind = KindAny
				continue
			}
			switch f.Kind {
			case KindString, KindNumber, KindInteger, KindBool, KindObject, KindArray, KindAny:
			default:
				return nil, apperrors.Newf(apperrors.ErrInvalid, "collection %q: field %q has unknown kind %q", d.Name, f.Name, f.Kind)
			}
		}
		r.byName[d.Name] = &d
		r.names = append(r.names, d.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Get returns the descriptor of a collection.
func (r *Registry) Get(name string) (*Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrUnknownCollection, "unknown collection %q", name)
	}
	return d, nil
}

// Names returns the collection names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// ByTier returns the collection names of one tier in sorted order.
func (r *Registry) ByTier(tier models.PriorityTier) []string {
	var out []string
	for _, n := range r.names {
		if r.byName[n].Tier == tier {
			out = append(out, n)
		}
	}
	return out
}

// Validate checks a payload against the named collection's schema.
func (r *Registry) Validate(name string, payload []byte) error {
	d, err := r.Get(name)
	if err != nil {
		return err
	}
	return d.Validate(payload)
}

type file struct {
	Collections []Descriptor `yaml:"collections"`
}

// Parse decodes a YAML descriptor document.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "parse collections file", err)
	}
	return NewRegistry(f.Collections)
}

// LoadFile reads a YAML descriptor file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "read collections file", err)
	}
	return Parse(data)
}

// Load returns the registry from path, or the built-in school collections
// when path is empty.
func Load(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry(Defaults())
	}
	return LoadFile(path)
}
