package audit

import (
	"fmt"
	"os"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// Redactor produces the storage form of a payload. Implementations must be total:
// never panic, never mutate their input, and return the payload unchanged in
// STANDARD mode. Redaction never affects payload_hash, which is computed first.
type Redactor interface {
	Sanitize(resourceType string, payload Payload, mode ComplianceMode) Payload
}

// RedactorFunc adapts a function to the Redactor interface.
type RedactorFunc func(resourceType string, payload Payload, mode ComplianceMode) Payload

// Sanitize calls f.
func (f RedactorFunc) Sanitize(resourceType string, payload Payload, mode ComplianceMode) Payload {
	return f(resourceType, payload, mode)
}

// RedactionRule declares which top-level payload fields of matching resource
// types are safe to persist in STRICT mode.
type RedactionRule struct {
	ResourceType string   `yaml:"resource_type"`
	Allow        []string `yaml:"allow"`

	matcher glob.Glob
	allow   map[string]struct{}
}

// RedactionPolicy is a per-resource-type allowlist. The first rule whose
// resource_type pattern matches wins; DefaultAllow applies to every resource type.
type RedactionPolicy struct {
	Rules        []RedactionRule `yaml:"rules"`
	DefaultAllow []string        `yaml:"default_allow"`

	defaultAllow map[string]struct{}
}

// DefaultRedactionPolicy keeps only identifying fields for every resource type.
func DefaultRedactionPolicy() *RedactionPolicy {
	p := &RedactionPolicy{
		DefaultAllow: []string{"id", "actor_id", "resource_id", "object_id"},
	}
	if err := p.compile(); err != nil {
		panic(err)
	}
	return p
}

// ParseRedactionPolicy decodes and compiles a YAML policy document.
func ParseRedactionPolicy(data []byte) (*RedactionPolicy, error) {
	var p RedactionPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse redaction policy: %w", err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadRedactionPolicy reads a YAML policy file.
func LoadRedactionPolicy(path string) (*RedactionPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read redaction policy: %w", err)
	}
	return ParseRedactionPolicy(data)
}

func (p *RedactionPolicy) compile() error {
	p.defaultAllow = toSet(p.DefaultAllow)
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.ResourceType == "" {
			return fmt.Errorf("redaction rule %d: resource_type is required", i)
		}
		g, err := glob.Compile(r.ResourceType)
		if err != nil {
			return fmt.Errorf("redaction rule %d: invalid resource_type pattern %q: %w", i, r.ResourceType, err)
		}
		r.matcher = g
		r.allow = toSet(r.Allow)
	}
	return nil
}

// Allowed reports whether field of resourceType survives STRICT redaction.
func (p *RedactionPolicy) Allowed(resourceType, field string) bool {
	if _, ok := p.defaultAllow[field]; ok {
		return true
	}
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.matcher != nil && r.matcher.Match(resourceType) {
			_, ok := r.allow[field]
			return ok
		}
	}
	return false
}

// Sanitize returns payload unchanged in STANDARD mode. In STRICT mode every
// top-level field outside the allowlist keeps its key with a null value, so the
// stored payload shows that a field was withheld. The input is never mutated.
func (p *RedactionPolicy) Sanitize(resourceType string, payload Payload, mode ComplianceMode) Payload {
	if payload == nil {
		return Payload{}
	}
	if mode != ModeStrict {
		return payload.Clone()
	}
	out := make(Payload, len(payload))
	for k, v := range payload {
		if p.Allowed(resourceType, k) {
			out[k] = cloneValue(v)
		} else {
			out[k] = nil
		}
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}
