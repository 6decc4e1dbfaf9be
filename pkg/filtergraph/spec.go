// Package filtergraph transforms decoded frames through a directed acyclic
// graph of filter nodes built once per chain.
package filtergraph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/user/avflow/pkg/pipeline"
)

// Spec names one filter and its parameters.
type Spec struct {
	Name   string            `yaml:"name" json:"name"`
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// ParseSpec parses "name" or "name=key=value:key=value".
func ParseSpec(s string) (Spec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Spec{}, pipeline.Configuration("empty filter spec")
	}
	name, rest, _ := strings.Cut(s, "=")
	spec := Spec{Name: strings.TrimSpace(name), Params: map[string]string{}}
	if spec.Name == "" {
		return Spec{}, pipeline.Configuration("filter spec %q has no name", s)
	}
	if rest == "" {
		return spec, nil
	}
	for _, kv := range strings.Split(rest, ":") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return Spec{}, pipeline.Configuration("filter %s: malformed parameter %q", spec.Name, kv)
		}
		spec.Params[strings.TrimSpace(k)] = v
	}
	return spec, nil
}

// ParseChain parses a comma-separated list of specs.
func ParseChain(s string) ([]Spec, error) {
	var specs []Spec
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		spec, err := ParseSpec(part)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (s Spec) String() string {
	if len(s.Params) == 0 {
		return s.Name
	}
	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + s.Params[k]
	}
	return s.Name + "=" + strings.Join(parts, ":")
}

// params wraps Spec.Params with typed accessors that collect the first
// parse error.
type params struct {
	filter string
	m      map[string]string
	err    error
}

func newParams(filter string, m map[string]string) *params {
	return &params{filter: filter, m: m}
}

func (p *params) str(key, def string) string {
	if v, ok := p.m[key]; ok {
		return v
	}
	return def
}

func (p *params) int(key string, def int) int {
	v, ok := p.m[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil && p.err == nil {
		p.err = pipeline.Configuration("filter %s: %s=%q is not an integer", p.filter, key, v)
	}
	return n
}

func (p *params) float(key string, def float64) float64 {
	v, ok := p.m[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil && p.err == nil {
		p.err = pipeline.Configuration("filter %s: %s=%q is not a number", p.filter, key, v)
	}
	return f
}

// rational parses "30", "30000/1001" or "29.97".
func (p *params) rational(key string, def pipeline.Rational) pipeline.Rational {
	v, ok := p.m[key]
	if !ok {
		return def
	}
	r, err := parseRational(v)
	if err != nil && p.err == nil {
		p.err = pipeline.Configuration("filter %s: %s=%q: %v", p.filter, key, v, err)
	}
	return r
}

func parseRational(s string) (pipeline.Rational, error) {
	if n, d, ok := strings.Cut(s, "/"); ok {
		num, err1 := strconv.ParseInt(n, 10, 64)
		den, err2 := strconv.ParseInt(d, 10, 64)
		if err1 != nil || err2 != nil || num <= 0 || den <= 0 {
			return pipeline.Rational{}, fmt.Errorf("invalid rational")
		}
		return pipeline.Rational{Num: num, Den: den}, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return pipeline.Rational{Num: n, Den: 1}, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return pipeline.Rational{}, fmt.Errorf("invalid rate")
	}
	return pipeline.Rational{Num: int64(f*1000 + 0.5), Den: 1000}, nil
}
