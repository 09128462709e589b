// Package policyconf loads staleness policies, entity classes, invalidation
// events and prefetch routes from YAML. Durations accept Go syntax plus days
// and weeks ("90s", "1h30m", "1d").
//
//	policies:
//	  leaderboard: {stale_after: 30s, retain_unobserved: 5m}
//	classes:
//	  streak: session
//	events:
//	  streak-broken:
//	    - {entity: gamification, params: [userId]}
//	routes:
//	  /profile:
//	    - {entity: user, params: [userId]}
//
// Sections are merged over the built-in tables; a listed event or route
// replaces the default of the same name.
package policyconf

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/statecache"
)

// Duration is a YAML scalar parsed with str2duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := str2duration.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

type policy struct {
	StaleAfter       Duration `yaml:"stale_after"`
	RetainUnobserved Duration `yaml:"retain_unobserved"`
}

type file struct {
	Fallback string                              `yaml:"fallback"`
	Policies map[string]policy                   `yaml:"policies"`
	Classes  map[string]string                   `yaml:"classes"`
	Events   map[string][]statecache.KeyTemplate `yaml:"events"`
	Routes   map[string][]statecache.KeyTemplate `yaml:"routes"`
}

// Config is the merged result, ready for statecache.Options.
type Config struct {
	Policies statecache.PolicyTable
	Events   statecache.EventTable
	Routes   statecache.RouteTable
}

// Load parses r and merges it over the defaults. Unknown fields are rejected.
func Load(r io.Reader) (Config, error) {
	var f file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("policyconf: %w", err)
	}

	cfg := Config{
		Policies: statecache.DefaultPolicies(),
		Events:   statecache.DefaultEvents(),
		Routes:   statecache.DefaultRoutes(),
	}
	if f.Fallback != "" {
		cfg.Policies.Fallback = statecache.DataClass(f.Fallback)
	}
	for name, p := range f.Policies {
		c := statecache.DataClass(name)
		cur := cfg.Policies.Policies[c]
		// a partial override keeps the other default
		if p.StaleAfter != 0 {
			cur.StaleAfter = time.Duration(p.StaleAfter)
		}
		if p.RetainUnobserved != 0 {
			cur.RetainUnobserved = time.Duration(p.RetainUnobserved)
		}
		cfg.Policies.Policies[c] = cur
	}
	for entity, class := range f.Classes {
		cfg.Policies.Classes[entity] = statecache.DataClass(class)
	}
	for name, ts := range f.Events {
		if err := checkTemplates(ts); err != nil {
			return Config{}, fmt.Errorf("policyconf: event %q: %w", name, err)
		}
		cfg.Events[name] = ts
	}
	for route, ts := range f.Routes {
		if err := checkTemplates(ts); err != nil {
			return Config{}, fmt.Errorf("policyconf: route %q: %w", route, err)
		}
		cfg.Routes[route] = ts
	}
	if err := cfg.Policies.Validate(); err != nil {
		return Config{}, fmt.Errorf("policyconf: %w", err)
	}
	return cfg, nil
}

func checkTemplates(ts []statecache.KeyTemplate) error {
	for i, t := range ts {
		if t.Entity == "" {
			return fmt.Errorf("entry %d: entity is required", i)
		}
	}
	return nil
}
