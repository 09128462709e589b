package policyconf

import (
	"strings"
	"testing"
	"time"

	"github.com/unkn0wn-root/statecache"
)

const sample = `
policies:
  leaderboard: {stale_after: 30s}
  static: {stale_after: 1d, retain_unobserved: 2d}
classes:
  streak: session
events:
  streak-broken:
    - {entity: gamification, params: [userId]}
routes:
  /profile:
    - {entity: user, params: [userId]}
`

func TestLoadMergesOverDefaults(t *testing.T) {
	cfg, err := Load(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	lb := cfg.Policies.Policies[statecache.ClassLeaderboard]
	if lb.StaleAfter != 30*time.Second || lb.RetainUnobserved != 5*time.Minute {
		t.Fatalf("leaderboard policy = %+v", lb)
	}
	st := cfg.Policies.Policies[statecache.ClassStatic]
	if st.StaleAfter != 24*time.Hour || st.RetainUnobserved != 48*time.Hour {
		t.Fatalf("static policy = %+v", st)
	}
	if c := cfg.Policies.Class(statecache.NewKey("streak", "u1")); c != statecache.ClassSession {
		t.Fatalf("streak class = %q", c)
	}
	if _, ok := cfg.Events[statecache.EventQuizCompleted]; !ok {
		t.Fatalf("default events dropped")
	}
	if got := cfg.Events["streak-broken"][0].Resolve(statecache.EventContext{"userId": "u1"}); got != statecache.NewKey("gamification", "u1") {
		t.Fatalf("streak-broken resolves to %s", got)
	}
	if _, ok := cfg.Routes["/profile"]; !ok {
		t.Fatalf("route not loaded")
	}
	if _, ok := cfg.Routes["/dashboard"]; !ok {
		t.Fatalf("default routes dropped")
	}
}

func TestLoadEmptyIsDefaults(t *testing.T) {
	cfg, err := Load(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Policies.For(statecache.NewKey("performance", "u1")).StaleAfter != 2*time.Minute {
		t.Fatalf("defaults not applied")
	}
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"bad duration":  "policies:\n  static: {stale_after: soon}\n",
		"unknown field": "polices: {}\n",
		"missing class": "classes:\n  streak: nope\n",
		"no entity":     "events:\n  e:\n    - {params: [userId]}\n",
	}
	for name, in := range cases {
		if _, err := Load(strings.NewReader(in)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
