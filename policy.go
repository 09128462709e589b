package statecache

import (
	"fmt"
	"time"
)

// DataClass groups entities that share a staleness policy.
type DataClass string

const (
	ClassStatic      DataClass = "static"      // reference data: subjects, topics, quizzes
	ClassProfile     DataClass = "profile"     // user profile
	ClassSession     DataClass = "session"     // session/gamification counters
	ClassAnalytics   DataClass = "analytics"   // performance, analytics, recommendations
	ClassLeaderboard DataClass = "leaderboard" // leaderboards
)

// Live reports whether the class is eligible for background sync.
func (c DataClass) Live() bool { return c == ClassSession || c == ClassLeaderboard }

// Policy is the staleness policy of one data class.
type Policy struct {
	// StaleAfter is how long after fetchedAt an entry is served without refetch.
	StaleAfter time.Duration
	// RetainUnobserved is how long an unobserved entry is kept before the sweeper
	// may reclaim it.
	RetainUnobserved time.Duration
}

// PolicyTable resolves keys to policies: entity type -> data class -> policy.
type PolicyTable struct {
	Policies map[DataClass]Policy
	Classes  map[string]DataClass // entity type -> class
	Fallback DataClass            // class for unknown entity types
}

// DefaultPolicies returns the built-in table. Callers may modify the copy.
func DefaultPolicies() PolicyTable {
	return PolicyTable{
		Policies: map[DataClass]Policy{
			ClassStatic:      {StaleAfter: 30 * time.Minute, RetainUnobserved: time.Hour},
			ClassProfile:     {StaleAfter: 5 * time.Minute, RetainUnobserved: 30 * time.Minute},
			ClassSession:     {StaleAfter: 30 * time.Second, RetainUnobserved: 5 * time.Minute},
			ClassAnalytics:   {StaleAfter: 2 * time.Minute, RetainUnobserved: 10 * time.Minute},
			ClassLeaderboard: {StaleAfter: time.Minute, RetainUnobserved: 5 * time.Minute},
		},
		Classes: map[string]DataClass{
			EntitySubject:         ClassStatic,
			EntityTopic:           ClassStatic,
			EntityQuiz:            ClassStatic,
			EntityUser:            ClassProfile,
			EntityGamification:    ClassSession,
			EntityPerformance:     ClassAnalytics,
			EntityAnalytics:       ClassAnalytics,
			EntityRecommendations: ClassAnalytics,
			EntityLeaderboard:     ClassLeaderboard,
		},
		Fallback: ClassAnalytics,
	}
}

// Entity types known to the default tables.
const (
	EntityUser            = "user"
	EntitySubject         = "subject"
	EntityTopic           = "topic"
	EntityQuiz            = "quiz"
	EntityPerformance     = "performance"
	EntityGamification    = "gamification"
	EntityRecommendations = "recommendations"
	EntityAnalytics       = "analytics"
	EntityLeaderboard     = "leaderboard"
)

// Class returns the data class of k.
func (t PolicyTable) Class(k Key) DataClass {
	if c, ok := t.Classes[k.Entity()]; ok {
		return c
	}
	return t.Fallback
}

// For returns the policy of k's data class.
func (t PolicyTable) For(k Key) Policy {
	return t.Policies[t.Class(k)]
}

// Validate checks that every referenced class has a policy with positive durations.
func (t PolicyTable) Validate() error {
	check := func(c DataClass) error {
		p, ok := t.Policies[c]
		if !ok {
			return fmt.Errorf("statecache: no policy for data class %q", c)
		}
		if p.StaleAfter <= 0 || p.RetainUnobserved <= 0 {
			return fmt.Errorf("statecache: policy %q must have positive durations", c)
		}
		return nil
	}
	if err := check(t.Fallback); err != nil {
		return err
	}
	for entity, c := range t.Classes {
		if err := check(c); err != nil {
			return fmt.Errorf("%w (entity %q)", err, entity)
		}
	}
	return nil
}
