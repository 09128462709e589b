package statecache

import "time"

const (
	defaultSweepInterval      = time.Minute
	defaultMutationRetryDelay = time.Second
	defaultGenRetention       = time.Hour
	defaultHeatThreshold      = 3
	defaultHeatWindow         = 30 * time.Minute
	defaultHeatCapacity       = 256
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
