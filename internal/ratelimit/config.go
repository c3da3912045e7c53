package ratelimit

import "time"

// Limit bounds how many requests of one action kind a principal may make
// within a rolling window. Zero values mean no limit.
type Limit struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// Config maps action kinds (or "*") to limits for one principal.
type Config map[string]*Limit

// HasLimits returns true if any action kind has a usable limit.
func (c Config) HasLimits() bool {
	for _, l := range c {
		if l.active() {
			return true
		}
	}
	return false
}

func (l *Limit) active() bool {
	return l != nil && l.MaxRequests > 0 && l.Window > 0
}
