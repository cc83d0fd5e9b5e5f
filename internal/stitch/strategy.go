package stitch

import "time"

// Mode selects how stitch requests are executed.
type Mode string

const (
	// ModeImmediate processes requests synchronously in the calling goroutine.
	ModeImmediate Mode = "immediate"

	// ModeDeferred records requests durably and leaves execution to the
	// background polling pipeline.
	ModeDeferred Mode = "deferred"
)

// Deferred-mode parameters are fixed defaults, not read from configuration.
const (
	defaultPollingInterval = 1 * time.Second
	defaultStitchTimeout   = 60 * time.Second
)

// Strategy is resolved once at construction and never changes for the
// lifetime of a Stitcher.
type Strategy struct {
	Mode Mode

	// PollingInterval is how often the deferred pipeline asks for new work
	// when idle. Zero under ModeImmediate.
	PollingInterval time.Duration

	// StitchTimeout is the lease on a claimed deferred request: items claimed
	// longer ago than this become eligible again, recovering work from
	// crashed or stuck attempts. Zero under ModeImmediate.
	StitchTimeout time.Duration
}

// ResolveStrategy maps the configured mode string to a Strategy. Anything
// other than "deferred", including an empty or unrecognized value, falls
// back to immediate processing.
func ResolveStrategy(mode string) Strategy {
	if Mode(mode) == ModeDeferred {
		return Strategy{
			Mode:            ModeDeferred,
			PollingInterval: defaultPollingInterval,
			StitchTimeout:   defaultStitchTimeout,
		}
	}
	return Strategy{Mode: ModeImmediate}
}
