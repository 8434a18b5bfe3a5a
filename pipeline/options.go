package pipeline

// RunOption customizes a single run
type RunOption func(*runOptions)

type runOptions struct {
	fullRefresh bool
	fanOut      int
}

// WithFullRefresh clears every selected provider's records, cached payloads
// and stream checkpoint before fetching, so nothing from earlier runs is reused.
func WithFullRefresh() RunOption {
	return func(o *runOptions) {
		o.fullRefresh = true
	}
}

// WithFanOut overrides the phase 2 concurrency bound for this run
func WithFanOut(n int) RunOption {
	return func(o *runOptions) {
		if n > 0 {
			o.fanOut = n
		}
	}
}
