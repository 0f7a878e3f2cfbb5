package shielded

// Option configures a Runtime at construction time, matching the functional
// options style of Jekaa-go-mvcc-map's mvcc/options.go.
type Option func(*runtimeConfig)

type runtimeConfig struct {
	preCommit   PreCommitRegistry
	postCommit  PostCommitRegistry
	maxRetries  int // 0 = unbounded, matching spec.md §4.5's unbounded retry loop
	trimEvery   uint32
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		trimEvery: 16, // spec.md §4.5: "every 16th call, via a shared counter"
	}
}

// WithPreCommitRegistry wires an external pre-commit subscription registry
// (spec.md §6, consumed interface).
func WithPreCommitRegistry(r PreCommitRegistry) Option {
	return func(c *runtimeConfig) { c.preCommit = r }
}

// WithPostCommitRegistry wires an external post-commit subscription registry
// (spec.md §6, consumed interface).
func WithPostCommitRegistry(r PostCommitRegistry) Option {
	return func(c *runtimeConfig) { c.postCommit = r }
}

// WithMaxRetries bounds InTransaction's retry loop. Not part of the core
// spec (which retries unboundedly by design); an opt-in safety valve for
// callers that would rather fail loudly than livelock. See SPEC_FULL.md §11.
func WithMaxRetries(n int) Option {
	return func(c *runtimeConfig) { c.maxRetries = n }
}

// WithTrimEvery overrides the probabilistic trim trigger's period (default
// 16, per spec.md §4.5/§4.6).
func WithTrimEvery(n uint32) Option {
	return func(c *runtimeConfig) {
		if n > 0 {
			c.trimEvery = n
		}
	}
}
