package shielded

import "sync"

// rule is the bookkeeping behind Runtime.Conditional and
// Runtime.PreCommitRule: spec.md §6's "conditional(test, body)" and
// "pre_commit(test, body)" sugar, delegated to the registries as the spec
// describes, but backed here by a small built-in list rather than requiring
// every caller to supply an external ConditionalRegistry just to use them.
type rule struct {
	test func() bool
	body func()
}

type ruleList struct {
	mu    sync.Mutex
	rules []*rule
}

func (l *ruleList) add(test func() bool, body func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules = append(l.rules, &rule{test: test, body: body})
}

// runMatching invokes body() for every rule whose test() currently holds.
func (l *ruleList) runMatching() {
	l.mu.Lock()
	rules := make([]*rule, len(l.rules))
	copy(rules, l.rules)
	l.mu.Unlock()

	for _, r := range rules {
		if r.test() {
			r.body()
		}
	}
}

// Conditional subscribes body to run after every commit for which test()
// holds. Unlike a one-shot trigger, it fires on every matching commit: per
// spec.md §8 scenario 5, committing x=1 fires it, committing x=2 (still
// matching) fires it again, committing x=0 (no longer matching) does not.
func (rt *Runtime) Conditional(test func() bool, body func()) {
	rt.conditionals.add(test, body)
}

// PreCommitRule subscribes body to run, within the committing transaction,
// before stamp acquisition, for every attempt where test() holds.
func (rt *Runtime) PreCommitRule(test func() bool, body func()) {
	rt.preCommitRules.add(test, body)
}
