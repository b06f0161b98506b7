// Package scheduler implements C4: launching ready plan builds on a bounded
// worker pool in dependency order, detecting deadlock, and propagating
// failures according to the run's failure policy.
package scheduler

import (
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wrightpm/wright/internal/wright"
)

// BuildFunc performs a single node's build (C5 + optional C7 install) and
// returns an error on failure.
type BuildFunc func(name string) error

// Policy controls how the run reacts to a build failure.
type Policy int

const (
	// StopOnFirstFailure is the normal-mode policy: once a build fails, no
	// new workers are launched; in-flight workers still run to completion.
	StopOnFirstFailure Policy = iota
	// AccumulateFailures suits metadata-only modes: failures are recorded
	// and the run continues so the user sees every issue in one pass.
	AccumulateFailures
)

// Scheduler drives a dependency graph's nodes to completion.
type Scheduler struct {
	Deps    map[string][]string
	Jobs    int
	Policy  Policy
	Build   BuildFunc
	Verbose bool

	mu          sync.Mutex
	completed   map[string]bool
	failed      map[string]error
	inProgress  map[string]bool
}

// New constructs a Scheduler. jobs <= 0 means auto-detect CPU parallelism;
// see SPEC_FULL.md §9 for how a configured max_cpus clamps this upstream.
func New(deps map[string][]string, jobs int, policy Policy, build BuildFunc) *Scheduler {
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	return &Scheduler{
		Deps:       deps,
		Jobs:       jobs,
		Policy:     policy,
		Build:      build,
		completed:  map[string]bool{},
		failed:     map[string]error{},
		inProgress: map[string]bool{},
	}
}

type result struct {
	name string
	err  error
}

// Run drives every node in Deps to completion or failure. Under
// StopOnFirstFailure it returns the failed node's error (the one whose
// name sorts first, if several in-flight builds failed), or a combined
// error naming every failed node under AccumulateFailures. Verbose subprocess teeing is the
// caller's responsibility to suppress when Jobs > 1 (SPEC_FULL.md §4.4).
func (s *Scheduler) Run() error {
	all := make(map[string]bool, len(s.Deps))
	for n := range s.Deps {
		all[n] = true
	}

	resultCh := make(chan result)
	var g errgroup.Group
	stopped := false

	for {
		s.mu.Lock()
		if len(s.completed)+len(s.failed) == len(all) && len(s.inProgress) == 0 {
			s.mu.Unlock()
			break
		}
		if stopped && len(s.inProgress) == 0 {
			// A failure under StopOnFirstFailure can leave nodes that were
			// never dispatched (e.g. a node whose only dep just failed) and
			// that will never become ready. Stop waiting once every launched
			// build has drained instead of blocking on a result that will
			// never arrive.
			s.mu.Unlock()
			break
		}
		if !stopped {
			ready := s.readyLocked(all)
			for _, name := range ready {
				if len(s.inProgress) >= s.Jobs {
					break
				}
				s.inProgress[name] = true
				n := name
				g.Go(func() error {
					resultCh <- result{name: n, err: s.Build(n)}
					return nil
				})
			}
		}
		deadlocked := len(s.inProgress) == 0 && !stopped && len(s.completed)+len(s.failed) < len(all) && len(s.readyLocked(all)) == 0
		s.mu.Unlock()

		if deadlocked {
			return s.deadlockError(all)
		}

		r := <-resultCh
		s.mu.Lock()
		delete(s.inProgress, r.name)
		if r.err != nil {
			s.failed[r.name] = r.err
			if s.Policy == StopOnFirstFailure {
				stopped = true
			}
		} else {
			s.completed[r.name] = true
		}
		s.mu.Unlock()
	}
	_ = g.Wait()

	if len(s.failed) == 0 {
		return nil
	}
	if s.Policy == StopOnFirstFailure {
		for _, name := range s.sortedFailedNames() {
			return s.failed[name]
		}
	}
	return s.accumulatedError()
}

// readyLocked computes { n | n not yet touched and all in-set deps completed }.
// Callers must hold s.mu.
func (s *Scheduler) readyLocked(all map[string]bool) []string {
	var ready []string
	for n := range all {
		if s.completed[n] || s.failed[n] != nil || s.inProgress[n] {
			continue
		}
		blocked := false
		for _, d := range s.Deps[n] {
			if !all[d] {
				continue
			}
			if !s.completed[d] {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)
	return ready
}

func (s *Scheduler) deadlockError(all map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	waiting := map[string][]string{}
	for n := range all {
		if s.completed[n] || s.failed[n] != nil {
			continue
		}
		var unmet []string
		for _, d := range s.Deps[n] {
			if all[d] && !s.completed[d] {
				unmet = append(unmet, d)
			}
		}
		if len(unmet) > 0 {
			sort.Strings(unmet)
			waiting[n] = unmet
		}
	}
	return &wright.DeadlockError{Waiting: waiting}
}

func (s *Scheduler) sortedFailedNames() []string {
	names := make([]string, 0, len(s.failed))
	for n := range s.failed {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) accumulatedError() error {
	names := s.sortedFailedNames()
	msg := "the following plans failed to build:"
	for _, n := range names {
		msg += "\n  " + n + ": " + s.failed[n].Error()
	}
	return &wright.DependencyError{Msg: msg}
}
