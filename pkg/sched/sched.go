// Package sched sequences pending configure operations: packages are
// configured only once their dependencies are configured, pre-depends
// are never relaxed, and dependency cycles are detected and broken at
// a non-pre-depend edge.
package sched

import (
	"fmt"
	"strings"

	"github.com/arthur-debert/pakt/pkg/db"
	"github.com/arthur-debert/pakt/pkg/deps"
	"github.com/arthur-debert/pakt/pkg/errors"
	"github.com/arthur-debert/pakt/pkg/logging"
	"github.com/arthur-debert/pakt/pkg/policy"
)

// maxDependTry is the last escalation level; see attempt.
const maxDependTry = 4

// Scheduler drives a work queue of packages awaiting configuration.
type Scheduler struct {
	DB      *db.DB
	Checker *deps.Checker
	Policy  *policy.Policy

	// Configure performs the actual configuration of one package and
	// is responsible for its state transitions.
	Configure func(*db.Package) error

	// Abort is polled between ticks; a true return stops the run at
	// the next tick boundary.
	Abort func() bool

	queue []*db.Package

	// dependtry escalates the resolution strategy on no-progress
	// passes; sincenothing counts ticks since the last state change.
	dependtry    int
	sincenothing int

	// broken holds cycle edges (consumer -> producer) that ordering
	// treats as satisfied.
	broken map[edge]bool

	failures []string
}

type edge struct {
	consumer string
	producer string
}

// New returns a scheduler over the database.
func New(d *db.DB, checker *deps.Checker, pol *policy.Policy, configure func(*db.Package) error) *Scheduler {
	return &Scheduler{
		DB:        d,
		Checker:   checker,
		Policy:    pol,
		Configure: configure,
		dependtry: 1,
		broken:    make(map[edge]bool),
	}
}

// Enqueue adds a package to the pending queue.
func (s *Scheduler) Enqueue(p *db.Package) {
	for _, q := range s.queue {
		if q == p {
			return
		}
	}
	s.queue = append(s.queue, p)
}

// PendingCount returns the number of queued packages.
func (s *Scheduler) PendingCount() int { return len(s.queue) }

// Failures lists the packages that could not be configured this run.
func (s *Scheduler) Failures() []string { return s.failures }

// Run processes the queue to quiescence. It returns an error when any
// package could not be configured.
func (s *Scheduler) Run() error {
	log := logging.GetLogger("sched")

	for len(s.queue) > 0 {
		if s.Abort != nil && s.Abort() {
			log.Warn().Int("remaining", len(s.queue)).Msg("aborting requested, leaving remaining packages unconfigured")
			break
		}

		p := s.queue[0]
		s.queue = s.queue[1:]

		if p.State != db.StateUnpacked && p.State != db.StateHalfConfigured {
			// Already dealt with (or never unpacked); nothing to do.
			s.sincenothing = 0
			continue
		}

		switch verdict, reason := s.attempt(p); verdict {
		case deps.OK:
			s.sincenothing = 0
			if err := s.Configure(p); err != nil {
				log.Error().Err(err).Str("package", p.DisplayName()).Msg("configuration failed")
				s.failures = append(s.failures, p.DisplayName())
			}
		case deps.Defer:
			s.queue = append(s.queue, p)
			s.sincenothing++
			if s.sincenothing > len(s.queue) {
				s.escalate()
			}
		case deps.Halt:
			err := errors.Newf(errors.ErrDepends,
				"dependency problems prevent configuration of %s:\n%s", p.DisplayName(), reason)
			if s.Policy.Decide(policy.ForceDepends, err) == nil {
				s.sincenothing = 0
				if cerr := s.Configure(p); cerr != nil {
					s.failures = append(s.failures, p.DisplayName())
				}
			} else {
				log.Error().Str("package", p.DisplayName()).Msg(err.Message)
				s.failures = append(s.failures, p.DisplayName())
				s.sincenothing = 0
			}
		}
	}

	if len(s.failures) > 0 {
		return errors.Newf(errors.ErrDepends, "errors were encountered while processing: %s",
			strings.Join(s.failures, " "))
	}
	return nil
}

// attempt evaluates p's configure preconditions at the current
// escalation level.
func (s *Scheduler) attempt(p *db.Package) (deps.Verdict, string) {
	worst := deps.OK
	var reasons []string

	for _, dep := range p.Installed.Relations(db.DepPreDepends) {
		// Pre-depends are never relaxed by escalation.
		v, reason := s.Checker.Check(p, dep)
		if v > worst {
			worst = v
		}
		if reason != "" {
			reasons = append(reasons, reason)
		}
	}

	for _, dep := range p.Installed.Relations(db.DepDepends) {
		if s.edgeBroken(p, dep) {
			continue
		}
		v, reason := s.Checker.Check(p, dep)
		if v == deps.Defer && s.dependtry >= maxDependTry {
			// Last resort: force-configure-any semantics, treat the
			// pending dependency as good enough.
			continue
		}
		if v > worst {
			worst = v
		}
		if reason != "" {
			reasons = append(reasons, reason)
		}
	}

	return worst, strings.Join(reasons, "\n")
}

// edgeBroken reports whether dep contains an alternative whose
// producer edge from p was severed by cycle breaking.
func (s *Scheduler) edgeBroken(p *db.Package, dep db.Dependency) bool {
	for _, alt := range dep.Alternatives {
		if s.broken[edge{consumer: p.Key(), producer: strings.ToLower(alt.Name)}] {
			return true
		}
	}
	return false
}

// escalate advances dependtry and, from the second level on, tries to
// break a dependency cycle among the still-queued packages.
func (s *Scheduler) escalate() {
	s.sincenothing = 0
	s.dependtry++
	log := logging.GetLogger("sched")
	log.Debug().
		Int("dependtry", s.dependtry).
		Int("queued", len(s.queue)).
		Msg("no progress, escalating dependency resolution")

	if s.dependtry >= 2 {
		if e, ok := s.findCycleEdge(); ok {
			log.Warn().
				Str("consumer", e.consumer).
				Str("producer", e.producer).
				Msg("dependency cycle found, breaking at a non-pre-depend edge")
			s.broken[e] = true
		}
	}
}

// dfs colors for cycle detection.
type color int

const (
	white color = iota // untouched
	gray               // on the current stack
	black              // done
)

// findCycleEdge runs a tri-color DFS over the configure-dependency
// graph of the queued packages and returns a breakable (non
// pre-depend) edge of the first cycle found.
func (s *Scheduler) findCycleEdge() (edge, bool) {
	pending := make(map[string]*db.Package, len(s.queue))
	for _, p := range s.queue {
		pending[p.Key()] = p
	}

	colors := make(map[string]color, len(pending))
	var cycle []edge
	var found bool

	var visit func(p *db.Package, stack []edge)
	visit = func(p *db.Package, stack []edge) {
		if found {
			return
		}
		colors[p.Key()] = gray
		for _, dep := range p.Installed.Relations(db.DepDepends) {
			for _, alt := range dep.Alternatives {
				target := s.resolvePending(pending, alt.Name)
				if target == nil {
					continue
				}
				e := edge{consumer: p.Key(), producer: strings.ToLower(alt.Name)}
				if s.broken[e] {
					continue
				}
				switch colors[target.Key()] {
				case gray:
					// Cycle closed: everything from the target's
					// position on the stack plus this edge.
					cycle = append(append([]edge(nil), stackFrom(stack, target.Key())...), e)
					found = true
					return
				case white:
					visit(target, append(stack, e))
					if found {
						return
					}
				}
			}
		}
		colors[p.Key()] = black
	}

	for _, p := range s.queue {
		if colors[p.Key()] == white {
			visit(p, nil)
			if found {
				break
			}
		}
	}
	if !found {
		return edge{}, false
	}

	// Any edge of the cycle that is not a pre-depend may be broken;
	// depends edges collected above are never pre-depends, so the
	// first suffices.
	if len(cycle) == 0 {
		return edge{}, false
	}
	return cycle[0], true
}

// stackFrom returns the suffix of stack beginning at the edge whose
// consumer is key.
func stackFrom(stack []edge, key string) []edge {
	for i, e := range stack {
		if e.consumer == key {
			return stack[i:]
		}
	}
	return stack
}

// resolvePending maps a dependency atom to a queued package, via its
// real name or a pending provider.
func (s *Scheduler) resolvePending(pending map[string]*db.Package, name string) *db.Package {
	lname := strings.ToLower(name)
	if set := s.DB.FindSet(lname); set != nil {
		for _, p := range set.Packages {
			if q, ok := pending[p.Key()]; ok {
				return q
			}
		}
	}
	for _, m := range s.DB.Providers(lname) {
		if q, ok := pending[m.Pkg.Key()]; ok {
			return q
		}
	}
	return nil
}

// Describe reports the unresolved queue for diagnostics.
func (s *Scheduler) Describe() string {
	var names []string
	for _, p := range s.queue {
		names = append(names, p.DisplayName())
	}
	return fmt.Sprintf("unconfigured: %s", strings.Join(names, " "))
}
