// Package scheduler implements the Call Scheduler (C5): the three-tier
// semaphore (session -> provider -> global), fingerprint-based coalescing,
// and the leader/follower admission protocol. The coalescing
// map is grounded on the single-lock-protecting-a-map-plus-broadcast idiom
// of runtime/agent/hooks/bus.go; the semaphore itself is broker.Semaphore
// (see internal/broker/semaphore.go).
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/brokerd/brokerd/internal/broker"
	"github.com/brokerd/brokerd/internal/brokererr"
	"github.com/brokerd/brokerd/internal/telemetry"
)

// Scheduler owns the admission semaphores and the coalescing map.
type Scheduler struct {
	global      *broker.Semaphore
	providerCap int

	providerMu sync.Mutex
	providers  map[string]*broker.Semaphore

	inflightMu sync.Mutex
	inflight   map[[32]byte]*broker.InflightEntry

	coalesceDisabled map[string]bool

	telemetry *telemetry.Emitter
	logger    *slog.Logger

	admittedCounter  metric.Int64Counter
	coalescedCounter metric.Int64Counter
}

// New creates a Scheduler with the given global/per-provider capacities. A
// nil meter leaves the admission/coalescing counters unset; Admit still
// behaves identically, it just records nothing beyond telemetry.Emit.
func New(globalMaxInflight, providerMaxInflight int, coalesceDisabled map[string]bool, emitter *telemetry.Emitter, logger *slog.Logger, meter metric.Meter) *Scheduler {
	s := &Scheduler{
		global:           broker.NewSemaphore(globalMaxInflight),
		providerCap:      providerMaxInflight,
		providers:        make(map[string]*broker.Semaphore),
		inflight:         make(map[[32]byte]*broker.InflightEntry),
		coalesceDisabled: coalesceDisabled,
		telemetry:        emitter,
		logger:           logger,
	}
	if meter != nil {
		if c, err := meter.Int64Counter("brokerd.scheduler.admitted"); err == nil {
			s.admittedCounter = c
		}
		if c, err := meter.Int64Counter("brokerd.scheduler.coalesced"); err == nil {
			s.coalescedCounter = c
		}
	}
	return s
}

// Admission describes the outcome of Admit.
type Admission struct {
	Leader       bool
	Entry        *broker.InflightEntry // non-nil only when coalescing applies
	FollowerWait <-chan struct{}       // set only when Leader is false

	// leaderSemaphores is populated only for leaders, and is consumed by
	// Complete to release resources in the right order.
	leaderSemaphores []*broker.Semaphore

	// trackedSession is set for both leaders and followers: whichever Call
	// got TrackCall'd during Admit, so Complete can UntrackCall it once the
	// call reaches a terminal state. This is what makes a follower's own
	// request id resolvable by sess.FindCall, and therefore cancellable,
	// even though it never acquired a semaphore of its own.
	trackedSession *broker.Session
}

// Admit runs the full admission protocol for call c on session sess,
// computing its fingerprint, attempting to coalesce, and otherwise
// acquiring semaphores in the strict session -> provider -> global order.
func (s *Scheduler) Admit(ctx context.Context, sess *broker.Session, c *broker.Call) (*Admission, error) {
	start := time.Now()

	if !s.coalesceDisabled[c.ToolName] {
		c.Fingerprint = broker.Fingerprint(c.ToolName, c.Args)
		c.HasFingerprint = c.Fingerprint != broker.ZeroFingerprint
	}

	if c.HasFingerprint {
		if entry, ok := s.tryJoin(c); ok {
			sess.TrackCall(c)
			s.recordCoalesced(ctx, c.ToolName)
			s.telemetry.Emit("tool_coalesced", map[string]any{
				"request_id":       c.RequestID,
				"tool":             c.ToolName,
				"leader_request_id": entry.LeaderReqID,
			})
			return &Admission{Leader: false, Entry: entry, FollowerWait: entry.Join(), trackedSession: sess}, nil
		}
	}

	providerSem := s.providerSemaphore(c.Provider)

	acquired := make([]*broker.Semaphore, 0, 3)
	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			if !acquired[i].Release() {
				s.logger.Error("scheduler: semaphore corruption on rollback release",
					"request_id", c.RequestID, "tool", c.ToolName)
			}
		}
	}

	for _, sem := range []*broker.Semaphore{sess.Semaphore, providerSem, s.global} {
		if err := sem.Acquire(ctx); err != nil {
			release()
			return nil, brokererr.New(brokererr.Timeout, "admission deadline elapsed while acquiring semaphores")
		}
		acquired = append(acquired, sem)
	}

	var entry *broker.InflightEntry
	if c.HasFingerprint {
		winnerEntry, won := s.tryBecomeLeader(c)
		if !won {
			release()
			sess.TrackCall(c)
			s.recordCoalesced(ctx, c.ToolName)
			s.telemetry.Emit("tool_coalesced", map[string]any{
				"request_id":        c.RequestID,
				"tool":              c.ToolName,
				"leader_request_id": winnerEntry.LeaderReqID,
			})
			return &Admission{Leader: false, Entry: winnerEntry, FollowerWait: winnerEntry.Join(), trackedSession: sess}, nil
		}
		entry = winnerEntry
	}

	sess.TrackCall(c)
	s.recordAdmitted(ctx, c.ToolName)
	s.telemetry.Emit("tool_call_admitted", map[string]any{
		"request_id": c.RequestID,
		"tool":       c.ToolName,
		"provider":   c.Provider,
		"wait_ms":    time.Since(start).Milliseconds(),
	})

	return &Admission{Leader: true, Entry: entry, leaderSemaphores: acquired, trackedSession: sess}, nil
}

func (s *Scheduler) recordAdmitted(ctx context.Context, tool string) {
	if s.admittedCounter == nil {
		return
	}
	s.admittedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

func (s *Scheduler) recordCoalesced(ctx context.Context, tool string) {
	if s.coalescedCounter == nil {
		return
	}
	s.coalescedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

// tryJoin looks up an existing InflightEntry without attempting to acquire
// any semaphore, per step 2 of the admission protocol.
func (s *Scheduler) tryJoin(c *broker.Call) (*broker.InflightEntry, bool) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	entry, ok := s.inflight[c.Fingerprint]
	return entry, ok
}

// tryBecomeLeader re-checks for a race winner after semaphore acquisition
// and, if none exists, atomically creates the InflightEntry for c.
func (s *Scheduler) tryBecomeLeader(c *broker.Call) (entry *broker.InflightEntry, won bool) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if existing, ok := s.inflight[c.Fingerprint]; ok {
		return existing, false
	}
	entry = broker.NewInflightEntry(c)
	s.inflight[c.Fingerprint] = entry
	return entry, true
}

func (s *Scheduler) providerSemaphore(name string) *broker.Semaphore {
	s.providerMu.Lock()
	defer s.providerMu.Unlock()
	sem, ok := s.providers[name]
	if !ok {
		sem = broker.NewSemaphore(s.providerCap)
		s.providers[name] = sem
	}
	return sem
}

// Complete is called exactly once per Call, leader or follower, in any
// terminal state. For a leader it broadcasts the result to followers,
// removes the InflightEntry, and releases the three semaphores in reverse
// order: global, then provider, then session. For a follower it only
// untracks c from the session it was registered under in Admit; the
// semaphores and InflightEntry belong to the leader and are released when
// the leader itself completes.
func (s *Scheduler) Complete(admission *Admission, c *broker.Call, result broker.Result) {
	if admission.trackedSession != nil {
		admission.trackedSession.UntrackCall(c)
	}

	if !admission.Leader {
		return
	}

	if admission.Entry != nil {
		s.inflightMu.Lock()
		delete(s.inflight, c.Fingerprint)
		s.inflightMu.Unlock()
		admission.Entry.Complete(result)
	}

	for i := len(admission.leaderSemaphores) - 1; i >= 0; i-- {
		if !admission.leaderSemaphores[i].Release() {
			s.logger.Error("scheduler: semaphore corruption on completion release",
				"request_id", c.RequestID, "tool", c.ToolName)
		}
	}
}

// GlobalInUse reports current global semaphore occupancy, for diagnostics.
func (s *Scheduler) GlobalInUse() int { return s.global.InUse() }
