// Package broker holds the data model shared across the request-brokering
// components (C2-C9): Session, Call, InflightEntry, ToolDescriptor,
// ProviderHandle, and the Tool/ProviderHandle capability interfaces. It is
// its own package, separate from toolregistry/session/scheduler/dispatcher,
// precisely because those components all need to refer to these types
// without importing one another.
package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/brokerd/brokerd/internal/lifecycle"
)

// Transport identifies which frontend a Session was admitted through.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportWS    Transport = "ws"
)

// Tier determines a tool's facing deadline.
type Tier string

const (
	TierSimple   Tier = "simple"
	TierWorkflow Tier = "workflow"
	TierExpert   Tier = "expert"
)

// Visibility tags a tool's catalog exposure.
type Visibility string

const (
	VisibilityCore     Visibility = "core"
	VisibilityAdvanced Visibility = "advanced"
	VisibilityHidden   Visibility = "hidden"
)

// Session represents one authenticated client connection.
type Session struct {
	ID          string
	Transport   Transport
	Credential  string
	CreatedAt   time.Time
	Node        *lifecycle.Node
	Semaphore   *Semaphore
	inflight    atomic.Int64
	mu          sync.Mutex
	calls       map[string]*Call
	helloDone   atomic.Bool
	destroyOnce sync.Once
	destroyed   atomic.Bool
}

// NewSession constructs a Session rooted under parent with the given
// per-session semaphore capacity.
func NewSession(parent *lifecycle.Node, transport Transport, credential string, sessionMaxInflight int) *Session {
	return &Session{
		ID:         uuid.NewString(),
		Transport:  transport,
		Credential: credential,
		CreatedAt:  time.Now(),
		Node:       parent.NewChild(),
		Semaphore:  NewSemaphore(sessionMaxInflight),
		calls:      make(map[string]*Call),
	}
}

// MarkHello records that the session's hello frame has arrived in time.
func (s *Session) MarkHello() { s.helloDone.Store(true) }

// HelloReceived reports whether hello has already been observed.
func (s *Session) HelloReceived() bool { return s.helloDone.Load() }

// Inflight returns the number of live calls currently attributed to s.
func (s *Session) Inflight() int64 { return s.inflight.Load() }

// TrackCall registers a Call as attributed to this session, for lookup by
// the WebSocket "cancel" operation and for cancellation fan-out on destroy.
func (s *Session) TrackCall(c *Call) {
	s.inflight.Add(1)
	s.mu.Lock()
	s.calls[c.RequestID] = c
	s.mu.Unlock()
}

// UntrackCall removes a completed Call from the session's live set.
func (s *Session) UntrackCall(c *Call) {
	s.mu.Lock()
	_, existed := s.calls[c.RequestID]
	delete(s.calls, c.RequestID)
	s.mu.Unlock()
	if existed {
		s.inflight.Add(-1)
	}
}

// FindCall looks up a live call by request id, for the "cancel" op.
func (s *Session) FindCall(requestID string) (*Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[requestID]
	return c, ok
}

// Destroyed reports whether Destroy has already run.
func (s *Session) Destroyed() bool { return s.destroyed.Load() }

// Destroy cancels every Call attributed to the session and marks it torn
// down. It is idempotent.
func (s *Session) Destroy(reason error) {
	s.destroyOnce.Do(func() {
		s.destroyed.Store(true)
		s.Node.Cancel(reason)
	})
}

// Call is one tool invocation.
type Call struct {
	RequestID    string
	ToolName     string
	Args         map[string]any
	Provider     string
	Fingerprint  [32]byte
	HasFingerprint bool
	Tier         Tier
	CreatedAt    time.Time
	Deadline     time.Time
	Node         *lifecycle.Node
	SessionID    string
}

// NewCall constructs a Call rooted under the owning session's node.
func NewCall(sess *Session, requestID, toolName string, args map[string]any) *Call {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return &Call{
		RequestID: requestID,
		ToolName:  toolName,
		Args:      args,
		CreatedAt: time.Now(),
		Node:      sess.Node.NewChild(),
		SessionID: sess.ID,
	}
}

// Result is the normalized terminal outcome of a Call.
type Result struct {
	Kind       string // "ok" | "error" | "timeout" | "cancelled"
	Payload    any
	ErrKind    string
	ErrMessage string
	ErrDetail  any
	Reason     string
	DurationMS int64
}

// ToolDescriptor describes a registered tool. Immutable after registration.
type ToolDescriptor struct {
	Name        string
	Description string
	Schema      map[string]any
	Visibility  Visibility
	Provider    string // optional fixed provider binding
	Tier        Tier
}

// ExecContext is what the Dispatcher hands to a Tool's Execute method: the
// request's cancellation context plus the ambient handles a tool may need.
type ExecContext struct {
	context.Context
	RequestID string
	SessionID string
	Deadline  time.Time
	Provider  ProviderHandle
}

// Tool is the opaque capability the core dispatches through; the core never
// knows what a tool actually does.
type Tool interface {
	Execute(ectx *ExecContext, args map[string]any) (any, error)
}

// ProviderHandle is opaque to the core beyond Name and Invoke.
type ProviderHandle interface {
	Name() string
	Invoke(ctx context.Context, toolName string, args map[string]any) (any, error)
}

// InflightEntry is the coalescing record keyed by fingerprint.
type InflightEntry struct {
	Fingerprint  [32]byte
	LeaderReqID  string
	done         chan struct{}
	result       Result
	followers    atomic.Int32
	closeOnce    sync.Once
}

// NewInflightEntry creates an entry for the leader call.
func NewInflightEntry(leader *Call) *InflightEntry {
	return &InflightEntry{
		Fingerprint: leader.Fingerprint,
		LeaderReqID: leader.RequestID,
		done:        make(chan struct{}),
	}
}

// Join registers a follower and returns a wait channel the follower can
// select on alongside its own context's Done channel.
func (e *InflightEntry) Join() <-chan struct{} {
	e.followers.Add(1)
	return e.done
}

// Followers returns the current follower count, for telemetry.
func (e *InflightEntry) Followers() int32 { return e.followers.Load() }

// Complete broadcasts the leader's result to all followers exactly once.
func (e *InflightEntry) Complete(result Result) {
	e.closeOnce.Do(func() {
		e.result = result
		close(e.done)
	})
}

// Result returns the broadcast result. Only valid after Join()'s channel is
// closed.
func (e *InflightEntry) Result() Result { return e.result }
