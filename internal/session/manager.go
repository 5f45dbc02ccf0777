// Package session implements the Session Manager (C4): admission,
// authentication, hello-timeout enforcement, and the live-session map.
// Combines the mutex-guarded session map and two-phase creation idiom in
// other_examples/...stacklok-toolhive__pkg-vmcp-server-session_manager.go
// with the per-task context.CancelFunc + status-transition style in
// runtime/a2a/server.go's TaskState.
package session

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/brokerd/brokerd/internal/broker"
	"github.com/brokerd/brokerd/internal/brokererr"
	"github.com/brokerd/brokerd/internal/config"
	"github.com/brokerd/brokerd/internal/lifecycle"
	"github.com/brokerd/brokerd/internal/telemetry"
)

// Manager owns the set of live Sessions.
type Manager struct {
	cfg       *config.Config
	root      *lifecycle.Node
	telemetry *telemetry.Emitter

	mu       sync.Mutex
	sessions map[string]*broker.Session
}

// New creates a Manager rooted under root.
func New(cfg *config.Config, root *lifecycle.Node, emitter *telemetry.Emitter) *Manager {
	return &Manager{cfg: cfg, root: root, telemetry: emitter, sessions: make(map[string]*broker.Session)}
}

// Admit authenticates and admits a new connection:
//   - stdio: credential ignored, always admitted.
//   - ws: credential must match WS_AUTH_TOKEN via constant-time comparison;
//     when WS_AUTH_TOKEN is empty, every ws credential is admitted.
func (m *Manager) Admit(transport broker.Transport, credential string) (*broker.Session, error) {
	if transport == broker.TransportWS && m.cfg.WSAuthToken != "" {
		if subtle.ConstantTimeCompare([]byte(credential), []byte(m.cfg.WSAuthToken)) != 1 {
			return nil, brokererr.New(brokererr.AuthError, "invalid or missing bearer credential")
		}
	}

	sess := broker.NewSession(m.root, transport, credential, m.cfg.SessionMaxInflight)

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.telemetry.Emit("session_opened", map[string]any{
		"session_id": sess.ID,
		"transport":  string(transport),
	})

	return sess, nil
}

// AwaitHello enforces the HELLO_TIMEOUT_SECS rule: if helloSeen does not
// fire before the configured timeout, the session is destroyed with reason
// HelloTimeout. Callers should run this in its own goroutine right after
// Admit.
func (m *Manager) AwaitHello(sess *broker.Session, helloSeen <-chan struct{}) {
	timer := time.NewTimer(m.cfg.HelloTimeout)
	defer timer.Stop()
	select {
	case <-helloSeen:
		sess.MarkHello()
	case <-timer.C:
		if !sess.HelloReceived() {
			m.Destroy(sess, lifecycle.ReasonTimeout, "hello_timeout")
		}
	case <-sess.Node.Done():
		// Session was torn down for some other reason before hello arrived.
	}
}

// Destroy tears a session down: cancels all its calls, removes it from the
// live set, and emits session_closed. Idempotent.
func (m *Manager) Destroy(sess *broker.Session, cancelReason error, telemetryReason string) {
	if sess.Destroyed() {
		return
	}
	sess.Destroy(cancelReason)

	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.mu.Unlock()

	m.telemetry.Emit("session_closed", map[string]any{
		"session_id": sess.ID,
		"transport":  string(sess.Transport),
		"reason":     telemetryReason,
	})
}

// Get looks up a live session by id.
func (m *Manager) Get(id string) (*broker.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions, for diagnostics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// All returns a snapshot of live sessions. Shutdown does not use it:
// cancelling the root already cascades to every session.
func (m *Manager) All() []*broker.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*broker.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
