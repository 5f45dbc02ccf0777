package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelRootCascadesToChildren(t *testing.T) {
	root := NewRoot(context.Background())
	session := root.NewChild()
	call := session.NewChild()

	select {
	case <-call.Done():
		t.Fatal("child must not be done before any cancel")
	default:
	}

	root.Cancel(ReasonShutdown)

	<-session.Done()
	<-call.Done()
	assert.Equal(t, ReasonShutdown, session.Err())
	assert.Equal(t, ReasonShutdown, call.Err())
}

func TestCancelChildDoesNotAffectParentOrSiblings(t *testing.T) {
	root := NewRoot(context.Background())
	sessionA := root.NewChild()
	sessionB := root.NewChild()

	sessionA.Cancel(ReasonSessionClosed)

	<-sessionA.Done()
	select {
	case <-sessionB.Done():
		t.Fatal("cancelling one child must not cancel a sibling")
	case <-root.Done():
		t.Fatal("cancelling a child must not cancel the root")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Nil(t, root.Err())
	assert.Nil(t, sessionB.Err())
}

func TestCancelIsIdempotent(t *testing.T) {
	node := NewRoot(context.Background()).NewChild()
	node.Cancel(ReasonTimeout)
	node.Cancel(ReasonClientCancel)

	require.ErrorIs(t, node.Err(), ReasonTimeout, "the first cancel reason wins; later calls are no-ops")
}

func TestErrIsNilBeforeCancel(t *testing.T) {
	node := NewRoot(context.Background())
	assert.Nil(t, node.Err())
}

func TestContextDeadlineStillPropagatesToChildren(t *testing.T) {
	root := NewRoot(context.Background())
	child := root.NewChild()

	deadlineCtx, cancel := context.WithTimeout(child.Context(), 10*time.Millisecond)
	defer cancel()

	select {
	case <-deadlineCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("deadline derived from a node's context must still expire normally")
	}
	assert.ErrorIs(t, deadlineCtx.Err(), context.DeadlineExceeded)
}
