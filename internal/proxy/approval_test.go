package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApprovalResolveUnblocksAwait(t *testing.T) {
	svc := NewApprovalService(5 * time.Second)
	id := svc.Begin("sess-1", "search_-_42", nil)

	decided := make(chan bool, 1)
	go func() {
		decided <- svc.Await(context.Background(), id)
	}()

	// The pending entry is visible until the decision lands.
	require.Eventually(t, func() bool {
		for _, req := range svc.Pending() {
			if req.ID == id {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	require.True(t, svc.Resolve(id, true))

	select {
	case approved := <-decided:
		assert.True(t, approved)
	case <-time.After(time.Second):
		t.Fatal("Await did not return after Resolve")
	}
	assert.Empty(t, svc.Pending())
}

func TestApprovalTimeoutCountsAsDenial(t *testing.T) {
	svc := NewApprovalService(20 * time.Millisecond)
	id := svc.Begin("sess-1", "rm_-_42", nil)

	assert.False(t, svc.Await(context.Background(), id))
	assert.False(t, svc.Resolve(id, true), "resolve after timeout must report false")
}

func TestApprovalContextCancelDenies(t *testing.T) {
	svc := NewApprovalService(5 * time.Second)
	id := svc.Begin("sess-1", "rm_-_42", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, svc.Await(ctx, id))
}

func TestApprovalUnknownID(t *testing.T) {
	svc := NewApprovalService(time.Second)
	assert.False(t, svc.Await(context.Background(), "nope"))
	assert.False(t, svc.Resolve("nope", true))
}
