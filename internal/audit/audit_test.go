package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/store"
)

func TestEmit(t *testing.T) {
	s := store.NewMemoryStore()
	svc := NewService(s.Logs())
	ctx := context.Background()

	svc.Emit(ctx, KindSessionInit, "sess-1", "", "u-1", nil)
	svc.EmitRequest(ctx, KindRequestTool, "sess-1", "srv-a", "u-1", RequestRecord{
		UpstreamRequestID: 17,
		UniformRequestID:  "req-abc",
		DurationMs:        42,
		StatusCode:        200,
	})

	entries, err := s.Logs().ListAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, KindSessionInit, entries[0].Kind)
	assert.Equal(t, "u-1", entries[0].UserID)
	assert.Equal(t, KindRequestTool, entries[1].Kind)
	assert.Equal(t, "srv-a", entries[1].ServerID)
	assert.Contains(t, string(entries[1].Payload), `"uniformRequestId":"req-abc"`)
}

func TestEmitWithoutRepository(t *testing.T) {
	var svc *Service
	// Must not panic with a nil service or repository.
	svc.Emit(context.Background(), KindErrorInternal, "", "", "", nil)
	NewService(nil).Emit(context.Background(), KindErrorInternal, "", "", "", nil)
}
