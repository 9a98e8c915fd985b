package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeyondidentity/verdict/pkg/audit"
)

func TestAuditSink_PersistsEvents(t *testing.T) {
	s := setupTestStore(t)
	sink := NewAuditSink(s)
	ctx := context.Background()

	require.NoError(t, sink.Emit(audit.NewDeviceEnroll("alice", 1, "hw-1", 0).WithRequestID("req-1")))
	require.NoError(t, sink.Emit(audit.NewPolicyRevoke("bob", 7)))

	records, next, err := s.QueryAuditRecords(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, records, 2)

	t.Log("Newest record comes first")
	assert.Equal(t, string(audit.EventPolicyRevoke), records[0].Type)
	assert.Equal(t, "bob", records[0].Actor)
	assert.Equal(t, audit.SeverityWarning, records[0].Severity)
	assert.Equal(t, "7", records[0].Details["policy_id"])

	assert.Equal(t, string(audit.EventDeviceEnroll), records[1].Type)
	assert.Equal(t, "req-1", records[1].RequestID)
	assert.Equal(t, "hw-1", records[1].Details["hwid"])
}

func TestQueryAuditRecords_Filters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	for i := 0; i < 5; i++ {
		typ := string(audit.EventAppraisalTrusted)
		if i%2 == 1 {
			typ = string(audit.EventAppraisalFailed)
		}
		_, err := s.InsertAuditRecord(ctx, &AuditRecord{
			Type:      typ,
			Severity:  audit.SeverityFor(audit.EventType(typ)),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	failed, _, err := s.QueryAuditRecords(ctx, AuditFilter{Type: string(audit.EventAppraisalFailed)})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	recent, _, err := s.QueryAuditRecords(ctx, AuditFilter{Since: base.Add(3 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	t.Log("Paging through all records two at a time")
	var seen []int64
	cursor := ""
	for {
		page, next, err := s.QueryAuditRecords(ctx, AuditFilter{Cursor: cursor, Limit: 2})
		require.NoError(t, err)
		for _, r := range page {
			seen = append(seen, r.ID)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Equal(t, []int64{5, 4, 3, 2, 1}, seen)

	_, _, err = s.QueryAuditRecords(ctx, AuditFilter{Cursor: encodeCursor("d", 3)})
	assert.ErrorIs(t, err, ErrInvalidCursor)
}
