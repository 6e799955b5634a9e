package audit

import (
	"bytes"
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func TestLogger_ChainsEntries(t *testing.T) {
	sink := NewMemorySink()
	l := NewLogger(sink).WithClock(fixedClock())
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, KindLifecycle, "Loading", "overlay-a", nil))
	require.NoError(t, l.Record(ctx, KindBreaker, "OPEN", "dep-1", map[string]any{"failures": 3}))
	require.NoError(t, l.Record(ctx, KindEvent, "published", "evt-1", map[string]any{"type": "x"}))

	entries := sink.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, GenesisHash, entries[0].PrevHash)
	assert.Equal(t, entries[0].Hash, entries[1].PrevHash)
	assert.Equal(t, entries[1].Hash, entries[2].PrevHash)
	require.NoError(t, Verify(entries))
}

func TestVerify_DetectsTampering(t *testing.T) {
	sink := NewMemorySink()
	l := NewLogger(sink).WithClock(fixedClock())
	ctx := context.Background()
	for _, a := range []string{"a", "b", "c"} {
		require.NoError(t, l.Record(ctx, KindEvent, a, "s", nil))
	}

	entries := sink.Entries()
	entries[1].Action = "rewritten"
	assert.Error(t, Verify(entries))

	entries = sink.Entries()
	entries = append(entries[:1], entries[2:]...)
	assert.Error(t, Verify(entries))
}

func TestJSONLSink_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(NewJSONLSink(&buf)).WithClock(fixedClock())
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, KindQuarantine, "quarantined", "overlay-b", map[string]any{"reason": "health"}))
	require.NoError(t, l.Record(ctx, KindCanary, "rollback", "overlay-c", nil))

	entries, err := ReadJSONL(&buf)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "overlay-b", entries[0].Subject)
	require.NoError(t, Verify(entries))
}

func TestSQLiteSink_AppendAndResume(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	sink, err := NewSQLiteSink(db)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	l := NewLogger(sink).WithClock(fixedClock())
	require.NoError(t, l.Record(ctx, KindLifecycle, "Active", "overlay-a", map[string]any{"from": "Initializing"}))

	last, ok, err := sink.Last(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// A fresh logger picks up where the table ends.
	l2 := NewLogger(sink).WithClock(fixedClock())
	l2.Resume(last)
	require.NoError(t, l2.Record(ctx, KindLifecycle, "Draining", "overlay-a", nil))

	entries, err := sink.List(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NoError(t, Verify(entries))
}

func TestPostgresSink_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink := NewPostgresSink(db)
	e := Entry{Seq: 1, ID: "id-1", Kind: KindBreaker, Action: "OPEN", Subject: "dep", Timestamp: time.Now(),
		PrevHash: GenesisHash, Hash: "h1"}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_entries")).
		WithArgs(int64(1), "id-1", "BREAKER", "OPEN", "dep", sqlmock.AnyArg(), sqlmock.AnyArg(), GenesisHash, "h1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, sink.Append(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSink_LastEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT seq, id, kind")).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "id", "kind", "action", "subject", "timestamp", "data", "prev_hash", "hash"}))

	_, ok, err := NewPostgresSink(db).Last(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
