package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/xcubelab/internal/history"
)

func TestSQLiteSinkInMemory(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, history.NewEvent(history.EventStartRequested, history.Record{Port: 8092})))
	require.NoError(t, sink.Send(ctx, history.NewEvent(history.EventReady, history.Record{
		PID: 4242, Port: 8092, Status: "running", URL: "http://127.0.0.1:8092", Attempts: 3,
	})))
	require.NoError(t, sink.Send(ctx, history.NewEvent(history.EventFailed, history.Record{
		PID: 4243, Port: 8092, Status: "failed", Attempts: 1, Error: "exit code 1",
	})))

	all, err := sink.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, all)
	ready, err := sink.Count(ctx, history.EventReady)
	require.NoError(t, err)
	assert.Equal(t, 1, ready)

	var url, errText any
	require.NoError(t, sink.db.QueryRowContext(ctx,
		`SELECT url, error FROM readiness_history WHERE event = 'failed'`).Scan(&url, &errText))
	assert.Nil(t, url)
	assert.Equal(t, "exit code 1", errText)
}

func TestSQLiteSinkFilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	sink, err := New(path)
	require.NoError(t, err)
	e := history.NewEvent(history.EventReady, history.Record{PID: 1, Port: 8092, Status: "running"})
	require.NoError(t, sink.Send(context.Background(), e))
	// duplicate ids are rejected
	assert.Error(t, sink.Send(context.Background(), e))
	require.NoError(t, sink.Close())

	reopened, err := New("sqlite://" + path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	n, err := reopened.Count(context.Background(), history.EventReady)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteSinkEmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
