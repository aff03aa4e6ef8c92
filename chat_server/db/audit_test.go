package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDSN(t *testing.T) {
	dsn, err := ParseDSN("chat:secret@tcp(localhost:3306)/chat")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "/chat")

	_, err = ParseDSN("chat:secret@tcp(localhost:3306)/")
	assert.Error(t, err, "database name is required")

	_, err = ParseDSN("not a dsn")
	assert.Error(t, err)
}

func TestOpenSessionAudit_InvalidDSN(t *testing.T) {
	a, err := OpenSessionAudit(context.Background(), "::")
	assert.Error(t, err)
	assert.Nil(t, a)
}

// Needs a MySQL server, e.g. CHAT_AUDIT_DSN="root:pass@tcp(localhost:3306)/chat_test".
func TestSessionAudit_Integration(t *testing.T) {
	dsn := os.Getenv("CHAT_AUDIT_DSN")
	if dsn == "" {
		t.Skip("CHAT_AUDIT_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := OpenSessionAudit(ctx, dsn)
	require.NoError(t, err)
	defer a.Close()

	id := uuid.New().String()
	require.NoError(t, a.RecordJoin(ctx, id, "127.0.0.1:50000"))
	require.NoError(t, a.RecordPart(ctx, id, "alice", "left"))

	events, err := a.Events(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "join", events[0].Event)
	assert.Equal(t, "127.0.0.1:50000", events[0].Remote)
	assert.Equal(t, "part", events[1].Event)
	assert.Equal(t, "alice", events[1].Name)
	assert.Equal(t, "left", events[1].Reason)
}
