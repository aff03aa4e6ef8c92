package main

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"chatrelay/chat_server/config"
	"chatrelay/chat_server/db"
	"chatrelay/chat_server/internal"
	"chatrelay/chat_server/rdb"
	"chatrelay/tools"
	"chatrelay/tools/logging"
)

func useConfig(t *testing.T) {
	t.Helper()
	cfg = config.DefaultConfig()
	t.Cleanup(func() { cfg = nil })
}

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger = logging.FromZap(zap.New(core))
	t.Cleanup(func() { logger = nil })
	return logs
}

func TestApplyFlags(t *testing.T) {
	useConfig(t)
	cfg.Listen.Address = "10.0.0.1"

	require.NoError(t, rootCmd.ParseFlags([]string{"--port", "not-a-port", "--ws-address", ":8080", "--idle-timeout", "90s"}))
	applyFlags(rootCmd)
	warnings := cfg.Normalize()

	assert.Equal(t, config.DefaultPort, cfg.Listen.Port)
	assert.Len(t, warnings, 1)
	assert.Equal(t, "10.0.0.1", cfg.Listen.Address, "unset flags keep file values")
	assert.Equal(t, ":8080", cfg.Listen.WebSocket)
	assert.Equal(t, 90*time.Second, cfg.GetIdleTimeout())
}

func TestRunServer_BindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	_, port, _ := net.SplitHostPort(taken.Addr().String())

	useConfig(t)
	cfg.Listen.Address = "127.0.0.1"
	cfg.Listen.Port, _ = strconv.Atoi(port)
	logs := observeLogs(t)

	err = runServer(rootCmd, nil)
	var bind *internal.BindFailure
	require.ErrorAs(t, err, &bind)
	assert.Equal(t, taken.Addr().String(), bind.Addr)

	report(err)
	entries := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "cannot bind listening address", entries[0].Message)
	assert.Equal(t, bind.Addr, entries[0].ContextMap()["addr"])
}

func TestReport_OtherErrors(t *testing.T) {
	logs := observeLogs(t)

	report(errors.New("websocket transport: boom"))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "chat-server failed", entries[0].Message)
	assert.Equal(t, "websocket transport: boom", entries[0].ContextMap()["error"])
}

func TestCountArg(t *testing.T) {
	n, err := countArg(nil, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	n, err = countArg([]string{"3"}, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, bad := range []string{"0", "-2", "ten"} {
		_, err := countArg([]string{bad}, 7)
		assert.Error(t, err, bad)
	}
}

func TestHistoryAndRankCommands(t *testing.T) {
	server := miniredis.RunT(t)
	useConfig(t)
	cfg.Redis.Addr = server.Addr()

	ctx := context.Background()
	mirror, err := rdb.NewMirror(ctx, mirrorOptions())
	require.NoError(t, err)
	defer mirror.Close()
	for _, line := range []string{"alice: hi", "bob: hello", "alice: how are you", "alice: EXIT"} {
		name, _, _ := tools.SplitMessage(line)
		require.NoError(t, mirror.Record(ctx, name, line))
	}

	var out bytes.Buffer
	historyCmd.SetOut(&out)
	require.NoError(t, runHistory(historyCmd, []string{"2"}))
	assert.Equal(t, "alice: how are you\nalice: EXIT\n", out.String())

	out.Reset()
	rankCmd.SetOut(&out)
	require.NoError(t, runRank(rankCmd, nil))
	assert.Equal(t, "Rank 1: alice (3 lines)\nRank 2: bob (1 lines)\n", out.String())

	out.Reset()
	require.NoError(t, mirror.Reset(ctx))
	require.NoError(t, runHistory(historyCmd, nil))
	assert.Equal(t, "no chat history\n", out.String())
}

func TestHistoryCommand_RedisDown(t *testing.T) {
	server := miniredis.RunT(t)
	useConfig(t)
	cfg.Redis.Addr = server.Addr()
	server.Close()

	assert.Error(t, runHistory(historyCmd, nil))
}

func TestPrintEvents(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	events := []db.AuditEvent{
		{SessionID: "s1", Event: "join", Remote: "127.0.0.1:5000", CreatedAt: at},
		{SessionID: "s1", Event: "part", Name: "alice", Reason: "left", CreatedAt: at.Add(time.Minute)},
	}

	var out bytes.Buffer
	require.NoError(t, printEvents(&out, "s1", events))
	assert.Equal(t,
		"2024-05-01 12:30:00.000 join 127.0.0.1:5000\n"+
			"2024-05-01 12:31:00.000 part alice left\n",
		out.String())

	out.Reset()
	require.NoError(t, printEvents(&out, "s2", nil))
	assert.Equal(t, "no audit events for session s2\n", out.String())
}

func TestConfigInit(t *testing.T) {
	useConfig(t)
	cfg.Listen.Port = 15000
	cfg.Session.HistoryGreets = 5
	path := filepath.Join(t.TempDir(), "chat-server.yaml")

	var out bytes.Buffer
	configInitCmd.SetOut(&out)
	require.NoError(t, runConfigInit(configInitCmd, []string{path}))
	assert.Contains(t, out.String(), path)

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15000, loaded.Listen.Port)
	assert.Equal(t, 5, loaded.Session.HistoryGreets)

	assert.Error(t, runConfigInit(configInitCmd, []string{path}), "existing file is kept")

	forceInit = true
	t.Cleanup(func() { forceInit = false })
	assert.NoError(t, runConfigInit(configInitCmd, []string{path}))
}
