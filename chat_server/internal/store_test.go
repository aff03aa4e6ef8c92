package internal

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"chatrelay/tools/logging"
)

func TestMessageStore_LastLine(t *testing.T) {
	store := NewMessageStore(nil)

	_, err := store.LastLine()
	assert.ErrorIs(t, err, ErrEmptyStore)

	store.Append("alice: hi")
	store.Append("bob: hello")

	last, err := store.LastLine()
	require.NoError(t, err)
	assert.Equal(t, "bob: hello", last)
	assert.Equal(t, 2, store.Len())
}

func TestMessageStore_Tail(t *testing.T) {
	store := NewMessageStore(nil)
	assert.Empty(t, store.Tail(3))

	for i := 1; i <= 5; i++ {
		store.Append(fmt.Sprintf("user: %d", i))
	}

	tests := []struct {
		name string
		n    int
		want []string
	}{
		{"zero", 0, []string{}},
		{"negative", -1, []string{}},
		{"two", 2, []string{"user: 4", "user: 5"}},
		{"all", 5, []string{"user: 1", "user: 2", "user: 3", "user: 4", "user: 5"}},
		{"more than stored", 10, []string{"user: 1", "user: 2", "user: 3", "user: 4", "user: 5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, store.Tail(tt.n))
		})
	}

	tail := store.Tail(1)
	tail[0] = "changed"
	last, _ := store.LastLine()
	assert.Equal(t, "user: 5", last, "Tail must return a copy")
}

func TestMessageStore_ConcurrentAppend(t *testing.T) {
	store := NewMessageStore(nil)

	const writers, lines = 8, 100
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < lines; i++ {
				store.Append(fmt.Sprintf("w%d: %d", w, i))
			}
		}(w)
	}
	wg.Wait()

	history := store.Tail(writers * lines)
	require.Len(t, history, writers*lines)

	// per writer the history keeps the order of its own appends
	next := make(map[string]int)
	for _, line := range history {
		var w string
		var i int
		_, err := fmt.Sscanf(line, "%s %d", &w, &i)
		require.NoError(t, err)
		assert.Equal(t, next[w], i, "line %q out of order", line)
		next[w] = i + 1
	}
}

func TestMessageStore_Liveness(t *testing.T) {
	store := NewMessageStore(logging.FromZap(zaptest.NewLogger(t)))
	a, b, c := idleSession(t), idleSession(t), idleSession(t)

	store.AddSession(a)
	store.AddSession(b)
	store.AddSession(c)
	store.AddSession(a)
	assert.Equal(t, 3, store.LiveCount())
	assert.Equal(t, []*Session{a, b, c}, store.LiveSessions())

	assert.True(t, store.MarkInactive(b))
	assert.False(t, store.MarkInactive(b), "second mark must be a no-op")
	assert.Equal(t, 2, store.LiveCount())
	assert.Equal(t, []*Session{a, c}, store.LiveSessions())

	assert.False(t, store.MarkInactive(idleSession(t)), "unknown session")
	assert.Equal(t, 2, store.LiveCount())
}

func TestMessageStore_Forget(t *testing.T) {
	store := NewMessageStore(nil)
	a, b := idleSession(t), idleSession(t)
	store.AddSession(a)
	store.AddSession(b)

	store.Forget(a)
	assert.Equal(t, 2, store.LiveCount(), "live session must not be forgotten")

	store.MarkInactive(a)
	store.Forget(a)
	assert.Equal(t, []*Session{b}, store.LiveSessions())

	// a forgotten session can not be flipped again
	assert.False(t, store.MarkInactive(a))
}

func TestMessageStore_ConcurrentMarkInactive(t *testing.T) {
	store := NewMessageStore(nil)
	s := idleSession(t)
	store.AddSession(s)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		flips int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.MarkInactive(s) {
				mu.Lock()
				flips++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, flips)
	assert.Zero(t, store.LiveCount())
}

func queued(s *Session) []string {
	var lines []string
	for {
		select {
		case line := <-s.outbox:
			lines = append(lines, line)
		default:
			return lines
		}
	}
}

func TestMessageStore_JoinAndPublish(t *testing.T) {
	store := NewMessageStore(nil)
	early := idleSession(t)
	store.AddSession(early)

	assert.Equal(t, []*Session{early}, store.Publish("a: 1"))
	assert.Equal(t, []*Session{early}, store.Publish("a: 2"))

	late := idleSession(t)
	store.Join(late, 5)
	assert.Equal(t, []string{"a: 1", "a: 2"}, queued(late), "join replays the tail")
	assert.Equal(t, []*Session{early, late}, store.Publish("a: 3"))
	assert.Equal(t, 3, store.Len())

	store.Join(idleSession(t), 0)
	assert.Equal(t, 3, store.LiveCount())
}
