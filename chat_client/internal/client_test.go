package internal

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/tools"
)

const waitFor = 2 * time.Second

type recordingPresenter struct {
	mu      sync.Mutex
	lines   []string
	notices []string
}

func (p *recordingPresenter) ShowLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, line)
}

func (p *recordingPresenter) ShowNotice(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, text)
}

func (p *recordingPresenter) snapshot() ([]string, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lines...), append([]string(nil), p.notices...)
}

// fakeServer accepts a single connection.
type fakeServer struct {
	ln       net.Listener
	accepted chan net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{ln: ln, accepted: make(chan net.Conn, 1)}
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			s.accepted <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) port(t *testing.T) int {
	t.Helper()
	_, port, err := net.SplitHostPort(s.ln.Addr().String())
	require.NoError(t, err)
	n, err := strconv.Atoi(port)
	require.NoError(t, err)
	return n
}

func (s *fakeServer) conn(t *testing.T) (net.Conn, *bufio.Reader) {
	t.Helper()
	select {
	case conn := <-s.accepted:
		t.Cleanup(func() { conn.Close() })
		require.NoError(t, conn.SetDeadline(time.Now().Add(waitFor)))
		return conn, tools.NewLineReader(conn)
	case <-time.After(waitFor):
		t.Fatal("client did not connect")
		return nil, nil
	}
}

func dialFake(t *testing.T, s *fakeServer, p Presenter) *Client {
	t.Helper()
	c, err := Dial(context.Background(), "127.0.0.1", s.port(t), 0, p)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDial_ConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()

	n, _ := strconv.Atoi(port)
	c, err := Dial(context.Background(), "127.0.0.1", n, 200*time.Millisecond, nil)
	assert.Nil(t, c)

	var failure *ConnectFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "127.0.0.1:"+port, failure.Addr)
	assert.Contains(t, err.Error(), "problem connecting")
}

func TestClient_SayAndReceive(t *testing.T) {
	server := newFakeServer(t)
	presenter := &recordingPresenter{}
	c := dialFake(t, server, presenter)
	conn, reader := server.conn(t)

	c.SetName("alice")
	require.NoError(t, c.Say("hi"))
	line, err := tools.ReceiveLine(reader)
	require.NoError(t, err)
	assert.Equal(t, "alice: hi", line)

	require.NoError(t, tools.SendLine(conn, "alice: hi"))
	require.NoError(t, tools.SendLine(conn, "bob: hello"))
	conn.Close()

	assert.NoError(t, c.Receive())
	lines, notices := presenter.snapshot()
	assert.Equal(t, []string{"alice: hi", "bob: hello"}, lines)
	assert.Equal(t, []string{ServerGoneNotice}, notices)

	assert.ErrorIs(t, c.Say("anyone?"), ErrNotConnected)
}

func TestClient_CloseEndsReceiveQuietly(t *testing.T) {
	server := newFakeServer(t)
	presenter := &recordingPresenter{}
	c := dialFake(t, server, presenter)
	server.conn(t)

	received := make(chan error, 1)
	go func() { received <- c.Receive() }()

	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())

	select {
	case err := <-received:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Receive did not return")
	}
	_, notices := presenter.snapshot()
	assert.Empty(t, notices)
}

func TestClient_RunInput(t *testing.T) {
	server := newFakeServer(t)
	presenter := &recordingPresenter{}
	c := dialFake(t, server, presenter)
	_, reader := server.conn(t)
	c.SetName("bob")

	in := bufio.NewScanner(strings.NewReader("hello\n\n   \nEXIT\n/exit\nnever sent\n"))
	require.NoError(t, c.RunInput(in))

	line, err := tools.ReceiveLine(reader)
	require.NoError(t, err)
	assert.Equal(t, "bob: hello", line)
	line, err = tools.ReceiveLine(reader)
	require.NoError(t, err)
	assert.Equal(t, "bob: EXIT", line)
	_, err = tools.ReceiveLine(reader)
	assert.Error(t, err, "the client is closed after the quit command")

	_, notices := presenter.snapshot()
	assert.Equal(t, []string{startPrompt, exitWarning, leaveMessage}, notices)
}

func TestPromptName(t *testing.T) {
	presenter := &recordingPresenter{}
	in := bufio.NewScanner(strings.NewReader("\nbad:name\nthis name is far too long\n  carol  \n"))

	name, err := PromptName(in, presenter)
	require.NoError(t, err)
	assert.Equal(t, "carol", name)

	_, notices := presenter.snapshot()
	require.Len(t, notices, 7)
	assert.Equal(t, namePrompt, notices[0])
	assert.Contains(t, notices[1], "empty")
	assert.Contains(t, notices[3], "forbidden")
	assert.Contains(t, notices[5], "20")

	_, err = PromptName(bufio.NewScanner(strings.NewReader("")), presenter)
	assert.Error(t, err)
}

func TestDialWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, data)
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer server.Close()

	presenter := &recordingPresenter{}
	c, err := DialWebSocket(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"), time.Second, presenter)
	require.NoError(t, err)
	defer c.Close()

	c.SetName("web")
	require.NoError(t, c.Say("hi"))
	assert.NoError(t, c.Receive())

	lines, notices := presenter.snapshot()
	assert.Equal(t, []string{"web: hi"}, lines)
	assert.Equal(t, []string{ServerGoneNotice}, notices)
}

func TestDialWebSocket_Failure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := DialWebSocket(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"), time.Second, nil)
	var failure *ConnectFailure
	assert.ErrorAs(t, err, &failure)
}
