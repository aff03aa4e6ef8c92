package internal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"chatrelay/tools"
)

// DefaultConnectTimeout bounds Dial when no timeout is given.
const DefaultConnectTimeout = time.Second

const (
	// ServerGoneNotice is shown once when the server closes the connection.
	ServerGoneNotice = "The Server has stopped responding. Please restart and try again."
	// DisconnectedNotice is shown once when the connection fails.
	DisconnectedNotice = "The server is disconnected. Messages sent now will not be received by other users."
)

// ErrNotConnected is returned when sending on a closed client.
var ErrNotConnected = errors.New("client is not connected")

// ConnectFailure means the server could not be reached.
type ConnectFailure struct {
	Addr string
	Err  error
}

func (e *ConnectFailure) Error() string {
	return fmt.Sprintf("There is a problem connecting to the server at %s: %v", e.Addr, e.Err)
}

func (e *ConnectFailure) Unwrap() error {
	return e.Err
}

// lineConn is the client side of a chat transport.
type lineConn interface {
	ReadLine() (string, error)
	WriteLine(line string) error
	Close() error
}

// Client is a chat client: it prefixes what the user types with the user name,
// and shows every line the server relays through its Presenter.
type Client struct {
	conn      lineConn
	presenter Presenter

	mu   sync.Mutex // serialises writes
	name string

	closed atomic.Bool
}

// Dial 通过 TCP 连接聊天服务器
// 参数:
//   - ctx: 用于取消连接过程
//   - host, port: 服务器地址
//   - timeout: 连接超时时间，<= 0 时使用 DefaultConnectTimeout
//   - presenter: 显示服务器转发的消息和本地提示
//
// 返回值:
//   - 连接成功时返回 *Client
//   - 服务器不可达时返回 *ConnectFailure
func Dial(ctx context.Context, host string, port int, timeout time.Duration, presenter Presenter) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectFailure{Addr: addr, Err: err}
	}
	return newClient(&tcpLineConn{conn: conn, reader: tools.NewLineReader(conn)}, presenter), nil
}

// DialWebSocket connects to the WebSocket transport of a chat server, e.g. ws://host:8080/ws.
func DialWebSocket(ctx context.Context, url string, timeout time.Duration, presenter Presenter) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &ConnectFailure{Addr: url, Err: err}
	}
	return newClient(&wsLineConn{conn: conn}, presenter), nil
}

func newClient(conn lineConn, presenter Presenter) *Client {
	if presenter == nil {
		presenter = NewConsolePresenter(io.Discard)
	}
	return &Client{conn: conn, presenter: presenter}
}

// SetName sets the name Say puts in front of every message.
func (c *Client) SetName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
}

// Name returns the current user name.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// SendLine sends line unchanged.
func (c *Client) SendLine(line string) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteLine(line); err != nil {
		return errors.Wrap(err, "send to server")
	}
	return nil
}

// Say sends text as "<name>: <text>".
func (c *Client) Say(text string) error {
	return c.SendLine(tools.FormatMessage(c.Name(), text))
}

// Receive 持续显示服务器转发的消息，连接结束后只显示一条提示
// 返回值: 服务器关闭连接或调用了 Close 时返回 nil，其他读取错误原样返回
func (c *Client) Receive() error {
	for {
		line, err := c.conn.ReadLine()
		if err != nil {
			if c.closed.Load() {
				return nil
			}
			c.closed.Store(true)
			c.conn.Close()
			if errors.Is(err, io.EOF) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.presenter.ShowNotice(ServerGoneNotice)
				return nil
			}
			c.presenter.ShowNotice(DisconnectedNotice)
			return errors.Wrap(err, "receive from server")
		}
		c.presenter.ShowLine(line)
	}
}

// Close disconnects from the server. Receive returns without a notice.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

type tcpLineConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (c *tcpLineConn) ReadLine() (string, error) {
	return tools.ReceiveLine(c.reader)
}

func (c *tcpLineConn) WriteLine(line string) error {
	return tools.SendLine(c.conn, line)
}

func (c *tcpLineConn) Close() error {
	return c.conn.Close()
}

type wsLineConn struct {
	conn *websocket.Conn
}

func (c *wsLineConn) ReadLine() (string, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if kind == websocket.TextMessage {
			return string(data), nil
		}
	}
}

func (c *wsLineConn) WriteLine(line string) error {
	return c.conn.WriteMessage(websocket.TextMessage, []byte(strings.TrimRight(line, "\r\n")))
}

func (c *wsLineConn) Close() error {
	return c.conn.Close()
}
