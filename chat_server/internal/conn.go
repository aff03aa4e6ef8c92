package internal

import (
	"bufio"
	"net"
	"time"

	"chatrelay/tools"
)

// Connection is the line-oriented stream a Session owns exclusively.
// ReadLine is only called from the session read loop and WriteLine only from its writer,
// so implementations need not serialise either side.
type Connection interface {
	ReadLine() (string, error)
	WriteLine(line string) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// tcpConn carries newline-delimited UTF-8 lines over a net.Conn.
type tcpConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

// NewTCPConnection adapts a stream connection to Connection.
func NewTCPConnection(conn net.Conn) Connection {
	return &tcpConn{
		conn:   conn,
		reader: tools.NewLineReader(conn),
	}
}

func (c *tcpConn) ReadLine() (string, error) {
	return tools.ReceiveLine(c.reader)
}

func (c *tcpConn) WriteLine(line string) error {
	return tools.SendLine(c.conn, line)
}

func (c *tcpConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *tcpConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *tcpConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}
