package tools

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// MaxLineSize caps a single inbound line. Longer lines are rejected with ErrLineTooLong.
const MaxLineSize = 64 * 1024

// ErrLineTooLong is returned by ReceiveLine when a peer sends more than MaxLineSize bytes without a newline.
var ErrLineTooLong = errors.New("line exceeds maximum size")

// NewLineReader wraps r for use with ReceiveLine.
func NewLineReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 4096)
}

// SendLine 向连接写入一行以换行符结尾的消息
// line 末尾已有的 CR/LF 会被替换成一个 "\n"，调用方可以直接传入终端读到的文本
func SendLine(w io.Writer, line string) error {
	packet := make([]byte, 0, len(line)+1)
	packet = append(packet, strings.TrimRight(line, "\r\n")...)
	packet = append(packet, '\n')

	if _, err := w.Write(packet); err != nil {
		return errors.Wrap(err, "send line")
	}
	return nil
}

// ReceiveLine 从 r 读取下一行消息，不含行结束符（"\n" 或 "\r\n"）
// 参数:
//   - r: 由 NewLineReader 创建的读取器
//
// 返回值:
//   - string: 读到的一行；EOF 前没有换行符的最后一行也会返回
//   - error: 连接结束时返回 io.EOF，行过长时返回 ErrLineTooLong
func ReceiveLine(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if err == io.EOF && sb.Len() > 0 {
				return sb.String(), nil
			}
			return "", err
		}
		if sb.Len()+len(chunk) > MaxLineSize {
			return "", ErrLineTooLong
		}
		sb.Write(chunk)
		if !isPrefix {
			return sb.String(), nil
		}
	}
}
