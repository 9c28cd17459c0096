package hub

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"

	"github.com/coder/websocket"
)

// DefaultMaxLine bounds a single inbound frame.
const DefaultMaxLine = 1 << 20

// ErrLineTooLong reports an inbound TCP frame over the size limit. The whole
// line has been consumed, so the next ReadLine starts at the following frame.
var ErrLineTooLong = errors.New("hub: line too long")

// Transport moves whole frames. Implementations do not need to be safe for
// concurrent reads, nor for concurrent writes: a Conn has one reader and one writer.
type Transport interface {
	// ReadLine returns the next frame without its terminator, or io.EOF once the peer is gone.
	ReadLine(ctx context.Context) ([]byte, error)
	WriteLine(ctx context.Context, line []byte) error
	Close() error
	RemoteAddr() string
}

type tcpTransport struct {
	conn    net.Conn
	reader  *bufio.Reader
	maxLine int
}

// NewTCPTransport frames conn as newline-terminated lines of at most maxLine
// bytes.
func NewTCPTransport(conn net.Conn, maxLine int) Transport {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	return &tcpTransport{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, min(4096, maxLine)),
		maxLine: maxLine,
	}
}

func (t *tcpTransport) ReadLine(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var line []byte
	tooLong := false
	for {
		chunk, err := t.reader.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			if len(bytes.TrimSuffix(line, []byte("\n"))) > t.maxLine {
				tooLong, line = true, nil
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case tooLong:
			// Drained up to the terminator (or the end of the stream).
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			return nil, ErrLineTooLong
		case err == nil:
			return bytes.TrimRight(line[:len(line)-1], "\r"), nil
		case errors.Is(err, io.EOF) && len(line) > 0:
			// Unterminated final line; the next call reports EOF.
			return bytes.TrimRight(line, "\r"), nil
		default:
			return nil, err
		}
	}
}

func (t *tcpTransport) WriteLine(ctx context.Context, line []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	frame := make([]byte, 0, len(line)+1)
	frame = append(frame, line...)
	frame = append(frame, '\n')
	_, err := t.conn.Write(frame)
	return err
}

func (t *tcpTransport) Close() error {
	err := t.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (t *tcpTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

type wsTransport struct {
	conn   *websocket.Conn
	remote string
}

// NewWSTransport carries one frame per WebSocket text message.
func NewWSTransport(conn *websocket.Conn, remote string, maxLine int) Transport {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	conn.SetReadLimit(int64(maxLine))
	return &wsTransport{conn: conn, remote: remote}
}

func (t *wsTransport) ReadLine(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, err
	}
	return bytes.TrimRight(data, "\r\n"), nil
}

func (t *wsTransport) WriteLine(ctx context.Context, line []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, line)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (t *wsTransport) RemoteAddr() string { return t.remote }
