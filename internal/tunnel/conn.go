package tunnel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ErrClosed is returned by writes after a close frame was sent.
var ErrClosed = errors.New("websocket connection closed")

// CloseError is returned by ReadFrame when the peer sends a close frame.
type CloseError struct {
	Code   uint16
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket closed by peer (%d): %s", e.Code, e.Reason)
}

const writeTimeout = 10 * time.Second

// Conn reads and writes frames over an upgraded connection. Pings are
// answered and pongs dropped inside ReadFrame. One goroutine may read while
// others write.
type Conn struct {
	nc     net.Conn
	r      *bufio.Reader
	parser *Parser
	queue  []Frame
	buf    []byte
	err    error // sticky read error, reported once the queue drains

	wmu       sync.Mutex
	closeSent bool
}

func newConn(nc net.Conn, r *bufio.Reader, server bool) *Conn {
	return &Conn{
		nc:     nc,
		r:      r,
		parser: &Parser{RequireMask: server},
		buf:    make([]byte, 32*1024),
	}
}

// SetMaxPayload changes the per-frame payload cap.
func (c *Conn) SetMaxPayload(n int64) { c.parser.MaxPayload = n }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// ReadFrame returns the next data frame. A close frame from the peer is
// returned as a *CloseError; malformed input as a *ProtocolError.
func (c *Conn) ReadFrame() (Frame, error) {
	for {
		for len(c.queue) > 0 {
			f := c.queue[0]
			c.queue = c.queue[1:]
			switch f.Opcode {
			case OpPing:
				if err := c.WriteFrame(OpPong, f.Payload); err != nil && !errors.Is(err, ErrClosed) {
					return Frame{}, err
				}
			case OpPong:
			case OpClose:
				code, reason, err := ParseClose(f.Payload)
				if err != nil {
					return Frame{}, err
				}
				return Frame{}, &CloseError{Code: code, Reason: reason}
			default:
				return f, nil
			}
		}

		if c.err != nil {
			return Frame{}, c.err
		}
		n, err := c.r.Read(c.buf)
		if n > 0 {
			frames, perr := c.parser.Feed(c.buf[:n])
			c.queue = append(c.queue, frames...)
			if perr != nil {
				c.err = perr
				continue
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && c.parser.Buffered() > 0 {
				err = io.ErrUnexpectedEOF
			}
			c.err = err
		}
	}
}

// WriteFrame sends one unmasked final frame.
func (c *Conn) WriteFrame(op Opcode, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closeSent {
		return ErrClosed
	}
	return c.write(EncodeFrame(op, payload))
}

func (c *Conn) write(b []byte) error {
	c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.nc.Write(b)
	return err
}

// WriteClose sends a close frame once; later calls do nothing.
func (c *Conn) WriteClose(code uint16, reason string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closeSent {
		return nil
	}
	c.closeSent = true
	return c.write(EncodeFrame(OpClose, EncodeClose(code, reason)))
}

// CloseWith sends a close frame and closes the connection.
func (c *Conn) CloseWith(code uint16, reason string) error {
	werr := c.WriteClose(code, reason)
	if err := c.nc.Close(); err != nil {
		return err
	}
	return werr
}

// Close closes the underlying connection without a close frame.
func (c *Conn) Close() error {
	return c.nc.Close()
}
