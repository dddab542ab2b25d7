package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// Result describes how a bridged connection ended.
type Result struct {
	// Code is the close code sent to the client, or zero when the client
	// connection was already gone.
	Code   uint16
	Reason string
	// Err is the cause of an abnormal end; nil after a normal closure.
	Err error
	// BytesUp counts client bytes written upstream, BytesDown the reverse.
	BytesUp   int64
	BytesDown int64
}

type ending struct {
	code   uint16
	reason string
	err    error
}

func clientEnding(err error) ending {
	var ce *CloseError
	var pe *ProtocolError
	switch {
	case errors.As(err, &ce):
		return ending{code: ce.Code, reason: ce.Reason}
	case errors.As(err, &pe):
		return ending{code: pe.Code, reason: pe.Reason, err: err}
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return ending{}
	default:
		return ending{err: err}
	}
}

// Bridge copies bytes between the client connection and upstream until one
// side ends, then closes both. Upstream output travels as binary frames;
// text and binary frames from the client are written upstream verbatim.
func Bridge(ctx context.Context, c *Conn, upstream io.ReadWriteCloser) Result {
	var up, down atomic.Int64
	done := make(chan ending, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			f, err := c.ReadFrame()
			if err != nil {
				done <- clientEnding(err)
				return
			}
			if len(f.Payload) == 0 {
				continue
			}
			n, err := upstream.Write(f.Payload)
			up.Add(int64(n))
			if err != nil {
				done <- ending{code: CloseServiceError, reason: "upstream write failed", err: err}
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, err := upstream.Read(buf)
			if n > 0 {
				if werr := c.WriteFrame(OpBinary, buf[:n]); werr != nil {
					done <- ending{err: werr}
					return
				}
				down.Add(int64(n))
			}
			switch {
			case err == nil:
			case errors.Is(err, io.EOF):
				done <- ending{code: CloseNormal, reason: "upstream closed"}
				return
			default:
				done <- ending{code: CloseServiceError, reason: "upstream error", err: err}
				return
			}
		}
	}()

	var end ending
	select {
	case end = <-done:
	case <-ctx.Done():
		end = ending{code: CloseGoingAway, reason: "server shutting down", err: ctx.Err()}
	}

	res := Result{Err: end.err}
	if end.code != 0 {
		if err := c.WriteClose(end.code, end.reason); err == nil {
			res.Code, res.Reason = end.code, end.reason
		}
	}
	upstream.Close()
	c.Close()
	wg.Wait()

	res.BytesUp, res.BytesDown = up.Load(), down.Load()
	return res
}
