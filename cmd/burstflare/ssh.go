package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"burstflare/internal/flare"
)

// attachOptions name the session and tunnel a client attaches to.
type attachOptions struct {
	Server    string
	Token     string
	SessionID string
	Kind      string // "ssh" or "terminal"
}

// makeRaw puts f into raw mode when it is a terminal.
func makeRaw(f *os.File) (func(), error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("entering raw mode: %w", err)
	}
	return func() { term.Restore(fd, state) }, nil
}

// issueRuntimeToken trades the access token for a session-scoped runtime token.
func issueRuntimeToken(ctx context.Context, opts attachOptions) (*flare.RuntimeToken, error) {
	endpoint := strings.TrimRight(opts.Server, "/") + "/v1/sessions/" + url.PathEscape(opts.SessionID) + "/runtime-token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+opts.Token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting runtime token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "" {
			body.Error = resp.Status
		}
		return nil, fmt.Errorf("requesting runtime token: %s", body.Error)
	}
	var rt flare.RuntimeToken
	if err := json.NewDecoder(resp.Body).Decode(&rt); err != nil {
		return nil, fmt.Errorf("decoding runtime token: %w", err)
	}
	return &rt, nil
}

// tunnelURL builds the websocket address of a runtime tunnel.
func tunnelURL(server, sessionID, kind, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path += "/runtime/sessions/" + url.PathEscape(sessionID) + "/" + kind
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// attach copies in to the tunnel and the tunnel to out until the server
// closes the connection or ctx ends. End of input sends a normal close.
func attach(ctx context.Context, opts attachOptions, in io.Reader, out io.Writer) error {
	rt, err := issueRuntimeToken(ctx, opts)
	if err != nil {
		return err
	}
	addr, err := tunnelURL(opts.Server, opts.SessionID, opts.Kind, rt.Token)
	if err != nil {
		return err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("opening %s tunnel: %s", opts.Kind, resp.Status)
		}
		return fmt.Errorf("opening %s tunnel: %w", opts.Kind, err)
	}
	defer conn.Close()

	done := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
					done <- nil
				} else {
					done <- fmt.Errorf("tunnel closed: %w", err)
				}
				return
			}
			if _, err := out.Write(data); err != nil {
				done <- err
				return
			}
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
