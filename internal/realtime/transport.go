package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	ws "github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dukerupert/driverlink/internal/apperr"
)

const readLimit = 1 << 20

// ErrRejected means the server refused the credential during the handshake.
var ErrRejected = errors.New("credential rejected")

// Conn is one established channel.
type Conn interface {
	Read(ctx context.Context) (Envelope, error)
	Write(ctx context.Context, env Envelope) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a channel authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// WebsocketDialer dials the live channel over WebSocket. The token is sent
// both as the "token" query parameter and as a bearer header.
type WebsocketDialer struct {
	URL        string
	HTTPClient *http.Client
}

func (d *WebsocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, apperr.New(apperr.ErrConnection, "parse live channel url", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	c, resp, err := ws.Dial(ctx, u.String(), &ws.DialOptions{
		HTTPHeader: header,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			err = fmt.Errorf("%w (status %d)", ErrRejected, resp.StatusCode)
		}
		return nil, apperr.New(apperr.ErrConnection, "dial live channel", err)
	}
	c.SetReadLimit(readLimit)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *ws.Conn
}

func (w *wsConn) Read(ctx context.Context) (Envelope, error) {
	var env Envelope
	err := wsjson.Read(ctx, w.c, &env)
	return env, err
}

func (w *wsConn) Write(ctx context.Context, env Envelope) error {
	return wsjson.Write(ctx, w.c, env)
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}

func (w *wsConn) Close() error {
	return w.c.Close(ws.StatusNormalClosure, "")
}
