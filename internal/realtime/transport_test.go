package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dukerupert/driverlink/internal/apperr"
)

func TestWebsocketDialer(t *testing.T) {
	got := make(chan Envelope, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" || r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		c, err := ws.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.CloseNow()

		ctx := r.Context()
		wsjson.Write(ctx, c, Envelope{Event: EventConnected})
		var env Envelope
		if err := wsjson.Read(ctx, c, &env); err == nil {
			got <- env
		}
	}))
	defer srv.Close()

	d := &WebsocketDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, "tok")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	env, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Event != EventConnected {
		t.Errorf("event = %s, want connected", env.Event)
	}
	if err := conn.Write(ctx, Envelope{Event: EventRegister}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case env := <-got:
		if env.Event != EventRegister {
			t.Errorf("server got %s, want register", env.Event)
		}
	case <-ctx.Done():
		t.Fatal("server did not receive message")
	}
}

func TestWebsocketDialerRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := &WebsocketDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	_, err := d.Dial(context.Background(), "bad")
	if !errors.Is(err, ErrRejected) || !errors.Is(err, apperr.ErrConnection) {
		t.Errorf("expected rejected connection error, got %v", err)
	}
}
