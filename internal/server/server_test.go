package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dukerupert/driverlink/internal/apperr"
	"github.com/dukerupert/driverlink/internal/lifecycle"
	"github.com/dukerupert/driverlink/internal/logging"
	"github.com/dukerupert/driverlink/internal/metrics"
	"github.com/dukerupert/driverlink/internal/notify"
	"github.com/dukerupert/driverlink/internal/realtime"
	ws "github.com/dukerupert/driverlink/internal/websocket"
)

type fakeController struct {
	status     lifecycle.Status
	loginErr   error
	trackErr   error
	email      string
	routeCalls []bool
	background bool
}

func (f *fakeController) Login(_ context.Context, email, _ string) error {
	f.email = email
	if f.loginErr == nil {
		f.status.LoggedIn = true
	}
	return f.loginErr
}

func (f *fakeController) Logout(context.Context) error {
	f.status = lifecycle.Status{Connection: realtime.StateDisconnected}
	return nil
}

func (f *fakeController) StartTracking(context.Context) error {
	if f.trackErr == nil {
		f.status.Tracking = true
	}
	return f.trackErr
}

func (f *fakeController) StopTracking() { f.status.Tracking = false }

func (f *fakeController) SetActiveRoute(_ context.Context, active bool) error {
	f.routeCalls = append(f.routeCalls, active)
	f.status.RouteActive = active
	return nil
}

func (f *fakeController) SetSharing(_ context.Context, enabled bool) error {
	f.status.SharingDisabled = !enabled
	return nil
}

func (f *fakeController) EnterBackground() { f.background = true }

func (f *fakeController) EnterForeground(context.Context) error {
	f.background = false
	return nil
}

func (f *fakeController) Status() lifecycle.Status { return f.status }

type fakeNotes struct {
	items   []notify.Notification
	markErr error
	fetched int
}

func (f *fakeNotes) Fetch(context.Context) error { f.fetched++; return nil }

func (f *fakeNotes) MarkRead(_ context.Context, id string) error {
	if f.markErr != nil {
		return f.markErr
	}
	for i := range f.items {
		if f.items[i].ID == id {
			f.items[i].IsRead = true
		}
	}
	return nil
}

func (f *fakeNotes) MarkAllRead(context.Context) error { return f.markErr }

func (f *fakeNotes) List() []notify.Notification { return f.items }

func (f *fakeNotes) UnreadCount() int {
	n := 0
	for _, it := range f.items {
		if !it.IsRead {
			n++
		}
	}
	return n
}

func setup(t *testing.T, cfg Config) (*httptest.Server, *fakeController, *fakeNotes) {
	t.Helper()
	logger := logging.Discard()
	reg := prometheus.NewRegistry()
	metrics.New(reg).ConnectionState("connected")

	ctrl := &fakeController{status: lifecycle.Status{Connection: realtime.StateConnected}}
	notes := &fakeNotes{items: []notify.Notification{{ID: "n1"}, {ID: "n2", IsRead: true}}}
	s := New(cfg, ctrl, notes, ws.NewHub(logger), reg, logger)

	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return ts, ctrl, notes
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestHealth(t *testing.T) {
	ts, _, _ := setup(t, Config{})
	resp, body := do(t, http.MethodGet, ts.URL+"/health", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"ok"`) {
		t.Errorf("health = %d %s", resp.StatusCode, body)
	}
}

func TestLoginReturnsStatus(t *testing.T) {
	ts, ctrl, _ := setup(t, Config{})

	resp, body := do(t, http.MethodPost, ts.URL+"/session/login", `{"email":"d@example.com","password":"pw"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d: %s", resp.StatusCode, body)
	}
	var st lifecycle.Status
	json.Unmarshal(body, &st)
	if !st.LoggedIn || ctrl.email != "d@example.com" {
		t.Errorf("status = %+v, email = %q", st, ctrl.email)
	}
}

func TestLoginValidation(t *testing.T) {
	ts, _, _ := setup(t, Config{})

	for _, body := range []string{`{"email":"x"}`, `not json`, `{"email":"a","password":"b","extra":1}`} {
		resp, _ := do(t, http.MethodPost, ts.URL+"/session/login", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestErrorMapping(t *testing.T) {
	timeout := apperr.New(apperr.ErrNetwork, "login", context.DeadlineExceeded)
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"auth", apperr.Status(apperr.ErrAuth, "login", 401), http.StatusUnauthorized},
		{"timeout", timeout, http.StatusGatewayTimeout},
		{"network", apperr.Status(apperr.ErrNetwork, "login", 503), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, ctrl, _ := setup(t, Config{})
			ctrl.loginErr = tt.err
			resp, _ := do(t, http.MethodPost, ts.URL+"/session/login", `{"email":"a","password":"b"}`)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestStartTrackingPermissionDenied(t *testing.T) {
	ts, ctrl, _ := setup(t, Config{})
	ctrl.trackErr = apperr.New(apperr.ErrPermission, "request foreground permission", nil)

	resp, body := do(t, http.MethodPost, ts.URL+"/tracking/start", "")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403: %s", resp.StatusCode, body)
	}
}

func TestRouteAndSharing(t *testing.T) {
	ts, ctrl, _ := setup(t, Config{})

	resp, _ := do(t, http.MethodPut, ts.URL+"/route/active", `{"active":true}`)
	if resp.StatusCode != http.StatusOK || len(ctrl.routeCalls) != 1 || !ctrl.routeCalls[0] {
		t.Errorf("route active: status %d, calls %v", resp.StatusCode, ctrl.routeCalls)
	}
	resp, body := do(t, http.MethodPut, ts.URL+"/sharing", `{"enabled":false}`)
	var st lifecycle.Status
	json.Unmarshal(body, &st)
	if resp.StatusCode != http.StatusOK || !st.SharingDisabled {
		t.Errorf("sharing: status %d, %+v", resp.StatusCode, st)
	}
}

func TestAppTransitions(t *testing.T) {
	ts, ctrl, _ := setup(t, Config{})

	do(t, http.MethodPost, ts.URL+"/app/background", "")
	if !ctrl.background {
		t.Error("expected background")
	}
	do(t, http.MethodPost, ts.URL+"/app/foreground", "")
	if ctrl.background {
		t.Error("expected foreground")
	}
}

func TestNotifications(t *testing.T) {
	ts, _, notes := setup(t, Config{})

	resp, body := do(t, http.MethodPost, ts.URL+"/notifications/n1/read", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark read = %d", resp.StatusCode)
	}
	var got notificationsResponse
	json.Unmarshal(body, &got)
	if got.UnreadCount != 0 || len(got.Notifications) != 2 {
		t.Errorf("response = %+v", got)
	}

	do(t, http.MethodPost, ts.URL+"/notifications/refresh", "")
	if notes.fetched != 1 {
		t.Errorf("fetched = %d, want 1", notes.fetched)
	}

	notes.markErr = apperr.Network("mark all read", errors.New("connection refused"))
	resp, _ = do(t, http.MethodPost, ts.URL+"/notifications/read-all", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("read-all failure = %d, want 502", resp.StatusCode)
	}
}

func TestControlToken(t *testing.T) {
	ts, _, _ := setup(t, Config{Token: "s3cret"})

	if resp, _ := do(t, http.MethodGet, ts.URL+"/status", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, ts.URL+"/health", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("health should stay public, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status with token = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _ := setup(t, Config{})
	resp, body := do(t, http.MethodGet, ts.URL+"/metrics", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "driverlink_connection_state") {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
}
