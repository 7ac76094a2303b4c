package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukerupert/driverlink/internal/logging"
	"github.com/dukerupert/driverlink/internal/realtime"
)

type fakeCache struct {
	calls   int32
	release chan struct{}
	started chan struct{}
	err     error
}

func (f *fakeCache) Fetch(context.Context) error {
	atomic.AddInt32(&f.calls, 1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return f.err
}

func TestSingleTriggerFetchesOnce(t *testing.T) {
	fc := &fakeCache{}
	d := New(fc, logging.Discard(), nil)

	d.Handle(realtime.NotificationTrigger{Kind: realtime.DeliveryCompleted})
	d.Wait()

	if got := atomic.LoadInt32(&fc.calls); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
}

func TestBurstDuringRefreshCoalesces(t *testing.T) {
	fc := &fakeCache{release: make(chan struct{}), started: make(chan struct{}, 4)}
	d := New(fc, logging.Discard(), nil)

	d.Handle(realtime.NotificationTrigger{Kind: realtime.DeliveryApproved})
	<-fc.started

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Handle(realtime.NotificationTrigger{Kind: realtime.PaymentReceived})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle blocked while a refresh was running")
	}

	fc.release <- struct{}{}
	<-fc.started
	fc.release <- struct{}{}
	d.Wait()

	if got := atomic.LoadInt32(&fc.calls); got != 2 {
		t.Errorf("fetches = %d, want 2 (running + one trailing)", got)
	}
}

func TestRefreshFailureIsNotFatal(t *testing.T) {
	fc := &fakeCache{err: errors.New("offline")}
	d := New(fc, logging.Discard(), nil)

	d.Handle(realtime.NotificationTrigger{Kind: realtime.DeliveryRejected})
	d.Wait()
	d.Handle(realtime.NotificationTrigger{Kind: realtime.DeliveryRejected})
	d.Wait()

	if got := atomic.LoadInt32(&fc.calls); got != 2 {
		t.Errorf("fetches = %d, want 2", got)
	}
}

func TestLocationAck(t *testing.T) {
	d := New(&fakeCache{}, logging.Discard(), nil)
	at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

	var seen time.Time
	d.OnAck(func(t time.Time) { seen = t })
	d.Handle(realtime.LocationAck{At: at})

	if !d.LastAck().Equal(at) || !seen.Equal(at) {
		t.Errorf("LastAck = %v, seen = %v, want %v", d.LastAck(), seen, at)
	}
}

func TestOtherEventsDoNotRefresh(t *testing.T) {
	fc := &fakeCache{}
	d := New(fc, logging.Discard(), nil)

	d.Handle(realtime.Handshake{Event: realtime.EventConnected})
	d.Handle(realtime.Unrecognized{Event: "chat-message"})
	d.Wait()

	if got := atomic.LoadInt32(&fc.calls); got != 0 {
		t.Errorf("fetches = %d, want 0", got)
	}
}
