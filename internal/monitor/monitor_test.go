package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestDisabledClientNeverCallsServer(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	c := New(srv.URL, false, nil)
	c.Register(context.Background(), "s1", PlanSummary{TaskCount: 1})
	c.Update(context.Background(), "s1", "t1", "running", Counters{Attempt: 1})
	c.Complete(context.Background(), "s1", nil)

	if hits != 0 {
		t.Errorf("expected 0 calls for disabled client, got %d", hits)
	}
}

func TestEnabledClientCallsServer(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, true, nil)
	c.Register(context.Background(), "s1", PlanSummary{TaskCount: 1})

	if hits != 1 {
		t.Errorf("expected 1 call, got %d", hits)
	}
}

func TestUpdateIsIdempotent(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, true, nil)
	for i := 0; i < 5; i++ {
		c.Update(context.Background(), "s1", "t1", "running", Counters{Attempt: 1})
	}
	if hits != 1 {
		t.Errorf("expected exactly 1 call for repeated identical updates, got %d", hits)
	}

	c.Update(context.Background(), "s1", "t1", "running", Counters{Attempt: 2})
	if hits != 2 {
		t.Errorf("expected a 2nd call for a different attempt, got %d", hits)
	}
}

func TestUnreachableServerDoesNotPanic(t *testing.T) {
	c := New("http://127.0.0.1:1", true, nil)
	c.Register(context.Background(), "s1", PlanSummary{}) // must not panic
}
