package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

func testParams(t *testing.T, srv *httptest.Server, path string) Params {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	host, port := u.Hostname(), u.Port()
	return Params{Method: http.MethodGet, Host: host, Port: port, Scheme: "http", Path: path}
}

func TestRequestSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(VerifyFull)
	resp, err := c.Request(testParams(t, srv, "/"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Fatalf("body = %s", resp.Body)
	}
}

func TestRequestUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(VerifyFull)
	_, err := c.Request(testParams(t, srv, "/"))
	var httpErr *Error
	if !errors.As(err, &httpErr) || httpErr.Kind != KindUnauthorized {
		t.Fatalf("err = %v, want KindUnauthorized", err)
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("errors.Is(err, ErrUnauthorized) = false")
	}
}

func TestRequestServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(VerifyFull)
	_, err := c.Request(testParams(t, srv, "/"))
	if !errors.Is(err, ErrNetworkTransient) {
		t.Fatalf("err = %v, want ErrNetworkTransient", err)
	}
}

func TestRequestClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(VerifyFull)
	_, err := c.Request(testParams(t, srv, "/"))
	if !errors.Is(err, ErrNetworkPermanent) {
		t.Fatalf("err = %v, want ErrNetworkPermanent", err)
	}
}

func TestRequestBadURLFailsConstruction(t *testing.T) {
	c := New(VerifyFull)
	_, err := c.Request(Params{Method: http.MethodGet, Host: "", Path: "/x"})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
}

func TestCoLongPollDeliversBatchesUntilUnauthorized(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n >= 3 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := New(VerifyFull)

	var batches, unauthorized int32
	running := true
	err := c.CoLongPoll(context.Background(), testParams(t, srv, "/commands"), LongPollOptions{
		RetryInterval:  10 * time.Millisecond,
		ShouldContinue: func() bool { return running },
		OnBatch: func(Response) error {
			atomic.AddInt32(&batches, 1)
			return nil
		},
		OnUnauthorized: func() {
			atomic.AddInt32(&unauthorized, 1)
			running = false
		},
	})
	if err != nil {
		t.Fatalf("CoLongPoll: %v", err)
	}
	if batches != 2 {
		t.Fatalf("batches = %d, want 2", batches)
	}
	if unauthorized != 1 {
		t.Fatalf("unauthorized callbacks = %d, want 1", unauthorized)
	}
}

func TestCoLongPollRetriesTransportFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(VerifyFull)
	done := make(chan struct{})
	err := c.CoLongPoll(context.Background(), testParams(t, srv, "/commands"), LongPollOptions{
		RetryInterval:  5 * time.Millisecond,
		ShouldContinue: func() bool { return true },
		OnUnauthorized: func() { close(done) },
	})
	if err != nil {
		t.Fatalf("CoLongPoll: %v", err)
	}
	select {
	case <-done:
	default:
		t.Fatal("OnUnauthorized was never called")
	}
	if calls < 3 {
		t.Fatalf("calls = %d, want >= 3 (retried through transient failures)", calls)
	}
}

func TestCoLongPollRespectsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(VerifyFull)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := c.CoLongPoll(ctx, testParams(t, srv, "/commands"), LongPollOptions{
		RetryInterval:  50 * time.Millisecond,
		ShouldContinue: func() bool { return true },
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
