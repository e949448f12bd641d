package delivery

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/mastodont/domain"
	"github.com/deemkeen/mastodont/signing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type staticKeys struct {
	key *rsa.PrivateKey
}

func (k staticKeys) SigningKey(nickname string) (*rsa.PrivateKey, string, error) {
	if nickname != "alice" {
		return nil, "", errors.New("no such account")
	}
	return k.key, "https://home.example/users/alice", nil
}

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func keys(t *testing.T) staticKeys {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		if testKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return staticKeys{key: testKey}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func accepted(*http.Request) (*http.Response, error) {
	return &http.Response{StatusCode: http.StatusAccepted, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func (p *Pool) finishedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, u := range p.live {
		if !u.finished.IsZero() {
			n++
		}
	}
	return n
}

func task(inbox string) domain.DeliveryTask {
	return domain.DeliveryTask{Sender: "alice", InboxURI: inbox, ActivityJSON: []byte(`{"type":"Like"}`)}
}

func TestCeilingAndReap(t *testing.T) {
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg := prometheus.NewRegistry()
	p := NewPool(keys(t), Options{
		Ceiling:    200,
		Grace:      5 * time.Second,
		Timeout:    time.Minute,
		Client:     &http.Client{Transport: roundTripFunc(accepted)},
		Now:        clk.Now,
		Registerer: reg,
	})
	defer p.Shutdown()

	for i := 0; i < 250; i++ {
		p.Submit(task("https://remote.example/inbox"))
		require.LessOrEqual(t, p.Len(), 200)
	}
	require.Equal(t, 200, p.Len())
	require.Equal(t, 50, p.Queued())
	require.Equal(t, float64(50), testutil.ToFloat64(p.metrics.queued))

	require.Eventually(t, func() bool { return p.finishedCount() == 200 }, 10*time.Second, 10*time.Millisecond)

	// finished but still inside the grace period
	require.Equal(t, 0, p.Reap())
	require.Equal(t, 200, p.Len())

	clk.Advance(6 * time.Second)
	require.Equal(t, 200, p.Reap())
	require.Equal(t, 50, p.Len(), "dormant units are gone and queued units started")
	require.Equal(t, 0, p.Queued())

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(p.metrics.outcomes.WithLabelValues("delivered")) == 250
	}, 10*time.Second, 10*time.Millisecond)
}

func TestReapKillsOverdueUnits(t *testing.T) {
	clk := &clock{now: time.Now()}
	started := make(chan struct{})
	cancelled := make(chan struct{})
	p := NewPool(keys(t), Options{
		Timeout: time.Minute,
		Now:     clk.Now,
		Client: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			close(started)
			<-r.Context().Done()
			close(cancelled)
			return nil, r.Context().Err()
		})},
		Registerer: prometheus.NewRegistry(),
	})
	defer p.Shutdown()

	p.Submit(task("https://slow.example/inbox"))
	<-started

	clk.Advance(30 * time.Second)
	require.Equal(t, 0, p.Reap())
	require.Equal(t, 1, p.Len())

	clk.Advance(31 * time.Second)
	require.Equal(t, 1, p.Reap())
	require.Equal(t, 0, p.Len())

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("overdue unit was not cancelled")
	}
	require.Equal(t, float64(1), testutil.ToFloat64(p.metrics.killed))
}

func TestKill(t *testing.T) {
	started := make(chan struct{})
	p := NewPool(keys(t), Options{
		Client: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			close(started)
			<-r.Context().Done()
			return nil, r.Context().Err()
		})},
	})
	defer p.Shutdown()

	id := p.Submit(task("https://slow.example/inbox"))
	<-started
	require.True(t, p.Kill(id))
	require.Eventually(t, func() bool { return p.finishedCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.False(t, p.Kill(id), "already finished")
	p.Shutdown()
	require.Equal(t, float64(1), testutil.ToFloat64(p.metrics.outcomes.WithLabelValues("failed")))
}

func TestDeliverSignsRequest(t *testing.T) {
	k := keys(t)
	received := make(chan bool, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ok := r.Method == http.MethodPost &&
			r.URL.Path == "/users/bob/inbox" &&
			r.Header.Get("Content-Type") == "application/activity+json" &&
			strings.HasPrefix(r.Header.Get("Digest"), "SHA-512=") &&
			signing.KeyID(r.Header) == "https://home.example/users/alice#main-key" &&
			signing.VerifyRequest(r, body, &k.key.PublicKey, signing.VerifyOptions{})
		received <- ok
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	for _, dialect := range []signing.Dialect{signing.Legacy, signing.Structured} {
		p := NewPool(k, Options{Dialect: dialect, Digest: signing.SHA512})
		activity := map[string]any{"type": "Follow", "actor": "https://home.example/users/alice", "object": "https://remote.example/users/bob"}
		require.NoError(t, p.Deliver(context.Background(), "alice", activity, srv.URL+"/users/bob/inbox"))

		select {
		case ok := <-received:
			require.True(t, ok, "dialect %d: request was not signed as expected", dialect)
		case <-time.After(5 * time.Second):
			t.Fatal("no request received")
		}
		p.Shutdown()
	}
}

func TestDeliveryFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewPool(keys(t), Options{})
	p.Submit(task(srv.URL + "/inbox"))
	unknown := task(srv.URL + "/inbox")
	unknown.Sender = "mallory"
	p.Submit(unknown)
	p.Submit(task("not a url"))

	require.Eventually(t, func() bool { return p.finishedCount() == 3 }, 5*time.Second, 10*time.Millisecond)
	p.Shutdown()
	require.Equal(t, float64(3), testutil.ToFloat64(p.metrics.outcomes.WithLabelValues("failed")))
	require.Equal(t, float64(0), testutil.ToFloat64(p.metrics.outcomes.WithLabelValues("delivered")))
}

func TestRunStopsOnCancel(t *testing.T) {
	p := NewPool(keys(t), Options{ReapInterval: 10 * time.Millisecond, Client: &http.Client{Transport: roundTripFunc(accepted)}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	p.Submit(task("https://remote.example/inbox"))
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	require.Equal(t, 0, p.Queued())
}

func TestDeliverCancelledContext(t *testing.T) {
	p := NewPool(keys(t), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Deliver(ctx, "alice", map[string]any{"type": "Like"}, "https://remote.example/inbox"), context.Canceled)
	require.Equal(t, 0, p.Len())
}
