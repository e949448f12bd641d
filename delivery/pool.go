// Package delivery signs and POSTs outbound activities through a bounded
// pool of units. Each unit carries its own cancel func; a reaper removes
// units that finished more than a grace period ago or ran past the absolute
// timeout, and admits queued tasks into the freed slots.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/deemkeen/mastodont/domain"
	"github.com/deemkeen/mastodont/signing"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCeiling      = 200
	DefaultGrace        = 10 * time.Second
	DefaultTimeout      = 5 * time.Minute
	DefaultReapInterval = 2 * time.Second
)

var ErrKilled = errors.New("delivery unit killed")

// Options tune a Pool. Zero values take the defaults above.
type Options struct {
	Ceiling      int
	Grace        time.Duration
	Timeout      time.Duration
	ReapInterval time.Duration
	Client       *http.Client
	Dialect      signing.Dialect
	Digest       signing.DigestAlgorithm
	UserAgent    string
	Now          func() time.Time
	Registerer   prometheus.Registerer
}

type unit struct {
	task     domain.DeliveryTask
	cancel   context.CancelFunc
	started  time.Time
	finished time.Time
	err      error
}

// Pool runs delivery units. Finished units stay in the live set until
// reaped, so the live set never exceeds the ceiling.
type Pool struct {
	keys    domain.KeyStore
	opts    Options
	metrics *metrics

	mu    sync.Mutex
	live  map[uuid.UUID]*unit
	queue []domain.DeliveryTask
	wg    sync.WaitGroup
}

func NewPool(keys domain.KeyStore, opts Options) *Pool {
	if opts.Ceiling <= 0 {
		opts.Ceiling = DefaultCeiling
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "mastodont/1.0 ActivityPub"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pool{
		keys:    keys,
		opts:    opts,
		metrics: newMetrics(opts.Registerer),
		live:    map[uuid.UUID]*unit{},
	}
}

// Submit starts the task when a slot is free, otherwise queues it.
func (p *Pool) Submit(task domain.DeliveryTask) uuid.UUID {
	if task.Id == uuid.Nil {
		task.Id = uuid.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = p.opts.Now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.live) < p.opts.Ceiling {
		p.startLocked(task)
	} else {
		p.queue = append(p.queue, task)
	}
	p.updateGaugesLocked()
	return task.Id
}

// Deliver encodes activity and submits it for sender to inbox.
func (p *Pool) Deliver(ctx context.Context, sender string, activity map[string]any, inbox string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("encode activity: %w", err)
	}
	id := p.Submit(domain.DeliveryTask{Sender: sender, InboxURI: inbox, ActivityJSON: body})
	log.Debug().Str("unit", id.String()).Str("inbox", inbox).Str("type", fmt.Sprint(activity["type"])).Msg("delivery submitted")
	return nil
}

func (p *Pool) startLocked(task domain.DeliveryTask) {
	ctx, cancel := context.WithCancel(context.Background())
	u := &unit{task: task, cancel: cancel, started: p.opts.Now()}
	p.live[task.Id] = u
	p.wg.Add(1)
	go p.run(ctx, u)
}

func (p *Pool) run(ctx context.Context, u *unit) {
	defer p.wg.Done()
	defer u.cancel()

	err := p.send(ctx, u.task)
	if err == nil && ctx.Err() != nil {
		err = ErrKilled
	}

	p.mu.Lock()
	u.finished = p.opts.Now()
	u.err = err
	elapsed := u.finished.Sub(u.started)
	p.mu.Unlock()

	p.metrics.duration.Observe(elapsed.Seconds())
	if err != nil {
		p.metrics.outcomes.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Str("inbox", u.task.InboxURI).Str("unit", u.task.Id.String()).Msg("delivery failed")
		return
	}
	p.metrics.outcomes.WithLabelValues("delivered").Inc()
	log.Debug().Str("inbox", u.task.InboxURI).Msg("delivered")
}

// send signs the task with the sender's key and POSTs it.
func (p *Pool) send(ctx context.Context, task domain.DeliveryTask) error {
	key, actorID, err := p.keys.SigningKey(task.Sender)
	if err != nil {
		return fmt.Errorf("signing key for %s: %w", task.Sender, err)
	}
	target, err := url.Parse(task.InboxURI)
	if err != nil || target.Host == "" {
		return fmt.Errorf("invalid inbox %q", task.InboxURI)
	}

	headers, err := signing.Sign(signing.Request{
		Method: http.MethodPost,
		Path:   target.RequestURI(),
		Host:   target.Host,
		Body:   task.ActivityJSON,
	}, key, actorID, signing.Options{Dialect: p.opts.Dialect, Digest: p.opts.Digest})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.InboxURI, bytes.NewReader(task.ActivityJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for name, values := range headers {
		if name == "Host" {
			req.Host = values[0]
			continue
		}
		req.Header[name] = values
	}
	req.Header.Set("User-Agent", p.opts.UserAgent)

	resp, err := p.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}
	return nil
}

// Reap removes dormant and overdue units, cancelling the overdue ones, then
// starts queued tasks while slots are free. It returns how many units were
// removed.
func (p *Pool) Reap() int {
	now := p.opts.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for id, u := range p.live {
		switch {
		case !u.finished.IsZero() && now.Sub(u.finished) > p.opts.Grace:
			delete(p.live, id)
			removed++
		case now.Sub(u.started) > p.opts.Timeout:
			if u.finished.IsZero() {
				u.cancel()
				p.metrics.killed.Inc()
				log.Warn().Str("inbox", u.task.InboxURI).Str("unit", id.String()).Msg("delivery unit timed out")
			}
			delete(p.live, id)
			removed++
		}
	}
	for len(p.live) < p.opts.Ceiling && len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.startLocked(next)
	}
	p.updateGaugesLocked()
	return removed
}

// Kill cancels a running unit. It is removed at the next reap.
func (p *Pool) Kill(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	u, ok := p.live[id]
	if !ok || !u.finished.IsZero() {
		return false
	}
	u.cancel()
	p.metrics.killed.Inc()
	return true
}

// Run reaps on a ticker until ctx is done, then cancels every unit and
// waits for them to return.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.ReapInterval)
	defer ticker.Stop()

	log.Info().Int("ceiling", p.opts.Ceiling).Msg("delivery pool started")
	for {
		select {
		case <-ctx.Done():
			p.Shutdown()
			return
		case <-ticker.C:
			p.Reap()
		}
	}
}

// Shutdown cancels all live units, drops the queue and waits.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	for _, u := range p.live {
		u.cancel()
	}
	if len(p.queue) > 0 {
		log.Warn().Int("dropped", len(p.queue)).Msg("delivery pool stopping with queued tasks")
	}
	p.queue = nil
	p.mu.Unlock()

	p.wg.Wait()
	log.Info().Msg("delivery pool stopped")
}

// Len is the size of the live set.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Queued is the number of tasks waiting for a slot.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pool) updateGaugesLocked() {
	p.metrics.live.Set(float64(len(p.live)))
	p.metrics.queued.Set(float64(len(p.queue)))
}
