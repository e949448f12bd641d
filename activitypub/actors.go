package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/mastodont/domain"
	"github.com/deemkeen/mastodont/signing"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// ActorResponse is the part of an ActivityPub actor document we keep.
type ActorResponse struct {
	Context           any    `json:"@context"`
	ID                string `json:"id"`
	Type              string `json:"type"`
	PreferredUsername string `json:"preferredUsername"`
	Inbox             string `json:"inbox"`
	Outbox            string `json:"outbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// ErrActorGone marks an actor whose server answered 410 Gone.
var ErrActorGone = errors.New("actor gone")

// ActorCache persists fetched actors between runs.
type ActorCache interface {
	ReadRemoteAccountByURI(uri string) (*domain.RemoteAccount, error)
	UpsertRemoteAccount(acc *domain.RemoteAccount) error
	DeleteRemoteAccount(uri string) error
}

type ResolverOptions struct {
	Client    *http.Client
	TTL       time.Duration
	UserAgent string
	// Scheme used for webfinger lookups, https unless set.
	Scheme string
	Now    func() time.Time
}

// Resolver looks up remote actors, serving cached copies younger than the
// TTL. Concurrent lookups of one actor share a single fetch.
type Resolver struct {
	cache ActorCache
	opts  ResolverOptions
	group singleflight.Group
}

func NewResolver(cache ActorCache, opts ResolverOptions) *Resolver {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "mastodont/1.0 ActivityPub"
	}
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Resolver{cache: cache, opts: opts}
}

// stripFragment turns a key id like .../users/bob#main-key into the actor URL.
func stripFragment(uri string) string {
	if i := strings.IndexByte(uri, '#'); i >= 0 {
		return uri[:i]
	}
	return uri
}

// Resolve returns the actor at actorURI. A failed refresh falls back to a
// stale cached copy, unless the actor is gone.
func (r *Resolver) Resolve(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	actorURI = stripFragment(actorURI)
	cached, err := r.cache.ReadRemoteAccountByURI(actorURI)
	if err == nil && r.opts.Now().Sub(cached.LastFetchedAt) < r.opts.TTL {
		return cached, nil
	}

	fresh, err := r.Refresh(ctx, actorURI)
	if err != nil {
		if cached != nil && !errors.Is(err, ErrActorGone) {
			log.Warn().Err(err).Str("actor", actorURI).Msg("actor refresh failed, using cached copy")
			return cached, nil
		}
		return nil, err
	}
	return fresh, nil
}

// Refresh fetches actorURI regardless of the cache and stores the result.
func (r *Resolver) Refresh(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	actorURI = stripFragment(actorURI)
	ch := r.group.DoChan(actorURI, func() (any, error) {
		// shared by every waiter, so no single caller may cancel it
		return r.fetch(context.WithoutCancel(ctx), actorURI)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.RemoteAccount), nil
	}
}

// PublicKey resolves the key named by keyID. With refresh set the owner is
// fetched again first, for keys that may have been rotated.
func (r *Resolver) PublicKey(ctx context.Context, keyID string, refresh bool) (*rsa.PublicKey, *domain.RemoteAccount, error) {
	actorURI := signing.ActorFromKeyID(keyID)
	if actorURI == "" {
		return nil, nil, fmt.Errorf("%w: empty key id", ErrUnauthorized)
	}
	var (
		remote *domain.RemoteAccount
		err    error
	)
	if refresh {
		remote, err = r.Refresh(ctx, actorURI)
	} else {
		remote, err = r.Resolve(ctx, actorURI)
	}
	if err != nil {
		return nil, nil, err
	}
	pub, err := signing.ParsePublicKey(remote.PublicKeyPem)
	if err != nil {
		return nil, remote, fmt.Errorf("public key of %s: %w", actorURI, err)
	}
	return pub, remote, nil
}

func (r *Resolver) get(ctx context.Context, target, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", r.opts.UserAgent)

	resp, err := r.opts.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return nil, fmt.Errorf("%w: %s", ErrActorGone, target)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s failed with status: %d", target, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

func (r *Resolver) fetch(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	body, err := r.get(ctx, actorURI, "application/activity+json")
	if errors.Is(err, ErrActorGone) {
		if derr := r.cache.DeleteRemoteAccount(actorURI); derr != nil {
			log.Warn().Err(derr).Str("actor", actorURI).Msg("dropping cached actor")
		} else {
			log.Info().Str("actor", actorURI).Msg("actor gone, cached copy dropped")
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	var actor ActorResponse
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}
	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor %s missing required fields", actorURI)
	}

	parsed, err := url.Parse(actor.ID)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid actor id %q", actor.ID)
	}
	username := actor.PreferredUsername
	if username == "" {
		if h, err := domain.HandleFromActorURI(actor.ID); err == nil {
			username = h.Nickname()
		}
	}

	remote := &domain.RemoteAccount{
		Username:       username,
		Domain:         parsed.Host,
		ActorURI:       actor.ID,
		InboxURI:       actor.Inbox,
		SharedInboxURI: actor.Endpoints.SharedInbox,
		OutboxURI:      actor.Outbox,
		PublicKeyPem:   actor.PublicKey.PublicKeyPem,
		LastFetchedAt:  r.opts.Now(),
	}
	if err := r.cache.UpsertRemoteAccount(remote); err != nil {
		return nil, fmt.Errorf("failed to store remote account: %w", err)
	}
	log.Debug().Str("actor", actor.ID).Msg("actor fetched")
	return remote, nil
}

type webfingerResponse struct {
	Subject string `json:"subject"`
	Links   []struct {
		Rel  string `json:"rel"`
		Type string `json:"type"`
		Href string `json:"href"`
	} `json:"links"`
}

var errNoSelfLink = errors.New("webfinger: no activitypub self link")

// Finger looks up the actor URL of a handle through webfinger.
func (r *Resolver) Finger(ctx context.Context, h domain.Handle) (string, error) {
	plain := h.Plain()
	_, host, _ := strings.Cut(string(plain), "@")
	target := fmt.Sprintf("%s://%s/.well-known/webfinger?resource=%s", r.opts.Scheme, host, url.QueryEscape("acct:"+string(plain)))

	v, err, _ := r.group.Do("finger:"+string(plain), func() (any, error) {
		body, err := r.get(context.WithoutCancel(ctx), target, "application/jrd+json")
		if err != nil {
			return "", err
		}
		var wf webfingerResponse
		if err := json.Unmarshal(body, &wf); err != nil {
			return "", fmt.Errorf("failed to parse webfinger: %w", err)
		}
		for _, link := range wf.Links {
			if link.Rel == "self" && strings.Contains(link.Type, "activity+json") && link.Href != "" {
				return link.Href, nil
			}
		}
		return "", errNoSelfLink
	})
	if err != nil {
		return "", fmt.Errorf("finger %s: %w", plain, err)
	}
	return v.(string), nil
}
