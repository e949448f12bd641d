// Package activitypub routes activities between local accounts and the
// fediverse. Dispatcher handles client submissions to an outbox; Inbox
// handles signed deliveries from remote servers. Both route side effects
// through one table keyed by activity type.
package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/mastodont/blocks"
	"github.com/deemkeen/mastodont/domain"
	"github.com/deemkeen/mastodont/engagement"
	"github.com/deemkeen/mastodont/follows"
	"github.com/deemkeen/mastodont/relations"
	"github.com/deemkeen/mastodont/vocab"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrBlocked        = errors.New("blocked")
	ErrUnknownAccount = errors.New("unknown account")
)

// Deliverer sends a signed activity from a local account to an inbox.
type Deliverer interface {
	Deliver(ctx context.Context, sender string, activity map[string]any, inbox string) error
}

// ActorResolver resolves actor URLs, and handles through webfinger.
type ActorResolver interface {
	domain.Resolver
	Finger(ctx context.Context, h domain.Handle) (string, error)
}

// Services bundles what both directions of routing act on.
type Services struct {
	Accounts    domain.AccountStore
	Store       *relations.Store
	Posts       *engagement.FilePostStore
	Collections *engagement.Collections
	Gate        *blocks.Gate
	Follows     *follows.Machine
	Resolver    ActorResolver
	Deliverer   Deliverer
	HTTPPrefix  string
	// Domain of this instance, with a non-default port.
	Domain string
	// SharedInbox groups recipients on one server behind its shared inbox.
	SharedInbox bool
}

func (s *Services) account(nickname string) (*domain.Account, error) {
	acc, err := s.Accounts.ReadAccByNickname(strings.ToLower(nickname))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, nickname)
	}
	return acc, err
}

// isLocal reports whether actorURI is served by this instance.
func (s *Services) isLocal(actorURI string) bool {
	u, err := url.Parse(actorURI)
	return err == nil && strings.EqualFold(u.Host, s.Domain)
}

// handleOf names the actor at actorURI, asking the resolver for actors
// whose URL carries no recognisable nickname.
func (s *Services) handleOf(ctx context.Context, actorURI string) (domain.Handle, error) {
	if h, err := domain.HandleFromActorURI(actorURI); err == nil {
		return h, nil
	}
	remote, err := s.Resolver.Resolve(ctx, actorURI)
	if err != nil {
		return "", err
	}
	return remote.Handle(), nil
}

// route applies the local side effects of an activity for acc. done tells
// the dispatcher that the route already delivered the activity itself.
type route func(ctx context.Context, acc *domain.Account, a *vocab.Activity) (done bool, err error)

// Result describes where PostToOutbox sent an activity.
type Result struct {
	ID       string
	Activity map[string]any
	Inboxes  []string
	Local    []domain.Handle
	Dropped  []string
}

type Dispatcher struct {
	*Services
	inbox  *Inbox
	routes map[vocab.Type]route
	now    func() time.Time
}

// NewDispatcher builds the outbound side. inbox, when set, receives
// activities addressed to accounts on this instance.
func NewDispatcher(s *Services, inbox *Inbox) *Dispatcher {
	d := &Dispatcher{Services: s, inbox: inbox, now: time.Now}
	d.routes = map[vocab.Type]route{
		vocab.Follow:   d.sendFollow,
		vocab.Accept:   d.sendAccept,
		vocab.Reject:   d.sendReject,
		vocab.Undo:     d.sendUndo,
		vocab.Like:     d.sendEngagement,
		vocab.Announce: d.sendEngagement,
		vocab.Ignore:   d.sendIgnore,
		vocab.Block:    d.sendBlock,
		vocab.Create:   d.sendCreate,
	}
	return d
}

func (d *Dispatcher) newID(acc *domain.Account, kind string) string {
	return fmt.Sprintf("%s/%s/%s", acc.ActorURI(d.HTTPPrefix), kind, uuid.New())
}

// prepare decodes a client submission, wraps a bare Note or Article in a
// Create and fills in missing ids.
func (d *Dispatcher) prepare(acc *domain.Account, raw []byte) (*vocab.Activity, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", vocab.ErrMalformed, err)
	}
	actorURI := acc.ActorURI(d.HTTPPrefix)

	if vocab.Type(vocab.String(m, "type")).IsPost() {
		if vocab.String(m, "id") == "" {
			m["id"] = d.newID(acc, "statuses")
		}
		if vocab.String(m, "attributedTo") == "" {
			m["attributedTo"] = actorURI
		}
		if vocab.String(m, "published") == "" {
			m["published"] = d.now().UTC().Format(time.RFC3339)
		}
		m = vocab.NewCreate(vocab.String(m, "id")+"/activity", actorURI, m)
	}
	if _, ok := m["actor"]; !ok {
		m["actor"] = actorURI
	}
	if vocab.String(m, "id") == "" {
		m["id"] = d.newID(acc, "activities")
	}
	if _, ok := m["@context"]; !ok {
		m["@context"] = vocab.ContextURI
	}
	return vocab.FromMap(m)
}

// PostToOutbox publishes a client submitted activity for the account
// nickname: it validates, persists to the outbox before anything is
// scheduled, applies local side effects and hands one delivery per inbox to
// the Deliverer.
func (d *Dispatcher) PostToOutbox(ctx context.Context, nickname string, raw []byte) (*Result, error) {
	acc, err := d.account(nickname)
	if err != nil {
		return nil, err
	}
	activity, err := d.prepare(acc, raw)
	if err != nil {
		log.Debug().Err(err).Str("account", nickname).Msg("outbox: rejected submission")
		return nil, err
	}
	if activity.Actor != acc.ActorURI(d.HTTPPrefix) {
		return nil, fmt.Errorf("%w: actor %s cannot post to %s's outbox", ErrUnauthorized, activity.Actor, nickname)
	}
	local := acc.Handle()

	if target := d.explicitTarget(activity); target != "" {
		if blocked, err := d.targetBlocked(local, target); err != nil {
			return nil, err
		} else if blocked {
			return nil, fmt.Errorf("%w: %s", ErrBlocked, target)
		}
	}

	if err := d.persist(acc, activity); err != nil {
		return nil, err
	}

	route, ok := d.routes[activity.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", vocab.ErrUnsupported, activity.Type)
	}
	done, err := route(ctx, acc, activity)
	if err != nil {
		return nil, fmt.Errorf("%s side effects: %w", activity.Type, err)
	}
	res := &Result{ID: activity.ID, Activity: activity.Raw}
	if done {
		return res, nil
	}

	if err := d.deliver(ctx, acc, activity, res); err != nil {
		return res, err
	}
	log.Info().Str("account", local.String()).Str("type", string(activity.Type)).
		Int("inboxes", len(res.Inboxes)).Int("local", len(res.Local)).Msg("outbox: dispatched")
	return res, nil
}

// explicitTarget is the actor an activity is aimed at, for types where the
// object names one.
func (d *Dispatcher) explicitTarget(a *vocab.Activity) string {
	switch a.Type {
	case vocab.Follow, vocab.Like, vocab.Announce:
		return a.ObjectID
	}
	return ""
}

func (d *Dispatcher) targetBlocked(local domain.Handle, target string) (bool, error) {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return false, fmt.Errorf("%w: object %q", vocab.ErrMalformed, target)
	}
	if d.Gate.IsBlockedDomain(u.Hostname()) {
		return true, nil
	}
	if h, err := domain.HandleFromActorURI(target); err == nil {
		return d.Gate.IsBlocked(local, h), nil
	}
	return false, nil
}

func (d *Dispatcher) persist(acc *domain.Account, a *vocab.Activity) error {
	local := acc.Handle()
	if err := d.Posts.Write(local, engagement.Outbox, storageID(a), a.Raw); err != nil {
		return fmt.Errorf("persist to outbox: %w", err)
	}
	self := acc.ActorURI(d.HTTPPrefix)
	for _, r := range a.Recipients() {
		if r == self {
			return nil
		}
	}
	if err := d.Posts.Write(local, engagement.Inbox, storageID(a), a.Raw); err != nil {
		return fmt.Errorf("mirror to inbox: %w", err)
	}
	return nil
}

func (d *Dispatcher) sendFollow(ctx context.Context, acc *domain.Account, a *vocab.Activity) (bool, error) {
	target, err := d.handleOf(ctx, a.ObjectID)
	if err != nil {
		return false, err
	}
	return false, d.Follows.SentFollow(acc, target)
}

// follower is the requester named by an Accept or Reject of a Follow.
func (d *Dispatcher) follower(ctx context.Context, a *vocab.Activity) (domain.Handle, error) {
	inner, err := a.Inner()
	if err == nil && inner.Type == vocab.Follow {
		return d.handleOf(ctx, inner.Actor)
	}
	return d.handleOf(ctx, a.ObjectID)
}

// sendAccept approves through the follow machine, which sends its own
// Accept wrapping the stored Follow.
func (d *Dispatcher) sendAccept(ctx context.Context, acc *domain.Account, a *vocab.Activity) (bool, error) {
	requester, err := d.follower(ctx, a)
	if err != nil {
		return false, err
	}
	return true, d.Follows.Approve(ctx, acc, requester)
}

func (d *Dispatcher) sendReject(ctx context.Context, acc *domain.Account, a *vocab.Activity) (bool, error) {
	requester, err := d.follower(ctx, a)
	if err != nil {
		return false, err
	}
	return true, d.Follows.Deny(ctx, acc, requester)
}

func (d *Dispatcher) sendUndo(ctx context.Context, acc *domain.Account, a *vocab.Activity) (bool, error) {
	inner, err := a.Inner()
	if err != nil {
		return false, err
	}
	local := acc.Handle()
	switch inner.Type {
	case vocab.Follow:
		target, err := d.handleOf(ctx, inner.ObjectID)
		if err != nil {
			return false, err
		}
		return false, d.Follows.UndoFollow(acc, target)
	case vocab.Block:
		target, err := d.handleOf(ctx, inner.ObjectID)
		if err != nil {
			return false, err
		}
		return false, d.Gate.Unblock(local, target)
	case vocab.Ignore:
		return false, ignoreMissing(d.Collections.Unmute(local, inner.ObjectID, a.Actor))
	default:
		kind, _ := engagement.KindFor(inner.Type)
		_, err := d.Collections.Remove(local, inner.ObjectID, kind, a.Actor)
		return false, ignoreMissing(err)
	}
}

// ignoreMissing treats engagement with posts we hold no copy of as done.
func ignoreMissing(err error) error {
	if errors.Is(err, relations.ErrNotFound) {
		return nil
	}
	return err
}

func (d *Dispatcher) sendEngagement(_ context.Context, acc *domain.Account, a *vocab.Activity) (bool, error) {
	kind, _ := engagement.KindFor(a.Type)
	_, err := d.Collections.Add(acc.Handle(), a.ObjectID, kind, a.Actor)
	return false, ignoreMissing(err)
}

func (d *Dispatcher) sendIgnore(_ context.Context, acc *domain.Account, a *vocab.Activity) (bool, error) {
	return false, ignoreMissing(d.Collections.Mute(acc.Handle(), a.ObjectID, a.Actor))
}

func (d *Dispatcher) sendBlock(ctx context.Context, acc *domain.Account, a *vocab.Activity) (bool, error) {
	target, err := d.handleOf(ctx, a.ObjectID)
	if err != nil {
		return false, err
	}
	return false, d.Gate.Block(acc.Handle(), target)
}

func (d *Dispatcher) sendCreate(_ context.Context, acc *domain.Account, a *vocab.Activity) (bool, error) {
	for _, tag := range hashtags(a.Object()) {
		if d.Gate.IsBlockedHashtag(acc.Handle(), tag) {
			log.Debug().Str("account", acc.Handle().String()).Str("tag", tag).Msg("outbox: post uses a hashtag its author blocks")
		}
	}
	return false, nil
}

// hashtags lists the names of Hashtag entries in a post's tag array.
func hashtags(post map[string]any) []string {
	tags, _ := post["tag"].([]any)
	var names []string
	for _, t := range tags {
		tag, ok := t.(map[string]any)
		if !ok || vocab.String(tag, "type") != "Hashtag" {
			continue
		}
		if name := vocab.String(tag, "name"); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// expand turns to/cc into distinct actor URLs and handles. The sender's
// followers collection stands for every follower.
func (d *Dispatcher) expand(acc *domain.Account, a *vocab.Activity) ([]string, error) {
	self := acc.ActorURI(d.HTTPPrefix)
	followersURI := self + "/followers"

	seen := map[string]bool{self: true}
	var out []string
	add := func(r string) {
		if r == "" || seen[r] {
			return
		}
		seen[r] = true
		out = append(out, r)
	}

	targets := append(a.Recipients(), d.implicitTargets(acc, a)...)
	for _, r := range targets {
		switch {
		case r == vocab.Public || r == "Public" || r == "as:Public":
		case r == followersURI:
			followers, err := d.Store.List(acc.Handle(), relations.Followers).Load()
			if err != nil {
				return nil, fmt.Errorf("load followers: %w", err)
			}
			for _, f := range followers {
				add(f)
			}
		case strings.HasSuffix(r, "/followers"):
			// remote collections are delivered by their owner
		default:
			add(r)
		}
	}
	return out, nil
}

// implicitTargets names who an activity concerns even when to/cc omit
// them: the object of a Follow or Block, the author of a liked or shared
// post, and the same for the activity an Undo reverses.
func (d *Dispatcher) implicitTargets(acc *domain.Account, a *vocab.Activity) []string {
	switch a.Type {
	case vocab.Follow, vocab.Block:
		return []string{a.ObjectID}
	case vocab.Like, vocab.Announce:
		if author := d.authorOf(acc, a.ObjectID, a.Object()); author != "" {
			return []string{author}
		}
	case vocab.Undo:
		if inner, err := a.Inner(); err == nil {
			return d.implicitTargets(acc, inner)
		}
	}
	return nil
}

// authorOf finds who wrote postID: the attributedTo of the embedded or
// stored copy, else the handle its URL carries. Posts by acc yield "".
func (d *Dispatcher) authorOf(acc *domain.Account, postID string, embedded map[string]any) string {
	if by := vocab.ObjectID(embedded["attributedTo"]); by != "" {
		return by
	}
	if path, err := d.Posts.Find(acc.Handle(), postID); err == nil {
		if post, err := d.Posts.Load(path); err == nil {
			obj := post
			if inner, ok := post["object"].(map[string]any); ok && vocab.Type(vocab.String(post, "type")) == vocab.Create {
				obj = inner
			}
			if by := vocab.ObjectID(obj["attributedTo"]); by != "" {
				return by
			}
		}
	}
	h, err := domain.HandleFromActorURI(postID)
	if err != nil || h.Plain() == acc.Handle().Plain() {
		return ""
	}
	return string(h)
}

// recipient is a resolved delivery target.
type recipient struct {
	handle domain.Handle
	inbox  string
	local  bool
}

func (d *Dispatcher) resolveRecipient(ctx context.Context, entry string) (*recipient, error) {
	actorURI := entry
	if !strings.Contains(entry, "://") {
		h, err := domain.ParseHandle(entry)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(h.Plain().Domain(), strings.Split(d.Domain, ":")[0]) {
			return &recipient{handle: h.Plain(), local: true}, nil
		}
		if actorURI, err = d.Resolver.Finger(ctx, h); err != nil {
			return nil, err
		}
	}
	if d.isLocal(actorURI) {
		h, err := domain.HandleFromActorURI(actorURI)
		if err != nil {
			return nil, err
		}
		return &recipient{handle: h.Plain(), local: true}, nil
	}
	remote, err := d.Resolver.Resolve(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	return &recipient{handle: remote.Handle(), inbox: remote.DeliveryInbox(d.SharedInbox)}, nil
}

func (d *Dispatcher) deliver(ctx context.Context, acc *domain.Account, a *vocab.Activity, res *Result) error {
	local := acc.Handle()
	entries, err := d.expand(acc, a)
	if err != nil {
		return err
	}

	inboxes := map[string]bool{}
	for _, entry := range entries {
		r, err := d.resolveRecipient(ctx, entry)
		if err != nil {
			log.Warn().Err(err).Str("recipient", entry).Msg("outbox: cannot resolve recipient")
			res.Dropped = append(res.Dropped, entry)
			continue
		}
		// a Block still reaches the actor it blocks
		notice := a.Type == vocab.Block && entry == a.ObjectID
		if !notice && d.Gate.IsBlocked(local, r.handle) {
			log.Debug().Str("recipient", r.handle.String()).Msg("outbox: recipient blocked")
			res.Dropped = append(res.Dropped, entry)
			continue
		}
		if r.local {
			if err := d.deliverLocal(ctx, r.handle, a); err != nil {
				log.Error().Err(err).Str("recipient", r.handle.String()).Msg("outbox: local delivery failed")
				res.Dropped = append(res.Dropped, entry)
				continue
			}
			res.Local = append(res.Local, r.handle)
			continue
		}
		if inboxes[r.inbox] {
			continue
		}
		inboxes[r.inbox] = true
		res.Inboxes = append(res.Inboxes, r.inbox)
	}

	for _, inbox := range res.Inboxes {
		if err := d.Deliverer.Deliver(ctx, acc.Nickname, a.Raw, inbox); err != nil {
			return fmt.Errorf("submit delivery to %s: %w", inbox, err)
		}
	}
	return nil
}

// deliverLocal hands an activity to an account on this instance without a
// network round trip.
func (d *Dispatcher) deliverLocal(ctx context.Context, h domain.Handle, a *vocab.Activity) error {
	acc, err := d.account(h.Nickname())
	if err != nil {
		return err
	}
	if d.inbox != nil {
		return d.inbox.Accept(ctx, acc, a)
	}
	return d.Posts.Write(acc.Handle(), engagement.Inbox, storageID(a), a.Raw)
}
