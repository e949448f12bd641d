package activitypub

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/deemkeen/mastodont/domain"
	"github.com/deemkeen/mastodont/engagement"
	"github.com/deemkeen/mastodont/relations"
	"github.com/deemkeen/mastodont/signing"
	"github.com/deemkeen/mastodont/vocab"
	"github.com/rs/zerolog/log"
)

// ActivityLog remembers inbound activities so redeliveries are handled
// once and an Undo can name what it reverses by id alone.
type ActivityLog interface {
	RecordActivity(activity *domain.Activity) (bool, error)
	ReadActivityByURI(uri string) (*domain.Activity, error)
	MarkActivityProcessed(uri string) error
	ForgetActivity(uri string) error
}

// KeyResolver finds the public key a signature names.
type KeyResolver interface {
	PublicKey(ctx context.Context, keyID string, refresh bool) (*rsa.PublicKey, *domain.RemoteAccount, error)
}

// Inbox accepts signed deliveries from remote servers.
type Inbox struct {
	*Services
	keys   KeyResolver
	log    ActivityLog
	routes map[vocab.Type]route
	Verify signing.VerifyOptions
}

func NewInbox(s *Services, keys KeyResolver, activityLog ActivityLog) *Inbox {
	in := &Inbox{Services: s, keys: keys, log: activityLog}
	in.routes = map[vocab.Type]route{
		vocab.Follow:   in.onFollow,
		vocab.Accept:   in.onAccept,
		vocab.Reject:   in.onReject,
		vocab.Undo:     in.onUndo,
		vocab.Like:     in.onEngagement,
		vocab.Announce: in.onEngagement,
		vocab.Ignore:   in.onEngagement,
		vocab.Block:    in.onBlock,
		vocab.Create:   in.onCreate,
	}
	return in
}

func sameHost(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	return errA == nil && errB == nil && ua.Host != "" && ua.Host == ub.Host
}

// authenticate checks the request signature against the signer's published
// key, fetching the key again once in case it was rotated.
func (in *Inbox) authenticate(ctx context.Context, r *http.Request, body []byte, a *vocab.Activity) error {
	keyID := signing.KeyID(r.Header)
	if keyID == "" {
		return fmt.Errorf("%w: missing signature", ErrUnauthorized)
	}
	if !sameHost(signing.ActorFromKeyID(keyID), a.Actor) {
		return fmt.Errorf("%w: key %s cannot speak for %s", ErrUnauthorized, keyID, a.Actor)
	}

	for _, refresh := range []bool{false, true} {
		pub, _, err := in.keys.PublicKey(ctx, keyID, refresh)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		if signing.VerifyRequest(r, body, pub, in.Verify) {
			return nil
		}
	}
	return fmt.Errorf("%w: bad signature from %s", ErrUnauthorized, keyID)
}

// Receive handles a POST to the inbox of nickname, or to the shared inbox
// when nickname is empty. Redelivered activities succeed without effect.
func (in *Inbox) Receive(ctx context.Context, nickname string, r *http.Request, body []byte) error {
	activity, err := vocab.Parse(body)
	if err != nil {
		log.Debug().Err(err).Msg("inbox: malformed activity")
		return err
	}
	if u, err := url.Parse(activity.Actor); err != nil || in.Gate.IsBlockedDomain(u.Hostname()) {
		log.Debug().Str("actor", activity.Actor).Msg("inbox: blocked domain")
		return fmt.Errorf("%w: %s", ErrBlocked, activity.Actor)
	}

	var recipients []*domain.Account
	if nickname != "" {
		acc, err := in.account(nickname)
		if err != nil {
			return err
		}
		recipients = []*domain.Account{acc}
	}

	if err := in.authenticate(ctx, r, body, activity); err != nil {
		log.Debug().Err(err).Str("actor", activity.Actor).Msg("inbox: signature rejected")
		return err
	}

	if activity.ID != "" {
		fresh, err := in.log.RecordActivity(&domain.Activity{
			ActivityURI:  activity.ID,
			ActivityType: string(activity.Type),
			ActorURI:     activity.Actor,
			ObjectURI:    activity.ObjectID,
			RawJSON:      string(body),
		})
		if err != nil {
			return fmt.Errorf("log activity: %w", err)
		}
		if !fresh {
			log.Debug().Str("id", activity.ID).Msg("inbox: duplicate delivery")
			return nil
		}
	}

	if nickname == "" {
		if recipients, err = in.localRecipients(ctx, activity); err != nil {
			return err
		}
	}

	var errs []error
	for _, acc := range recipients {
		if err := in.Accept(ctx, acc, activity); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", acc.Nickname, err))
		}
	}
	err = errors.Join(errs...)

	if activity.ID != "" {
		if err != nil {
			// let the sender's redelivery try again
			if ferr := in.log.ForgetActivity(activity.ID); ferr != nil {
				log.Error().Err(ferr).Str("id", activity.ID).Msg("inbox: failed to forget activity")
			}
		} else if merr := in.log.MarkActivityProcessed(activity.ID); merr != nil {
			log.Warn().Err(merr).Str("id", activity.ID).Msg("inbox: failed to mark processed")
		}
	}
	return err
}

// Accept applies an authenticated activity to one local account.
func (in *Inbox) Accept(ctx context.Context, acc *domain.Account, a *vocab.Activity) error {
	sender, err := in.handleOf(ctx, a.Actor)
	if err != nil {
		return err
	}
	if in.Gate.IsBlocked(acc.Handle(), sender) {
		log.Debug().Str("account", acc.Handle().String()).Str("sender", sender.String()).Msg("inbox: sender blocked")
		return nil
	}
	route, ok := in.routes[a.Type]
	if !ok {
		return fmt.Errorf("%w: %s", vocab.ErrUnsupported, a.Type)
	}
	log.Debug().Str("account", acc.Handle().String()).Str("type", string(a.Type)).Str("actor", a.Actor).Msg("inbox: received")
	_, err = route(ctx, acc, a)
	return err
}

// localRecipients finds the accounts a shared inbox delivery concerns: the
// ones addressed or named as object, and for posts also the local
// followers of the sender.
func (in *Inbox) localRecipients(ctx context.Context, a *vocab.Activity) ([]*domain.Account, error) {
	seen := map[string]bool{}
	var out []*domain.Account
	add := func(nickname string) {
		if seen[nickname] {
			return
		}
		seen[nickname] = true
		acc, err := in.account(nickname)
		if err != nil {
			return
		}
		out = append(out, acc)
	}

	for _, r := range append(a.Recipients(), a.ObjectID) {
		if !in.isLocal(r) {
			continue
		}
		if h, err := domain.HandleFromActorURI(r); err == nil {
			add(h.Nickname())
		}
	}

	if a.Type == vocab.Create || a.Type == vocab.Announce {
		sender, err := in.handleOf(ctx, a.Actor)
		if err != nil {
			return nil, err
		}
		accounts, err := in.Store.Accounts()
		if err != nil {
			return nil, err
		}
		for _, h := range accounts {
			if following, _ := in.Store.IsFollowing(h, sender); following {
				add(h.Nickname())
			}
		}
	}
	return out, nil
}

func (in *Inbox) onFollow(ctx context.Context, acc *domain.Account, a *vocab.Activity) (bool, error) {
	if a.ObjectID != acc.ActorURI(in.HTTPPrefix) {
		log.Debug().Str("object", a.ObjectID).Msg("inbox: follow for someone else")
		return false, nil
	}
	raw, err := a.JSON()
	if err != nil {
		return false, err
	}
	outcome, err := in.Follows.ReceiveFollow(ctx, acc, raw)
	if err != nil {
		return false, err
	}
	log.Info().Str("account", acc.Handle().String()).Str("actor", a.Actor).Str("outcome", outcome.String()).Msg("inbox: follow")
	return false, nil
}

func (in *Inbox) onAccept(ctx context.Context, acc *domain.Account, a *vocab.Activity) (bool, error) {
	target, err := in.handleOf(ctx, a.Actor)
	if err != nil {
		return false, err
	}
	_, err = in.Follows.ReceiveAccept(acc, target)
	return false, err
}

func (in *Inbox) onReject(ctx context.Context, acc *domain.Account, a *vocab.Activity) (bool, error) {
	target, err := in.handleOf(ctx, a.Actor)
	if err != nil {
		return false, err
	}
	return false, in.Follows.ReceiveReject(acc, target)
}

// undone returns the activity an Undo reverses: the embedded one, or the
// logged delivery its bare id names.
func (in *Inbox) undone(a *vocab.Activity) (*vocab.Activity, error) {
	if a.Object() != nil {
		return a.Inner()
	}
	logged, err := in.log.ReadActivityByURI(a.ObjectID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: undo of unknown activity %s", vocab.ErrMalformed, a.ObjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("read undone activity: %w", err)
	}
	inner, err := vocab.Parse([]byte(logged.RawJSON))
	if err != nil {
		return nil, err
	}
	switch inner.Type {
	case vocab.Follow, vocab.Like, vocab.Announce, vocab.Block, vocab.Ignore:
		return inner, nil
	}
	return nil, fmt.Errorf("%w: cannot undo %s", vocab.ErrUnsupported, inner.Type)
}

func (in *Inbox) onUndo(ctx context.Context, acc *domain.Account, a *vocab.Activity) (bool, error) {
	inner, err := in.undone(a)
	if err != nil {
		return false, err
	}
	if inner.Actor != a.Actor {
		return false, fmt.Errorf("%w: %s cannot undo an activity of %s", ErrUnauthorized, a.Actor, inner.Actor)
	}
	switch inner.Type {
	case vocab.Follow:
		sender, err := in.handleOf(ctx, a.Actor)
		if err != nil {
			return false, err
		}
		return false, in.Follows.ReceiveUndoFollow(acc, sender)
	case vocab.Block:
		log.Debug().Str("account", acc.Handle().String()).Str("actor", a.Actor).Msg("inbox: unblocked")
		return false, nil
	default:
		kind, _ := engagement.KindFor(inner.Type)
		_, err := in.Collections.Remove(acc.Handle(), inner.ObjectID, kind, a.Actor)
		return false, ignoreMissing(err)
	}
}

func (in *Inbox) onEngagement(_ context.Context, acc *domain.Account, a *vocab.Activity) (bool, error) {
	kind, _ := engagement.KindFor(a.Type)
	_, err := in.Collections.Add(acc.Handle(), a.ObjectID, kind, a.Actor)
	return false, ignoreMissing(err)
}

// onBlock drops the relationship both ways. The blocker's own server keeps
// the block itself.
func (in *Inbox) onBlock(ctx context.Context, acc *domain.Account, a *vocab.Activity) (bool, error) {
	sender, err := in.handleOf(ctx, a.Actor)
	if err != nil {
		return false, err
	}
	local := acc.Handle()
	if _, err := in.Store.Remove(local, relations.Followers, string(sender)); err != nil {
		return false, err
	}
	if _, err := in.Store.Remove(local, relations.Following, string(sender)); err != nil {
		return false, err
	}
	log.Info().Str("account", local.String()).Str("by", sender.String()).Msg("inbox: blocked by remote")
	return false, nil
}

// onCreate stores posts from followed or addressing actors, unless they
// carry a hashtag the account blocks.
func (in *Inbox) onCreate(ctx context.Context, acc *domain.Account, a *vocab.Activity) (bool, error) {
	local := acc.Handle()
	self := acc.ActorURI(in.HTTPPrefix)

	addressed := false
	for _, r := range a.Recipients() {
		if r == self {
			addressed = true
			break
		}
	}
	if !addressed {
		sender, err := in.handleOf(ctx, a.Actor)
		if err != nil {
			return false, err
		}
		following, err := in.Store.IsFollowing(local, sender)
		if err != nil {
			return false, err
		}
		if !following {
			log.Debug().Str("account", local.String()).Str("actor", a.Actor).Msg("inbox: post from unfollowed actor dropped")
			return false, nil
		}
	}

	for _, tag := range hashtags(a.Object()) {
		if in.Gate.IsBlockedHashtag(local, tag) {
			log.Debug().Str("account", local.String()).Str("tag", tag).Msg("inbox: post with blocked hashtag dropped")
			return false, nil
		}
	}
	return false, in.Posts.Write(local, engagement.Inbox, storageID(a), a.Raw)
}

// storageID names the file a stored activity lives in: posts by the id of
// the wrapped object, so engagement on the post finds it.
func storageID(a *vocab.Activity) string {
	if a.Type == vocab.Create && a.ObjectID != "" {
		return a.ObjectID
	}
	return a.ID
}
