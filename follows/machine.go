// Package follows runs the follow request lifecycle between a local
// account and remote actors:
//
//	None -> Requested -> Approved | Denied
//
// Accept and Reject replies are handed to a Deliverer, which signs them with
// the local account's key.
package follows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deemkeen/mastodont/domain"
	"github.com/deemkeen/mastodont/relations"
	"github.com/deemkeen/mastodont/vocab"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Deliverer sends a signed activity from a local account to an inbox.
type Deliverer interface {
	Deliver(ctx context.Context, sender string, activity map[string]any, inbox string) error
}

// State is where a requester stands with a local account.
type State int

const (
	None State = iota
	Requested
	Approved
	Denied
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case Approved:
		return "approved"
	case Denied:
		return "denied"
	default:
		return "none"
	}
}

// Outcome is what ReceiveFollow did with a Follow.
type Outcome int

const (
	Pending Outcome = iota
	Accepted
	Dropped
	AlreadyFollowing
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Dropped:
		return "dropped"
	case AlreadyFollowing:
		return "already following"
	default:
		return "pending"
	}
}

var ErrStateMismatch = errors.New("relationship state mismatch")

// Machine applies follow transitions to a relations.Store.
type Machine struct {
	store      *relations.Store
	resolver   domain.Resolver
	deliverer  Deliverer
	httpPrefix string
}

func NewMachine(store *relations.Store, resolver domain.Resolver, deliverer Deliverer, httpPrefix string) *Machine {
	if httpPrefix == "" {
		httpPrefix = "https"
	}
	return &Machine{store: store, resolver: resolver, deliverer: deliverer, httpPrefix: httpPrefix}
}

func (m *Machine) activityID(acc *domain.Account) string {
	return fmt.Sprintf("%s/activities/%s", acc.ActorURI(m.httpPrefix), uuid.New())
}

// requesterHandle derives the handle from the actor URL, asking the
// resolver when the URL has no recognisable nickname.
func (m *Machine) requesterHandle(ctx context.Context, actorURI string) (domain.Handle, error) {
	if h, err := domain.HandleFromActorURI(actorURI); err == nil {
		return h, nil
	}
	remote, err := m.resolver.Resolve(ctx, actorURI)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", actorURI, err)
	}
	return remote.Handle(), nil
}

// ApprovalRequired is false for requesters approved before, otherwise the
// account's manuallyApprovesFollowers flag.
func (m *Machine) ApprovalRequired(acc *domain.Account, requester domain.Handle) (bool, error) {
	approved, err := m.store.Contains(acc.Handle(), relations.Approved, string(requester))
	if err != nil {
		return false, err
	}
	if approved {
		return false, nil
	}
	return acc.ManuallyApprovesFollowers, nil
}

// ReceiveFollow handles an inbound Follow addressed to acc; a Follow of
// anyone else is dropped as malformed. Re-deliveries
// from existing followers succeed without change. A requester in the
// reject ledger is dropped once and leaves the ledger. Otherwise the
// request is stored, replacing any earlier one, and accepted straight away
// when no approval is needed.
func (m *Machine) ReceiveFollow(ctx context.Context, acc *domain.Account, raw []byte) (Outcome, error) {
	follow, err := vocab.Parse(raw)
	if err != nil {
		log.Debug().Err(err).Msg("follow: malformed")
		return Dropped, err
	}
	if follow.Type != vocab.Follow {
		return Dropped, fmt.Errorf("%w: expected Follow, got %s", vocab.ErrMalformed, follow.Type)
	}
	if self := acc.ActorURI(m.httpPrefix); follow.ObjectID != self {
		log.Debug().Str("object", follow.ObjectID).Str("account", self).Msg("follow: object is not the inbox owner")
		return Dropped, fmt.Errorf("%w: follow object %s is not %s", vocab.ErrMalformed, follow.ObjectID, self)
	}

	requester, err := m.requesterHandle(ctx, follow.Actor)
	if err != nil {
		return Dropped, err
	}
	local := acc.Handle()

	if already, err := m.store.HasFollower(local, requester); err != nil {
		return Dropped, err
	} else if already {
		return AlreadyFollowing, nil
	}

	if rejected, err := m.store.Remove(local, relations.FollowRejects, string(requester)); err != nil {
		return Dropped, err
	} else if rejected {
		log.Info().Str("account", local.String()).Str("requester", requester.String()).Msg("follow from rejected requester dropped")
		return Dropped, nil
	}

	if err := m.store.SavePendingRequest(local, requester, raw); err != nil {
		return Dropped, err
	}
	if _, err := m.store.Add(local, relations.FollowRequests, string(requester)); err != nil {
		return Dropped, err
	}

	required, err := m.ApprovalRequired(acc, requester)
	if err != nil {
		return Pending, err
	}
	if required {
		log.Info().Str("account", local.String()).Str("requester", requester.String()).Msg("follow request pending approval")
		return Pending, nil
	}
	if err := m.Approve(ctx, acc, requester); err != nil {
		return Pending, err
	}
	return Accepted, nil
}

// pending loads the stored Follow. A missing request is (nil, nil).
func (m *Machine) pending(local, requester domain.Handle) (map[string]any, error) {
	raw, err := m.store.LoadPendingRequest(local, requester)
	if errors.Is(err, relations.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var follow map[string]any
	if err := json.Unmarshal(raw, &follow); err != nil {
		return nil, fmt.Errorf("%w: stored follow request: %v", vocab.ErrMalformed, err)
	}
	return follow, nil
}

func (m *Machine) inboxOf(ctx context.Context, follow map[string]any) (string, error) {
	actor := vocab.ObjectID(follow["actor"])
	remote, err := m.resolver.Resolve(ctx, actor)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", actor, err)
	}
	if remote.InboxURI == "" {
		return "", fmt.Errorf("actor %s has no inbox", actor)
	}
	return remote.InboxURI, nil
}

// Approve accepts the pending request from requester. Without a pending
// request it does nothing. The followers list is committed only once the
// Accept is built; if the list does not hold the requester afterwards the
// request bookkeeping is kept and ErrStateMismatch returned, so the call
// can be retried.
func (m *Machine) Approve(ctx context.Context, acc *domain.Account, requester domain.Handle) error {
	local := acc.Handle()
	follow, err := m.pending(local, requester)
	if err != nil {
		return err
	}
	if follow == nil {
		log.Debug().Str("account", local.String()).Str("requester", requester.String()).Msg("approve: no pending request")
		return nil
	}

	inbox, err := m.inboxOf(ctx, follow)
	if err != nil {
		return err
	}
	accept := vocab.NewAccept(m.activityID(acc), acc.ActorURI(m.httpPrefix), follow)

	if _, err := m.store.Add(local, relations.Followers, string(requester)); err != nil {
		return fmt.Errorf("add follower: %w", err)
	}
	ok, err := m.store.HasFollower(local, requester)
	if err := followerCommitted(requester, ok, err); err != nil {
		return err
	}

	if _, err := m.store.Add(local, relations.Approved, string(requester)); err != nil {
		return fmt.Errorf("remember approval: %w", err)
	}
	if _, err := m.store.Remove(local, relations.FollowRequests, string(requester)); err != nil {
		return fmt.Errorf("clear request: %w", err)
	}
	if err := m.store.DeletePendingRequest(local, requester); err != nil {
		return err
	}

	log.Info().Str("account", local.String()).Str("follower", requester.String()).Msg("follow approved")
	return m.deliverer.Deliver(ctx, acc.Nickname, accept, inbox)
}

// followerCommitted checks the followers list read back after an Approve.
// A failed read is reported as is; only a list without requester is a
// state mismatch.
func followerCommitted(requester domain.Handle, ok bool, err error) error {
	if err != nil {
		return fmt.Errorf("confirm follower: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s not in followers after commit", ErrStateMismatch, requester)
	}
	return nil
}

// Deny rejects the pending request from requester. Without a pending
// request it does nothing.
func (m *Machine) Deny(ctx context.Context, acc *domain.Account, requester domain.Handle) error {
	local := acc.Handle()
	follow, err := m.pending(local, requester)
	if err != nil {
		return err
	}
	if follow == nil {
		log.Debug().Str("account", local.String()).Str("requester", requester.String()).Msg("deny: no pending request")
		return nil
	}

	inbox, err := m.inboxOf(ctx, follow)
	if err != nil {
		return err
	}

	if _, err := m.store.Add(local, relations.FollowRejects, string(requester)); err != nil {
		return fmt.Errorf("record rejection: %w", err)
	}
	if _, err := m.store.Remove(local, relations.FollowRequests, string(requester)); err != nil {
		return fmt.Errorf("clear request: %w", err)
	}
	reject := vocab.NewReject(m.activityID(acc), acc.ActorURI(m.httpPrefix), follow)
	if err := m.deliverer.Deliver(ctx, acc.Nickname, reject, inbox); err != nil {
		return err
	}
	log.Info().Str("account", local.String()).Str("requester", requester.String()).Msg("follow denied")
	return m.store.DeletePendingRequest(local, requester)
}

// UndoFollow drops target from acc's following. The remote side cleans up
// its followers when it receives the Undo.
func (m *Machine) UndoFollow(acc *domain.Account, target domain.Handle) error {
	return m.store.Unfollow(acc.Handle(), target)
}

// SentFollow notes that acc asked to follow target, so a later Accept is
// honoured even if target was unfollowed before.
func (m *Machine) SentFollow(acc *domain.Account, target domain.Handle) error {
	_, err := m.store.Remove(acc.Handle(), relations.Unfollowed, string(target))
	return err
}

// ReceiveAccept records that target accepted acc's Follow. Accepts for
// requests acc has since cancelled are ignored.
func (m *Machine) ReceiveAccept(acc *domain.Account, target domain.Handle) (bool, error) {
	local := acc.Handle()
	cancelled, err := m.store.Contains(local, relations.Unfollowed, string(target))
	if err != nil {
		return false, err
	}
	if cancelled {
		log.Debug().Str("account", local.String()).Str("target", target.String()).Msg("accept for cancelled follow ignored")
		return false, nil
	}
	if err := m.store.Follow(local, target); err != nil {
		return false, err
	}
	return true, nil
}

// ReceiveReject drops target from acc's following.
func (m *Machine) ReceiveReject(acc *domain.Account, target domain.Handle) error {
	_, err := m.store.Remove(acc.Handle(), relations.Following, string(target))
	return err
}

// ReceiveUndoFollow handles a remote requester leaving: it stops following
// and any request it still had pending is withdrawn.
func (m *Machine) ReceiveUndoFollow(acc *domain.Account, requester domain.Handle) error {
	local := acc.Handle()
	if _, err := m.store.Remove(local, relations.Followers, string(requester)); err != nil {
		return err
	}
	if _, err := m.store.Remove(local, relations.FollowRequests, string(requester)); err != nil {
		return err
	}
	return m.store.DeletePendingRequest(local, requester)
}

// State reports where requester stands with acc.
func (m *Machine) State(acc *domain.Account, requester domain.Handle) (State, error) {
	local := acc.Handle()
	checks := []struct {
		list  relations.List
		state State
	}{
		{relations.Followers, Approved},
		{relations.FollowRequests, Requested},
		{relations.FollowRejects, Denied},
	}
	for _, c := range checks {
		found, err := m.store.Contains(local, c.list, string(requester))
		if err != nil {
			return None, err
		}
		if found {
			return c.state, nil
		}
	}
	return None, nil
}
