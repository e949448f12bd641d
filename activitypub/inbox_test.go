package activitypub

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deemkeen/mastodont/domain"
	"github.com/deemkeen/mastodont/engagement"
	"github.com/deemkeen/mastodont/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func carolPost(id string, extra map[string]any) map[string]any {
	note := map[string]any{
		"id":           id,
		"type":         "Note",
		"attributedTo": carolURI,
		"content":      "hello from remote",
	}
	for k, v := range extra {
		note[k] = v
	}
	create := vocab.NewCreate(id+"/activity", carolURI, note)
	create["to"] = []any{vocab.Public}
	create["cc"] = []any{carolURI + "/followers"}
	return create
}

func TestReceiveSignedFollow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	published, _ := remoteKeys(t)

	body := mustJSON(t, vocab.NewFollow("https://remote.example/activities/1", carolURI, aliceURI))
	require.NoError(t, f.inbox.Receive(ctx, "alice", signedRequest(t, published, carolURI, "/users/alice/inbox", body), body))

	follower, err := f.store.HasFollower(f.alice.Handle(), "carol@remote.example")
	require.NoError(t, err)
	assert.True(t, follower)
	require.Equal(t, []string{carolURI + "/inbox"}, f.deliverer.inboxes())
	assert.Equal(t, "Accept", f.deliverer.sent[0].activity["type"])

	logged, err := f.db.ReadActivityByURI("https://remote.example/activities/1")
	require.NoError(t, err)
	assert.True(t, logged.Processed)

	// redelivery is acknowledged without a second Accept
	require.NoError(t, f.inbox.Receive(ctx, "alice", signedRequest(t, published, carolURI, "/users/alice/inbox", body), body))
	assert.Len(t, f.deliverer.sent, 1)
}

func TestReceiveRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, rogue := remoteKeys(t)

	body := mustJSON(t, vocab.NewFollow("https://remote.example/activities/2", carolURI, aliceURI))
	err := f.inbox.Receive(ctx, "alice", signedRequest(t, rogue, carolURI, "/users/alice/inbox", body), body)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 1, f.network.refreshes, "the key is fetched again once before giving up")

	unsigned := httptest.NewRequest(http.MethodPost, "https://home.example/users/alice/inbox", bytes.NewReader(body))
	err = f.inbox.Receive(ctx, "alice", unsigned, body)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.db.ReadActivityByURI("https://remote.example/activities/2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, f.deliverer.inboxes())
}

func TestReceiveAfterKeyRotation(t *testing.T) {
	f := newFixture(t)
	published, rogue := remoteKeys(t)
	f.network.actors[carolURI].PublicKeyPem = rogue.Public
	f.network.rotated[carolURI] = published.Public

	body := mustJSON(t, vocab.NewFollow("https://remote.example/activities/3", carolURI, aliceURI))
	err := f.inbox.Receive(context.Background(), "alice", signedRequest(t, published, carolURI, "/users/alice/inbox", body), body)
	require.NoError(t, err)
	assert.Equal(t, 1, f.network.refreshes)
}

func TestReceiveKeyFromAnotherHost(t *testing.T) {
	f := newFixture(t)
	published, _ := remoteKeys(t)

	body := mustJSON(t, vocab.NewFollow("https://remote.example/activities/4", carolURI, aliceURI))
	err := f.inbox.Receive(context.Background(), "alice", signedRequest(t, published, erinURI, "/users/alice/inbox", body), body)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestReceiveBlockedDomain(t *testing.T) {
	f := newFixture(t)
	published, _ := remoteKeys(t)
	actor := "https://gab.com/users/troll"

	body := mustJSON(t, vocab.NewFollow("https://gab.com/activities/1", actor, aliceURI))
	err := f.inbox.Receive(context.Background(), "alice", signedRequest(t, published, actor, "/users/alice/inbox", body), body)
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestReceiveUnknownAccount(t *testing.T) {
	f := newFixture(t)
	published, _ := remoteKeys(t)

	body := mustJSON(t, vocab.NewFollow("https://remote.example/activities/5", carolURI, "https://home.example/users/nobody"))
	err := f.inbox.Receive(context.Background(), "nobody", signedRequest(t, published, carolURI, "/users/nobody/inbox", body), body)
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestSharedInboxRoutesToFollowers(t *testing.T) {
	f := newFixture(t)
	published, _ := remoteKeys(t)
	require.NoError(t, f.store.Follow(f.alice.Handle(), "carol@remote.example"))

	postID := carolURI + "/statuses/7"
	body := mustJSON(t, carolPost(postID, nil))
	require.NoError(t, f.inbox.Receive(context.Background(), "", signedRequest(t, published, carolURI, "/inbox", body), body))

	assert.True(t, f.posts.Exists(f.alice.Handle(), engagement.Inbox, postID))
	assert.False(t, f.posts.Exists(f.bob.Handle(), engagement.Inbox, postID))
}

func TestCreateFromUnfollowedActorDropped(t *testing.T) {
	f := newFixture(t)
	published, _ := remoteKeys(t)

	postID := carolURI + "/statuses/8"
	body := mustJSON(t, carolPost(postID, nil))
	require.NoError(t, f.inbox.Receive(context.Background(), "bob", signedRequest(t, published, carolURI, "/users/bob/inbox", body), body))
	assert.False(t, f.posts.Exists(f.bob.Handle(), engagement.Inbox, postID))

	// a direct mention gets through
	direct := carolPost(carolURI+"/statuses/9", nil)
	direct["to"] = []any{"https://home.example/users/bob"}
	body = mustJSON(t, direct)
	require.NoError(t, f.inbox.Receive(context.Background(), "bob", signedRequest(t, published, carolURI, "/users/bob/inbox", body), body))
	assert.True(t, f.posts.Exists(f.bob.Handle(), engagement.Inbox, carolURI+"/statuses/9"))
}

func TestCreateWithBlockedHashtagDropped(t *testing.T) {
	f := newFixture(t)
	published, _ := remoteKeys(t)
	alice := f.alice.Handle()
	require.NoError(t, f.store.Follow(alice, "carol@remote.example"))
	require.NoError(t, f.gate.BlockHashtag(alice, "Spoilers"))

	postID := carolURI + "/statuses/10"
	body := mustJSON(t, carolPost(postID, map[string]any{
		"tag": []any{map[string]any{"type": "Hashtag", "name": "#spoilers"}},
	}))
	require.NoError(t, f.inbox.Receive(context.Background(), "alice", signedRequest(t, published, carolURI, "/users/alice/inbox", body), body))
	assert.False(t, f.posts.Exists(alice, engagement.Inbox, postID))
}

func TestReceiveLikeAndUndo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	published, _ := remoteKeys(t)
	alice := f.alice.Handle()
	postID := aliceURI + "/statuses/1"
	require.NoError(t, f.posts.Write(alice, engagement.Outbox, postID, map[string]any{
		"id": postID, "type": "Note", "attributedTo": aliceURI, "content": "like me",
	}))

	like := vocab.NewLike("https://remote.example/activities/like1", carolURI, postID, aliceURI)
	body := mustJSON(t, like)
	require.NoError(t, f.inbox.Receive(ctx, "alice", signedRequest(t, published, carolURI, "/users/alice/inbox", body), body))

	n, err := f.inbox.Collections.Count(alice, postID, engagement.Likes)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// dave cannot undo carol's like
	forged := vocab.NewUndo("https://remote.example/activities/undo0", daveURI, like)
	body = mustJSON(t, forged)
	err = f.inbox.Receive(ctx, "alice", signedRequest(t, published, daveURI, "/users/alice/inbox", body), body)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.db.ReadActivityByURI("https://remote.example/activities/undo0")
	assert.True(t, errors.Is(err, domain.ErrNotFound), "failed activities are forgotten so a retry is processed")

	undo := vocab.NewUndo("https://remote.example/activities/undo1", carolURI, like)
	body = mustJSON(t, undo)
	require.NoError(t, f.inbox.Receive(ctx, "alice", signedRequest(t, published, carolURI, "/users/alice/inbox", body), body))

	n, err = f.inbox.Collections.Count(alice, postID, engagement.Likes)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReceiveUndoByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	published, _ := remoteKeys(t)
	alice := f.alice.Handle()
	postID := aliceURI + "/statuses/2"
	require.NoError(t, f.posts.Write(alice, engagement.Outbox, postID, map[string]any{
		"id": postID, "type": "Note", "attributedTo": aliceURI,
	}))

	like := vocab.NewLike("https://remote.example/activities/like2", carolURI, postID, aliceURI)
	body := mustJSON(t, like)
	require.NoError(t, f.inbox.Receive(ctx, "alice", signedRequest(t, published, carolURI, "/users/alice/inbox", body), body))

	unknown := map[string]any{
		"id":     "https://remote.example/activities/undo-unknown",
		"type":   "Undo",
		"actor":  carolURI,
		"object": "https://remote.example/activities/never-sent",
	}
	body = mustJSON(t, unknown)
	err := f.inbox.Receive(ctx, "alice", signedRequest(t, published, carolURI, "/users/alice/inbox", body), body)
	assert.ErrorIs(t, err, vocab.ErrMalformed)

	forged := map[string]any{
		"id":     "https://remote.example/activities/undo-forged",
		"type":   "Undo",
		"actor":  daveURI,
		"object": like["id"],
	}
	body = mustJSON(t, forged)
	err = f.inbox.Receive(ctx, "alice", signedRequest(t, published, daveURI, "/users/alice/inbox", body), body)
	assert.ErrorIs(t, err, ErrUnauthorized)

	undo := map[string]any{
		"id":     "https://remote.example/activities/undo2",
		"type":   "Undo",
		"actor":  carolURI,
		"object": like["id"],
	}
	body = mustJSON(t, undo)
	require.NoError(t, f.inbox.Receive(ctx, "alice", signedRequest(t, published, carolURI, "/users/alice/inbox", body), body))

	n, err := f.inbox.Collections.Count(alice, postID, engagement.Likes)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReceiveBlockSevers(t *testing.T) {
	f := newFixture(t)
	published, _ := remoteKeys(t)
	alice := f.alice.Handle()
	require.NoError(t, f.store.Follow(alice, "carol@remote.example"))

	body := mustJSON(t, vocab.NewBlock("https://remote.example/activities/b1", carolURI, aliceURI))
	require.NoError(t, f.inbox.Receive(context.Background(), "alice", signedRequest(t, published, carolURI, "/users/alice/inbox", body), body))

	following, err := f.store.IsFollowing(alice, "carol@remote.example")
	require.NoError(t, err)
	assert.False(t, following)
}

func TestInboxSkipsBlockedSender(t *testing.T) {
	f := newFixture(t)
	published, _ := remoteKeys(t)
	require.NoError(t, f.gate.Block(f.alice.Handle(), "carol@remote.example"))

	body := mustJSON(t, vocab.NewFollow("https://remote.example/activities/6", carolURI, aliceURI))
	require.NoError(t, f.inbox.Receive(context.Background(), "alice", signedRequest(t, published, carolURI, "/users/alice/inbox", body), body))

	follower, _ := f.store.HasFollower(f.alice.Handle(), "carol@remote.example")
	assert.False(t, follower)
	assert.Empty(t, f.deliverer.inboxes())
}
