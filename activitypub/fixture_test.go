package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/deemkeen/mastodont/blocks"
	"github.com/deemkeen/mastodont/db"
	"github.com/deemkeen/mastodont/domain"
	"github.com/deemkeen/mastodont/engagement"
	"github.com/deemkeen/mastodont/follows"
	"github.com/deemkeen/mastodont/relations"
	"github.com/deemkeen/mastodont/signing"
	"github.com/stretchr/testify/require"
)

const (
	carolURI = "https://remote.example/users/carol"
	daveURI  = "https://remote.example/users/dave"
	erinURI  = "https://other.example/users/erin"
)

var (
	keysOnce sync.Once
	keyPairs [2]*signing.KeyPair
)

// remoteKeys returns two key pairs shared by every test: the published key
// of the remote actors and an unrelated one.
func remoteKeys(t *testing.T) (published, rogue *signing.KeyPair) {
	t.Helper()
	keysOnce.Do(func() {
		for i := range keyPairs {
			kp, err := signing.GenerateKeyPair(2048)
			if err != nil {
				panic(err)
			}
			keyPairs[i] = kp
		}
	})
	return keyPairs[0], keyPairs[1]
}

// fakeNetwork stands in for remote servers: actors by URL and webfinger
// handles.
type fakeNetwork struct {
	mu        sync.Mutex
	actors    map[string]*domain.RemoteAccount
	handles   map[domain.Handle]string
	rotated   map[string]string
	refreshes int
}

func (n *fakeNetwork) add(actorURI, sharedInbox, pem string) {
	h, err := domain.HandleFromActorURI(actorURI)
	if err != nil {
		panic(err)
	}
	n.actors[actorURI] = &domain.RemoteAccount{
		Username:       h.Nickname(),
		Domain:         h.Domain(),
		ActorURI:       actorURI,
		InboxURI:       actorURI + "/inbox",
		SharedInboxURI: sharedInbox,
		PublicKeyPem:   pem,
	}
	n.handles[h] = actorURI
}

func (n *fakeNetwork) Resolve(_ context.Context, actorURI string) (*domain.RemoteAccount, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	remote, ok := n.actors[stripFragment(actorURI)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", actorURI, domain.ErrNotFound)
	}
	cp := *remote
	return &cp, nil
}

func (n *fakeNetwork) Finger(_ context.Context, h domain.Handle) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	actorURI, ok := n.handles[h.Plain()]
	if !ok {
		return "", fmt.Errorf("finger %s: %w", h, domain.ErrNotFound)
	}
	return actorURI, nil
}

func (n *fakeNetwork) PublicKey(ctx context.Context, keyID string, refresh bool) (*rsa.PublicKey, *domain.RemoteAccount, error) {
	actorURI := signing.ActorFromKeyID(keyID)
	if refresh {
		n.mu.Lock()
		n.refreshes++
		if pem, ok := n.rotated[actorURI]; ok {
			n.actors[actorURI].PublicKeyPem = pem
		}
		n.mu.Unlock()
	}
	remote, err := n.Resolve(ctx, actorURI)
	if err != nil {
		return nil, nil, err
	}
	pub, err := signing.ParsePublicKey(remote.PublicKeyPem)
	return pub, remote, err
}

type sent struct {
	sender   string
	inbox    string
	activity map[string]any
}

type recordingDeliverer struct {
	mu   sync.Mutex
	sent []sent
}

func (d *recordingDeliverer) Deliver(_ context.Context, sender string, activity map[string]any, inbox string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sent{sender: sender, inbox: inbox, activity: activity})
	return nil
}

func (d *recordingDeliverer) inboxes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, s := range d.sent {
		out = append(out, s.inbox)
	}
	return out
}

type fixture struct {
	db         *db.DB
	store      *relations.Store
	posts      *engagement.FilePostStore
	gate       *blocks.Gate
	network    *fakeNetwork
	deliverer  *recordingDeliverer
	inbox      *Inbox
	dispatcher *Dispatcher
	alice      *domain.Account
	bob        *domain.Account
}

// newFixture sets up alice and bob on home.example, carol and dave behind
// the shared inbox of remote.example and erin on other.example.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	published, _ := remoteKeys(t)

	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	alice, err := database.CreateAccount("alice", "home.example", 0, false)
	require.NoError(t, err)
	bob, err := database.CreateAccount("bob", "home.example", 0, false)
	require.NoError(t, err)

	network := &fakeNetwork{
		actors:  map[string]*domain.RemoteAccount{},
		handles: map[domain.Handle]string{},
		rotated: map[string]string{},
	}
	network.add(carolURI, "https://remote.example/inbox", published.Public)
	network.add(daveURI, "https://remote.example/inbox", published.Public)
	network.add(erinURI, "", published.Public)

	store := relations.NewStore(t.TempDir())
	posts := engagement.NewFilePostStore(store)
	gate := blocks.NewGate(store, nil, blocks.Options{InstanceDomain: "home.example"})
	deliverer := &recordingDeliverer{}

	s := &Services{
		Accounts:    database,
		Store:       store,
		Posts:       posts,
		Collections: engagement.NewCollections(posts),
		Gate:        gate,
		Follows:     follows.NewMachine(store, network, deliverer, "https"),
		Resolver:    network,
		Deliverer:   deliverer,
		HTTPPrefix:  "https",
		Domain:      "home.example",
		SharedInbox: true,
	}
	inbox := NewInbox(s, network, database)
	return &fixture{
		db:         database,
		store:      store,
		posts:      posts,
		gate:       gate,
		network:    network,
		deliverer:  deliverer,
		inbox:      inbox,
		dispatcher: NewDispatcher(s, inbox),
		alice:      alice,
		bob:        bob,
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// signedRequest builds an inbox POST signed the way a remote server would.
func signedRequest(t *testing.T, kp *signing.KeyPair, actorURI, path string, body []byte) *http.Request {
	t.Helper()
	key, err := signing.ParsePrivateKey(kp.Private)
	require.NoError(t, err)
	headers, err := signing.Sign(signing.Request{
		Method: http.MethodPost,
		Path:   path,
		Host:   "home.example",
		Body:   body,
	}, key, actorURI, signing.Options{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "https://home.example"+path, bytes.NewReader(body))
	for name, values := range headers {
		if name == "Host" {
			req.Host = values[0]
			continue
		}
		req.Header[name] = values
	}
	return req
}
