package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RemoteAccount represents a cached federated actor
type RemoteAccount struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	InboxURI       string
	SharedInboxURI string
	OutboxURI      string
	PublicKeyPem   string
	LastFetchedAt  time.Time
}

// Handle returns the remote actor's nick@domain.
func (ra *RemoteAccount) Handle() Handle {
	return Handle(ra.Username + "@" + ra.Domain)
}

// DeliveryInbox prefers the shared inbox when the remote server offers one.
func (ra *RemoteAccount) DeliveryInbox(shared bool) string {
	if shared && ra.SharedInboxURI != "" {
		return ra.SharedInboxURI
	}
	return ra.InboxURI
}

// Resolver turns an actor URL into its inbox, id and public key.
type Resolver interface {
	Resolve(ctx context.Context, actorURI string) (*RemoteAccount, error)
}

// Activity is a logged inbound activity, used for de-duplication.
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	CreatedAt    time.Time
}

// DeliveryTask is one outbound POST of a signed activity to one inbox.
type DeliveryTask struct {
	Id           uuid.UUID
	Sender       string // local nickname whose key signs the request
	InboxURI     string
	ActivityJSON []byte
	CreatedAt    time.Time
}
