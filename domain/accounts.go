package domain

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is a local actor. Keys are generated once at creation and never rotated.
type Account struct {
	Id                        uuid.UUID
	Nickname                  string
	Domain                    string
	Port                      int
	ManuallyApprovesFollowers bool
	WebPublicKey              string
	WebPrivateKey             string
	CreatedAt                 time.Time
}

// Handle returns the canonical nick@domain[:port] of the account.
func (acc *Account) Handle() Handle {
	return NewHandle(acc.Nickname, acc.Domain, acc.Port)
}

// DomainFull is the domain including a non-default port.
func (acc *Account) DomainFull() string {
	return domainWithPort(acc.Domain, acc.Port)
}

// ActorURI returns the account's actor id, e.g. https://example.com/users/alice
func (acc *Account) ActorURI(httpPrefix string) string {
	return fmt.Sprintf("%s://%s/users/%s", httpPrefix, acc.DomainFull(), acc.Nickname)
}

// KeyID returns the id of the account's signing key.
func (acc *Account) KeyID(httpPrefix string) string {
	return acc.ActorURI(httpPrefix) + "#main-key"
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tNickname: %s \n\tDomain: %s \n\tManual: %t \n\tCREATED_AT: %s)",
		acc.Id, acc.Nickname, acc.DomainFull(), acc.ManuallyApprovesFollowers, acc.CreatedAt)
}

var ErrNotFound = errors.New("not found")

// AccountStore looks up local accounts by nickname. Unknown nicknames yield
// ErrNotFound.
type AccountStore interface {
	ReadAccByNickname(nickname string) (*Account, error)
}

// KeyStore hands out the private signing key of a local account together
// with the actor id the key belongs to.
type KeyStore interface {
	SigningKey(nickname string) (*rsa.PrivateKey, string, error)
}
