package relations

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"codeberg.org/gruf/go-mutexes"
	"github.com/deemkeen/mastodont/domain"
	"github.com/natefinch/atomic"
	"github.com/rs/zerolog/log"
)

// List names a per-account relationship list.
type List string

const (
	Following        List = "following"
	Followers        List = "followers"
	FollowRequests   List = "followrequests"
	FollowRejects    List = "followrejects"
	Approved         List = "approved"
	Unfollowed       List = "unfollowed"
	Blocking         List = "blocking"
	AllowedInstances List = "allowedinstances"
)

// Store lays relationship lists out under <data>/accounts:
//
//	accounts/<nick@domain>/<list>.txt
//	accounts/<nick@domain>/requests/<handle>.follow
//	accounts/<name>.txt            instance-wide lists
type Store struct {
	root  string
	locks *mutexes.MutexMap
}

// NewStore returns a store rooted at dataDir/accounts.
func NewStore(dataDir string) *Store {
	return &Store{root: filepath.Join(dataDir, "accounts"), locks: &mutexes.MutexMap{}}
}

// Root is the accounts directory.
func (s *Store) Root() string { return s.root }

// AccountDir is the directory holding an account's lists.
func (s *Store) AccountDir(account domain.Handle) string {
	return filepath.Join(s.root, strings.ToLower(string(account.Plain())))
}

// HasAccount reports whether account has a list directory on this server.
func (s *Store) HasAccount(account domain.Handle) bool {
	info, err := os.Stat(s.AccountDir(account))
	return err == nil && info.IsDir()
}

// DeleteAccount removes an account's directory and everything in it.
func (s *Store) DeleteAccount(account domain.Handle) error {
	if err := os.RemoveAll(s.AccountDir(account)); err != nil {
		return fmt.Errorf("delete account dir: %w", err)
	}
	return nil
}

// List returns one of an account's lists.
func (s *Store) List(account domain.Handle, l List) *FileList {
	return NewFileList(filepath.Join(s.AccountDir(account), string(l)+".txt"), s.locks)
}

// InstanceList returns an instance-wide list such as "blocking" or "broch".
func (s *Store) InstanceList(name string) *FileList {
	return NewFileList(filepath.Join(s.root, name+".txt"), s.locks)
}

// Contains reports whether handle is in an account's list.
func (s *Store) Contains(account domain.Handle, l List, entry string) (bool, error) {
	return s.List(account, l).Contains(entry)
}

// Add appends entry to an account's list; present entries are left alone.
func (s *Store) Add(account domain.Handle, l List, entry string) (bool, error) {
	return s.List(account, l).Add(entry, false)
}

// Remove deletes entry from an account's list.
func (s *Store) Remove(account domain.Handle, l List, entry string) (bool, error) {
	return s.List(account, l).Remove(entry)
}

// Follow records that actor follows target. Repeating it is a no-op;
// otherwise the target goes first in following and leaves the unfollow
// ledger.
func (s *Store) Follow(actor, target domain.Handle) error {
	added, err := s.List(actor, Following).Add(string(target), true)
	if err != nil {
		return err
	}
	if !added {
		return nil
	}
	if _, err := s.Remove(actor, Unfollowed, string(target)); err != nil {
		return err
	}
	log.Debug().Str("actor", actor.String()).Str("target", target.String()).Msg("follow recorded")
	return nil
}

// Unfollow removes target from actor's following and notes it in the
// unfollow ledger, so a late Accept for the cancelled request is ignored.
func (s *Store) Unfollow(actor, target domain.Handle) error {
	if _, err := s.Remove(actor, Following, string(target)); err != nil {
		return err
	}
	if _, err := s.Add(actor, Unfollowed, string(target)); err != nil {
		return err
	}
	log.Debug().Str("actor", actor.String()).Str("target", target.String()).Msg("unfollow recorded")
	return nil
}

// IsFollowing reports whether actor follows target.
func (s *Store) IsFollowing(actor, target domain.Handle) (bool, error) {
	return s.Contains(actor, Following, string(target))
}

// HasFollower reports whether follower follows account.
func (s *Store) HasFollower(account, follower domain.Handle) (bool, error) {
	return s.Contains(account, Followers, string(follower))
}

func (s *Store) requestPath(account, requester domain.Handle) string {
	return filepath.Join(s.AccountDir(account), "requests", strings.ToLower(string(requester.Plain()))+".follow")
}

// SavePendingRequest stores the original Follow JSON for requester,
// replacing any earlier one.
func (s *Store) SavePendingRequest(account, requester domain.Handle, raw []byte) error {
	path := s.requestPath(account, requester)
	unlock := s.locks.Lock(path)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create requests dir: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("save follow request: %w", err)
	}
	return nil
}

// LoadPendingRequest returns the stored Follow JSON or ErrNotFound.
func (s *Store) LoadPendingRequest(account, requester domain.Handle) ([]byte, error) {
	data, err := os.ReadFile(s.requestPath(account, requester))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load follow request: %w", err)
	}
	return data, nil
}

// DeletePendingRequest discards the stored Follow JSON. Missing is fine.
func (s *Store) DeletePendingRequest(account, requester domain.Handle) error {
	path := s.requestPath(account, requester)
	unlock := s.locks.Lock(path)
	defer unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete follow request: %w", err)
	}
	return nil
}

// Accounts lists the local accounts that have a list directory.
func (s *Store) Accounts() ([]domain.Handle, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read accounts dir: %w", err)
	}
	var out []domain.Handle
	for _, e := range entries {
		if !e.IsDir() || !strings.Contains(e.Name(), "@") {
			continue
		}
		h, err := domain.ParseHandle(e.Name())
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}
