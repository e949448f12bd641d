// Package engagement maintains the likes, shares and ignores collections
// embedded in stored posts, and per-account mute markers.
package engagement

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"codeberg.org/gruf/go-mutexes"
	"github.com/deemkeen/mastodont/domain"
	"github.com/deemkeen/mastodont/vocab"
	"github.com/rs/zerolog/log"
)

// Kind pairs a collection property with the activity type of its items.
type Kind struct {
	Collection string
	Type       vocab.Type
}

var (
	Likes   = Kind{Collection: "likes", Type: vocab.Like}
	Shares  = Kind{Collection: "shares", Type: vocab.Announce}
	Ignores = Kind{Collection: "ignores", Type: vocab.Ignore}
)

// KindFor maps an activity type to its collection.
func KindFor(t vocab.Type) (Kind, bool) {
	for _, k := range []Kind{Likes, Shares, Ignores} {
		if k.Type == t {
			return k, true
		}
	}
	return Kind{}, false
}

// Collections edits engagement collections on stored posts. Each edit
// invalidates the post's cached renderings before touching the file and
// again once the new version is on disk.
type Collections struct {
	posts        *FilePostStore
	invalidators []Invalidator
	locks        mutexes.MutexMap
}

func NewCollections(posts *FilePostStore, invalidators ...Invalidator) *Collections {
	return &Collections{posts: posts, invalidators: invalidators}
}

func (c *Collections) invalidate(account domain.Handle, postID string) {
	for _, inv := range c.invalidators {
		inv.Invalidate(account, postID)
	}
}

// target returns the object that carries collections: the embedded object
// of a Create, otherwise the post itself.
func target(post map[string]any) map[string]any {
	if vocab.Type(vocab.String(post, "type")) == vocab.Create {
		if obj, ok := post["object"].(map[string]any); ok {
			return obj
		}
	}
	return post
}

func items(coll map[string]any) []any {
	list, _ := coll["items"].([]any)
	return list
}

func indexOfActor(list []any, actor string) int {
	for i, item := range list {
		if entry, ok := item.(map[string]any); ok && vocab.String(entry, "actor") == actor {
			return i
		}
	}
	return -1
}

// edit loads the post, applies fn to its carrier object and saves when fn
// reports a change.
func (c *Collections) edit(account domain.Handle, postID string, fn func(obj map[string]any) bool) (bool, error) {
	c.invalidate(account, postID)

	path, err := c.posts.Find(account, postID)
	if err != nil {
		return false, err
	}
	unlock := c.locks.Lock(path)
	defer unlock()

	post, err := c.posts.Load(path)
	if err != nil {
		return false, err
	}
	if !fn(target(post)) {
		return false, nil
	}
	if err := c.posts.Save(path, post); err != nil {
		return false, err
	}
	// a reader may have refilled a cache from the old file meanwhile
	c.invalidate(account, postID)
	return true, nil
}

// Add records actor in the post's kind collection. An actor already listed
// is a no-op.
func (c *Collections) Add(account domain.Handle, postID string, kind Kind, actor string) (bool, error) {
	changed, err := c.edit(account, postID, func(obj map[string]any) bool {
		entry := map[string]any{"type": string(kind.Type), "actor": actor}
		coll, ok := obj[kind.Collection].(map[string]any)
		if !ok {
			id := vocab.String(obj, "id")
			if id == "" {
				id = postID
			}
			obj[kind.Collection] = map[string]any{
				"id":         id + "/" + kind.Collection,
				"type":       "Collection",
				"totalItems": 1,
				"items":      []any{entry},
			}
			return true
		}
		list := items(coll)
		if indexOfActor(list, actor) >= 0 {
			return false
		}
		list = append(list, entry)
		coll["items"] = list
		coll["totalItems"] = len(list)
		return true
	})
	if err != nil {
		return false, fmt.Errorf("add %s: %w", kind.Collection, err)
	}
	if changed {
		log.Debug().Str("post", postID).Str("actor", actor).Str("collection", kind.Collection).Msg("engagement added")
	}
	return changed, nil
}

// Remove drops actor from the post's kind collection, deleting the
// collection when it empties.
func (c *Collections) Remove(account domain.Handle, postID string, kind Kind, actor string) (bool, error) {
	changed, err := c.edit(account, postID, func(obj map[string]any) bool {
		coll, ok := obj[kind.Collection].(map[string]any)
		if !ok {
			return false
		}
		list := items(coll)
		i := indexOfActor(list, actor)
		if i < 0 {
			return false
		}
		if len(list) == 1 {
			delete(obj, kind.Collection)
			return true
		}
		list = append(list[:i:i], list[i+1:]...)
		coll["items"] = list
		coll["totalItems"] = len(list)
		return true
	})
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", kind.Collection, err)
	}
	return changed, nil
}

// Count returns totalItems of a collection, 0 when absent.
func (c *Collections) Count(account domain.Handle, postID string, kind Kind) (int, error) {
	path, err := c.posts.Find(account, postID)
	if err != nil {
		return 0, err
	}
	post, err := c.posts.Load(path)
	if err != nil {
		return 0, err
	}
	coll, ok := target(post)[kind.Collection].(map[string]any)
	if !ok {
		return 0, nil
	}
	return len(items(coll)), nil
}

func conversationOf(post map[string]any) string {
	obj := target(post)
	for _, key := range []string{"conversation", "context"} {
		if conv := vocab.String(obj, key); conv != "" {
			return conv
		}
	}
	return ""
}

func touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, nil, 0644)
}

func removeMarker(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Mute adds actor to the post's ignores, marks the post muted for account
// and, when the post names a conversation, marks that muted too.
func (c *Collections) Mute(account domain.Handle, postID, actor string) error {
	if _, err := c.Add(account, postID, Ignores, actor); err != nil {
		return err
	}
	path, err := c.posts.Find(account, postID)
	if err != nil {
		return err
	}
	if err := touch(path + ".muted"); err != nil {
		return fmt.Errorf("mark post muted: %w", err)
	}
	post, err := c.posts.Load(path)
	if err != nil {
		return err
	}
	if conv := conversationOf(post); conv != "" {
		if err := touch(c.posts.ConversationMarker(account, conv)); err != nil {
			return fmt.Errorf("mark conversation muted: %w", err)
		}
	}
	log.Debug().Str("account", account.String()).Str("post", postID).Msg("muted")
	return nil
}

// Unmute reverses Mute.
func (c *Collections) Unmute(account domain.Handle, postID, actor string) error {
	if _, err := c.Remove(account, postID, Ignores, actor); err != nil {
		return err
	}
	path, err := c.posts.Find(account, postID)
	if err != nil {
		return err
	}
	if err := removeMarker(path + ".muted"); err != nil {
		return fmt.Errorf("unmark post: %w", err)
	}
	post, err := c.posts.Load(path)
	if err != nil {
		return err
	}
	if conv := conversationOf(post); conv != "" {
		if err := removeMarker(c.posts.ConversationMarker(account, conv)); err != nil {
			return fmt.Errorf("unmark conversation: %w", err)
		}
	}
	return nil
}

// IsMuted reports whether account muted the post or its conversation.
func (c *Collections) IsMuted(account domain.Handle, postID string) bool {
	path, err := c.posts.Find(account, postID)
	if err != nil {
		return false
	}
	if _, err := os.Stat(path + ".muted"); err == nil {
		return true
	}
	post, err := c.posts.Load(path)
	if err != nil {
		return false
	}
	if conv := conversationOf(post); conv != "" {
		if _, err := os.Stat(c.posts.ConversationMarker(account, conv)); err == nil {
			return true
		}
	}
	return false
}
