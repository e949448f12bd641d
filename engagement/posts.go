package engagement

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/deemkeen/mastodont/domain"
	"github.com/deemkeen/mastodont/relations"
	"github.com/natefinch/atomic"
)

// Box is an account's outbox or inbox directory.
type Box string

const (
	Outbox Box = "outbox"
	Inbox  Box = "inbox"
)

// EscapeID turns an activity or post id into a file name.
func EscapeID(id string) string {
	return strings.ReplaceAll(strings.TrimSpace(id), "/", "#")
}

// FilePostStore keeps posts as JSON files in each account's boxes.
type FilePostStore struct {
	store *relations.Store
}

func NewFilePostStore(store *relations.Store) *FilePostStore {
	return &FilePostStore{store: store}
}

// Path is where id lives in an account's box.
func (p *FilePostStore) Path(account domain.Handle, box Box, id string) string {
	return filepath.Join(p.store.AccountDir(account), string(box), EscapeID(id)+".json")
}

// Find locates a post, outbox first.
func (p *FilePostStore) Find(account domain.Handle, id string) (string, error) {
	for _, box := range []Box{Outbox, Inbox} {
		path := p.Path(account, box, id)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("post %s: %w", id, relations.ErrNotFound)
}

// Exists reports whether id is stored in box.
func (p *FilePostStore) Exists(account domain.Handle, box Box, id string) bool {
	_, err := os.Stat(p.Path(account, box, id))
	return err == nil
}

// List returns the post files in an account's box, newest first.
func (p *FilePostStore) List(account domain.Handle, box Box) ([]string, error) {
	dir := filepath.Join(p.store.AccountDir(account), string(box))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", box, err)
	}

	type file struct {
		path string
		mod  int64
	}
	files := make([]file, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, file{filepath.Join(dir, e.Name()), info.ModTime().UnixNano()})
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].mod != files[j].mod {
			return files[i].mod > files[j].mod
		}
		return files[i].path > files[j].path
	})

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

// Load reads a post file.
func (p *FilePostStore) Load(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, relations.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read post: %w", err)
	}
	var post map[string]any
	if err := json.Unmarshal(data, &post); err != nil {
		return nil, fmt.Errorf("decode post %s: %w", path, err)
	}
	return post, nil
}

// Save atomically replaces a post file.
func (p *FilePostStore) Save(path string, post map[string]any) error {
	data, err := json.Marshal(post)
	if err != nil {
		return fmt.Errorf("encode post: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create post dir: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write post: %w", err)
	}
	return nil
}

// Write stores a post under id in an account's box.
func (p *FilePostStore) Write(account domain.Handle, box Box, id string, post map[string]any) error {
	return p.Save(p.Path(account, box, id), post)
}

// ConversationMarker is the mute marker for a whole conversation.
func (p *FilePostStore) ConversationMarker(account domain.Handle, conversation string) string {
	return filepath.Join(p.store.AccountDir(account), "conversation", EscapeID(conversation)+".muted")
}
