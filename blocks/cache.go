package blocks

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/deemkeen/mastodont/relations"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Cache is a snapshot of a block list, re-read at most once per interval.
// Decisions may use data up to one interval old.
type Cache struct {
	list     *relations.FileList
	interval time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	lines    []string
	loadedAt time.Time
	valid    bool
}

// NewCache wraps list. A nil now uses time.Now.
func NewCache(list *relations.FileList, interval time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{list: list, interval: interval, now: now}
}

// Lines returns the snapshot, refreshing it first when stale.
func (c *Cache) Lines() ([]string, error) {
	c.mu.RLock()
	if c.valid && c.now().Sub(c.loadedAt) < c.interval {
		lines := c.lines
		c.mu.RUnlock()
		return lines, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.now().Sub(c.loadedAt) < c.interval {
		return c.lines, nil
	}
	lines, err := c.list.Load()
	if err != nil {
		return c.lines, err
	}
	c.lines, c.loadedAt, c.valid = lines, c.now(), true
	return lines, nil
}

// Invalidate forces the next Lines call to re-read.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

// Watch invalidates the snapshot whenever the backing file changes, until
// ctx is done. The directory is watched because writes replace the file.
func (c *Cache) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	path := filepath.Clean(c.list.Path())
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == path {
				log.Debug().Str("file", path).Str("op", ev.Op.String()).Msg("block list changed")
				c.Invalidate()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("file", path).Msg("block list watcher")
		}
	}
}

// WatchOrPoll runs Watch. When the watcher cannot start, the snapshot keeps
// refreshing on its interval alone.
func (c *Cache) WatchOrPoll(ctx context.Context) {
	if err := c.Watch(ctx); err != nil {
		log.Warn().Err(err).Dur("interval", c.interval).Msg("block list watcher unavailable, refreshing on interval")
	}
}
