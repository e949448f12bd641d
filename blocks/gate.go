// Package blocks decides whether federation between two parties is
// permitted: hard denylist, instance block list, broch mode allow-list and
// per-account blocks.
package blocks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deemkeen/mastodont/domain"
	"github.com/deemkeen/mastodont/relations"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// denylist is always blocked, broch mode or not.
var denylist = []string{"gab.com", "gab.ai", "kiwifarms.cc", "kiwifarms.net"}

const (
	instanceBlockList = "blocking"
	brochList         = "broch"
)

// Options configure a Gate.
type Options struct {
	InstanceDomain string
	BrochModeDays  int
	Now            func() time.Time
}

// Gate answers block questions. Instance block lists are read through the
// owned Cache; per-account lists are read fresh.
type Gate struct {
	store *relations.Store
	cache *Cache
	opts  Options
}

// InstanceCache is a snapshot of the instance block list, re-read at most
// once per interval.
func InstanceCache(store *relations.Store, interval time.Duration) *Cache {
	return NewCache(store.InstanceList(instanceBlockList), interval, nil)
}

// NewGate builds a gate over store. A nil cache reads the instance list on
// every decision.
func NewGate(store *relations.Store, cache *Cache, opts Options) *Gate {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BrochModeDays <= 0 {
		opts.BrochModeDays = 7
	}
	if cache == nil {
		cache = NewCache(store.InstanceList(instanceBlockList), 0, opts.Now)
	}
	return &Gate{store: store, cache: cache, opts: opts}
}

// Cache exposes the instance block list snapshot so the owner can Watch it.
func (g *Gate) Cache() *Cache { return g.cache }

// collapse keeps the last two labels: sub.example.com -> example.com.
func collapse(domain string) string {
	labels := strings.Split(domain, ".")
	if len(labels) <= 2 {
		return domain
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

func normalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimPrefix(d, "*@")
	if host, _, ok := strings.Cut(d, ":"); ok {
		d = host
	}
	return strings.TrimSuffix(d, ".")
}

func domainListed(lines []string, d string) bool {
	short := collapse(d)
	for _, line := range lines {
		if strings.HasPrefix(line, "#") {
			continue
		}
		entry := normalizeDomain(line)
		if entry == d || entry == short {
			return true
		}
	}
	return false
}

// IsBlockedDomain reports whether an instance is blocked. The denylist
// always applies; otherwise broch mode, when active, allows only listed
// domains and the instance block list is ignored.
func (g *Gate) IsBlockedDomain(d string) bool {
	d = normalizeDomain(d)
	if d == "" {
		return false
	}
	if domainListed(denylist, d) {
		return true
	}
	if g.BrochModeActive() {
		if strings.EqualFold(d, normalizeDomain(g.opts.InstanceDomain)) {
			return false
		}
		allowed, err := g.store.InstanceList(brochList).Load()
		if err != nil {
			log.Error().Err(err).Msg("reading broch mode allow-list")
			return true
		}
		return !domainListed(allowed, d)
	}
	lines, err := g.cache.Lines()
	if err != nil {
		log.Error().Err(err).Msg("reading instance block list")
	}
	return domainListed(lines, d)
}

// IsBlocked reports whether local must not federate with remote.
func (g *Gate) IsBlocked(local, remote domain.Handle) bool {
	remoteDomain := remote.Domain()
	if g.IsBlockedDomain(remoteDomain) {
		return true
	}
	lines, err := g.store.List(local, relations.Blocking).Load()
	if err != nil {
		log.Error().Err(err).Str("account", local.String()).Msg("reading block list")
	}
	wildcard := "*@" + remoteDomain
	for _, line := range lines {
		if remote.Equal(domain.Handle(line)) || strings.EqualFold(line, wildcard) {
			return true
		}
	}

	allowList := g.store.List(local, relations.AllowedInstances)
	if allowList.Exists() {
		allowed, err := allowList.Load()
		if err != nil {
			log.Error().Err(err).Str("account", local.String()).Msg("reading allowed instances")
			return true
		}
		if !domainListed(allowed, normalizeDomain(remoteDomain)) {
			return true
		}
	}
	return false
}

// IsBlockedHashtag reports whether local, or the instance, blocks tag.
func (g *Gate) IsBlockedHashtag(local domain.Handle, tag string) bool {
	tag = "#" + strings.ToLower(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
	found, err := g.store.Contains(local, relations.Blocking, tag)
	if err != nil {
		log.Error().Err(err).Str("account", local.String()).Msg("reading block list")
	}
	if found {
		return true
	}
	lines, err := g.cache.Lines()
	if err != nil {
		log.Error().Err(err).Msg("reading instance block list")
	}
	for _, line := range lines {
		if strings.EqualFold(line, tag) {
			return true
		}
	}
	return false
}

// Block severs any follow edge between local and remote in both
// directions, then records the block.
func (g *Gate) Block(local, remote domain.Handle) error {
	if following, err := g.store.IsFollowing(local, remote); err != nil {
		return err
	} else if following {
		if err := g.store.Unfollow(local, remote); err != nil {
			return fmt.Errorf("sever following: %w", err)
		}
	}
	if _, err := g.store.Remove(local, relations.Followers, string(remote)); err != nil {
		return fmt.Errorf("sever followers: %w", err)
	}
	if g.store.HasAccount(remote) {
		if following, err := g.store.IsFollowing(remote, local); err != nil {
			return err
		} else if following {
			if err := g.store.Unfollow(remote, local); err != nil {
				return fmt.Errorf("sever reverse following: %w", err)
			}
		}
		if _, err := g.store.Remove(remote, relations.Followers, string(local)); err != nil {
			return fmt.Errorf("sever reverse followers: %w", err)
		}
	}
	if _, err := g.store.Add(local, relations.Blocking, string(remote.Plain())); err != nil {
		return fmt.Errorf("record block: %w", err)
	}
	log.Info().Str("account", local.String()).Str("blocked", remote.String()).Msg("blocked")
	return nil
}

// Unblock removes remote from local's block list.
func (g *Gate) Unblock(local, remote domain.Handle) error {
	_, err := g.store.Remove(local, relations.Blocking, string(remote.Plain()))
	return err
}

// BlockDomain blocks every account on d for local.
func (g *Gate) BlockDomain(local domain.Handle, d string) error {
	_, err := g.store.Add(local, relations.Blocking, "*@"+normalizeDomain(d))
	return err
}

// BlockHashtag hides tag for local.
func (g *Gate) BlockHashtag(local domain.Handle, tag string) error {
	_, err := g.store.Add(local, relations.Blocking, "#"+strings.ToLower(strings.TrimPrefix(tag, "#")))
	return err
}

// BlockInstance adds d to the instance-wide block list.
func (g *Gate) BlockInstance(d string) error {
	defer g.cache.Invalidate()
	_, err := g.store.InstanceList(instanceBlockList).Add(normalizeDomain(d), false)
	return err
}

// UnblockInstance removes d from the instance-wide block list.
func (g *Gate) UnblockInstance(d string) error {
	defer g.cache.Invalidate()
	_, err := g.store.InstanceList(instanceBlockList).Remove(normalizeDomain(d))
	return err
}

// ActivateBrochMode snapshots the domains every local account follows or
// is followed by into the allow-list, seeded with the instance domain.
// Later follows are not added until it is activated again.
func (g *Gate) ActivateBrochMode(ctx context.Context) error {
	accounts, err := g.store.Accounts()
	if err != nil {
		return err
	}

	var mu sync.Mutex
	seen := map[string]bool{}
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for _, account := range accounts {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for _, l := range []relations.List{relations.Following, relations.Followers} {
				lines, err := g.store.List(account, l).Load()
				if err != nil {
					return err
				}
				mu.Lock()
				for _, line := range lines {
					if d := lineDomain(line); d != "" {
						seen[d] = true
					}
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("seed broch mode: %w", err)
	}

	self := normalizeDomain(g.opts.InstanceDomain)
	delete(seen, self)
	domains := make([]string, 0, len(seen)+1)
	for d := range seen {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	domains = append([]string{self}, domains...)

	if err := g.store.InstanceList(brochList).CommitReplace(domains); err != nil {
		return err
	}
	log.Warn().Int("domains", len(domains)).Msg("broch mode activated")
	return nil
}

// DeactivateBrochMode returns to deny-list behaviour.
func (g *Gate) DeactivateBrochMode() error {
	err := os.Remove(g.store.InstanceList(brochList).Path())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	log.Info().Msg("broch mode deactivated")
	return nil
}

// BrochModeActive reports whether the allow-list exists and was modified
// within the configured number of days. An expired list is removed.
func (g *Gate) BrochModeActive() bool {
	path := g.store.InstanceList(brochList).Path()
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	expiry := info.ModTime().Add(time.Duration(g.opts.BrochModeDays) * 24 * time.Hour)
	if g.opts.Now().Before(expiry) {
		return true
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Error().Err(err).Msg("removing expired broch mode list")
	} else {
		log.Info().Msg("broch mode expired")
	}
	return false
}

// lineDomain extracts the domain from a handle or actor URL line.
func lineDomain(line string) string {
	if strings.Contains(line, "://") {
		h, err := domain.HandleFromActorURI(line)
		if err != nil {
			return ""
		}
		return normalizeDomain(h.Domain())
	}
	h, err := domain.ParseHandle(line)
	if err != nil {
		return ""
	}
	return normalizeDomain(h.Domain())
}
