package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/deemkeen/mastodont/domain"
	"github.com/deemkeen/mastodont/engagement"
	"github.com/deemkeen/mastodont/relations"
	"github.com/deemkeen/mastodont/vocab"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	activityContentType = "application/activity+json; charset=utf-8"
	pageSize            = 12
)

type action uint

const (
	id action = iota
	inbox
	outbox
	followers
	following
	sharedInbox
)

func getIRI(prefix, domainFull, nickname string, a action) string {
	base := fmt.Sprintf("%s://%s/users/%s", prefix, domainFull, nickname)
	switch a {
	case inbox:
		return base + "/inbox"
	case outbox:
		return base + "/outbox"
	case followers:
		return base + "/followers"
	case following:
		return base + "/following"
	case sharedInbox:
		return fmt.Sprintf("%s://%s/inbox", prefix, domainFull)
	default:
		return base
	}
}

// handleIRI turns a nick@domain[:port] list entry into an actor URL.
func handleIRI(prefix string, h domain.Handle) string {
	nick, host, _ := strings.Cut(string(h.Plain()), "@")
	return getIRI(prefix, host, nick, id)
}

func writeActivity(c *gin.Context, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(code, activityContentType, data)
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
}

func (h *handlers) lookup(c *gin.Context) (*domain.Account, bool) {
	acc, err := h.opts.Accounts.ReadAccByNickname(strings.ToLower(c.Param("actor")))
	if errors.Is(err, domain.ErrNotFound) {
		notFound(c)
		return nil, false
	}
	if err != nil {
		log.Error().Err(err).Str("actor", c.Param("actor")).Msg("web: account lookup")
		c.AbortWithStatus(http.StatusInternalServerError)
		return nil, false
	}
	return acc, true
}

func (h *handlers) actorDocument(acc *domain.Account) map[string]any {
	prefix, host := h.opts.Conf.Conf.HttpPrefix, acc.DomainFull()
	actorURI := getIRI(prefix, host, acc.Nickname, id)
	doc := map[string]any{
		"@context":                  []any{vocab.ContextURI, "https://w3id.org/security/v1"},
		"id":                        actorURI,
		"type":                      "Person",
		"preferredUsername":         acc.Nickname,
		"name":                      acc.Nickname,
		"inbox":                     getIRI(prefix, host, acc.Nickname, inbox),
		"outbox":                    getIRI(prefix, host, acc.Nickname, outbox),
		"followers":                 getIRI(prefix, host, acc.Nickname, followers),
		"following":                 getIRI(prefix, host, acc.Nickname, following),
		"url":                       actorURI,
		"manuallyApprovesFollowers": acc.ManuallyApprovesFollowers,
		"discoverable":              true,
		"published":                 acc.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		"publicKey": map[string]any{
			"id":           acc.KeyID(prefix),
			"owner":        actorURI,
			"publicKeyPem": acc.WebPublicKey,
		},
	}
	if h.opts.Conf.Conf.SharedInbox {
		doc["endpoints"] = map[string]any{"sharedInbox": getIRI(prefix, host, acc.Nickname, sharedInbox)}
	}
	return doc
}

func (h *handlers) getActor(c *gin.Context) {
	acc, ok := h.lookup(c)
	if !ok {
		return
	}
	writeActivity(c, http.StatusOK, h.actorDocument(acc))
}

// page parses ?page=N; zero means the collection summary was asked for.
func page(c *gin.Context) (int, bool) {
	raw := c.Query("page")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
		return 0, false
	}
	return n, true
}

// orderedCollection renders total items as an OrderedCollection, or as one
// OrderedCollectionPage when n > 0. slice returns the items of [from, to).
func orderedCollection(collURI string, total, n int, slice func(from, to int) []any) map[string]any {
	coll := map[string]any{
		"@context":   vocab.ContextURI,
		"totalItems": total,
	}
	if n == 0 {
		coll["id"] = collURI
		coll["type"] = "OrderedCollection"
		if total > 0 {
			coll["first"] = collURI + "?page=1"
			coll["last"] = fmt.Sprintf("%s?page=%d", collURI, (total+pageSize-1)/pageSize)
		}
		return coll
	}

	from := min((n-1)*pageSize, total)
	to := min(from+pageSize, total)
	items := slice(from, to)
	if items == nil {
		items = []any{}
	}
	coll["id"] = fmt.Sprintf("%s?page=%d", collURI, n)
	coll["type"] = "OrderedCollectionPage"
	coll["partOf"] = collURI
	coll["orderedItems"] = items
	if to < total {
		coll["next"] = fmt.Sprintf("%s?page=%d", collURI, n+1)
	}
	if n > 1 {
		coll["prev"] = fmt.Sprintf("%s?page=%d", collURI, n-1)
	}
	return coll
}

func (h *handlers) getRelations(l relations.List, a action) gin.HandlerFunc {
	return func(c *gin.Context) {
		acc, ok := h.lookup(c)
		if !ok {
			return
		}
		n, ok := page(c)
		if !ok {
			return
		}
		entries, err := h.opts.Store.List(acc.Handle(), l).Load()
		if err != nil {
			log.Error().Err(err).Str("list", string(l)).Msg("web: reading relation list")
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		prefix := h.opts.Conf.Conf.HttpPrefix
		collURI := getIRI(prefix, acc.DomainFull(), acc.Nickname, a)
		writeActivity(c, http.StatusOK, orderedCollection(collURI, len(entries), n, func(from, to int) []any {
			var out []any
			for _, e := range entries[from:to] {
				out = append(out, handleIRI(prefix, domain.Handle(e)))
			}
			return out
		}))
	}
}

func (h *handlers) getOutbox(c *gin.Context) {
	acc, ok := h.lookup(c)
	if !ok {
		return
	}
	n, ok := page(c)
	if !ok {
		return
	}
	paths, err := h.opts.Posts.List(acc.Handle(), engagement.Outbox)
	if err != nil {
		log.Error().Err(err).Msg("web: listing outbox")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	collURI := getIRI(h.opts.Conf.Conf.HttpPrefix, acc.DomainFull(), acc.Nickname, outbox)
	writeActivity(c, http.StatusOK, orderedCollection(collURI, len(paths), n, func(from, to int) []any {
		var out []any
		for _, p := range paths[from:to] {
			activity, err := h.opts.Posts.Load(p)
			if err != nil {
				log.Warn().Err(err).Str("path", p).Msg("web: skipping unreadable outbox entry")
				continue
			}
			out = append(out, activity)
		}
		return out
	}))
}

// getStatus serves a post of the account, from the recent posts cache when
// it holds one.
func (h *handlers) getStatus(c *gin.Context) {
	acc, ok := h.lookup(c)
	if !ok {
		return
	}
	local := acc.Handle()
	postID := getIRI(h.opts.Conf.Conf.HttpPrefix, acc.DomainFull(), acc.Nickname, id) + "/statuses/" + c.Param("id")

	if post, ok := h.opts.Recent.Get(local, postID); ok {
		writeActivity(c, http.StatusOK, post)
		return
	}
	activity, err := h.opts.Posts.Load(h.opts.Posts.Path(local, engagement.Outbox, postID))
	if errors.Is(err, relations.ErrNotFound) {
		notFound(c)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("post", postID).Msg("web: loading post")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	post := activity
	if obj, ok := activity["object"].(map[string]any); ok {
		post = obj
	}
	if _, ok := post["@context"]; !ok {
		post["@context"] = vocab.ContextURI
	}
	h.opts.Recent.Put(local, postID, post)
	writeActivity(c, http.StatusOK, post)
}
