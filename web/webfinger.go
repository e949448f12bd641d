package web

import (
	"net/http"
	"strings"

	"github.com/deemkeen/mastodont/domain"
	"github.com/gin-gonic/gin"
)

// webfinger answers acct:nick@domain and actor URL resources for accounts
// on this instance.
func (h *handlers) webfinger(c *gin.Context) {
	resource := c.Query("resource")
	var nickname string
	switch {
	case strings.HasPrefix(resource, "acct:"):
		hd, err := domain.ParseHandle(strings.TrimPrefix(resource, "acct:"))
		if err != nil || !strings.EqualFold(hd.Domain(), h.opts.Conf.Conf.Domain) {
			webfingerNotFound(c)
			return
		}
		nickname = hd.Nickname()
	case strings.HasPrefix(resource, "http://"), strings.HasPrefix(resource, "https://"):
		hd, err := domain.HandleFromActorURI(resource)
		if err != nil || !strings.EqualFold(hd.Domain(), h.opts.Conf.Conf.Domain) {
			webfingerNotFound(c)
			return
		}
		nickname = hd.Nickname()
	default:
		webfingerNotFound(c)
		return
	}

	acc, err := h.opts.Accounts.ReadAccByNickname(strings.ToLower(nickname))
	if err != nil {
		webfingerNotFound(c)
		return
	}
	actorURI := acc.ActorURI(h.opts.Conf.Conf.HttpPrefix)
	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, gin.H{
		"subject": "acct:" + acc.Handle().String(),
		"aliases": []string{actorURI},
		"links": []gin.H{
			{"rel": "self", "type": "application/activity+json", "href": actorURI},
		},
	})
}

func webfingerNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
}
