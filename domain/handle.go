package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Handle is the canonical nick@domain[:port] identifier of an actor. A leading
// '!' marks a group actor.
type Handle string

var ErrInvalidHandle = errors.New("invalid handle")

// actor path prefixes used by common fediverse servers
var actorPaths = []string{"/users/", "/@", "/u/", "/profile/", "/accounts/", "/channel/", "/c/"}

func domainWithPort(domain string, port int) string {
	if port == 0 || port == 80 || port == 443 {
		return domain
	}
	return fmt.Sprintf("%s:%d", domain, port)
}

// NewHandle builds a handle, omitting default ports.
func NewHandle(nickname, domain string, port int) Handle {
	return Handle(nickname + "@" + domainWithPort(domain, port))
}

// ParseHandle accepts nick@domain, @nick@domain, acct:nick@domain and !group@domain.
func ParseHandle(s string) (Handle, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "acct:")
	group := strings.HasPrefix(s, "!")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "!"), "@")
	nick, dom, ok := strings.Cut(s, "@")
	if !ok || nick == "" || dom == "" || strings.ContainsAny(s, "/ \t") || strings.Contains(dom, "@") {
		return "", fmt.Errorf("%w: %q", ErrInvalidHandle, s)
	}
	h := Handle(nick + "@" + strings.ToLower(dom))
	if group {
		h = "!" + h
	}
	return h, nil
}

// HandleFromActorURI derives a handle from an actor URL such as
// https://example.org/users/bob or https://example.org/@bob.
func HandleFromActorURI(actorURI string) (Handle, error) {
	u, err := url.Parse(actorURI)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidHandle, actorURI)
	}
	path := u.Path
	for _, prefix := range actorPaths {
		idx := strings.Index(path, prefix)
		if idx < 0 {
			continue
		}
		nick := path[idx+len(prefix):]
		if slash := strings.Index(nick, "/"); slash >= 0 {
			nick = nick[:slash]
		}
		if nick == "" {
			break
		}
		h := Handle(nick + "@" + strings.ToLower(u.Host))
		if prefix == "/c/" {
			h = "!" + h
		}
		return h, nil
	}
	return "", fmt.Errorf("%w: no nickname in %q", ErrInvalidHandle, actorURI)
}

// IsGroup reports whether the handle names a group actor.
func (h Handle) IsGroup() bool {
	return strings.HasPrefix(string(h), "!")
}

// Plain strips the group marker.
func (h Handle) Plain() Handle {
	return Handle(strings.TrimPrefix(string(h), "!"))
}

func (h Handle) Nickname() string {
	nick, _, _ := strings.Cut(string(h.Plain()), "@")
	return nick
}

// Domain returns the host part without port.
func (h Handle) Domain() string {
	_, dom, _ := strings.Cut(string(h.Plain()), "@")
	if host, _, ok := strings.Cut(dom, ":"); ok {
		return host
	}
	return dom
}

// Port returns the explicit port or 0.
func (h Handle) Port() int {
	_, dom, _ := strings.Cut(string(h.Plain()), "@")
	_, port, ok := strings.Cut(dom, ":")
	if !ok {
		return 0
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return p
}

// Equal compares handles case-insensitively, ignoring the group marker.
func (h Handle) Equal(other Handle) bool {
	return strings.EqualFold(string(h.Plain()), string(other.Plain()))
}

func (h Handle) String() string {
	return string(h)
}
