package web

import (
	"errors"
	"io"
	"net/http"

	"github.com/deemkeen/mastodont/activitypub"
	"github.com/deemkeen/mastodont/vocab"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// statusFor maps routing errors to HTTP status codes.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, activitypub.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, activitypub.ErrBlocked):
		return http.StatusForbidden
	case errors.Is(err, activitypub.ErrUnknownAccount):
		return http.StatusNotFound
	case errors.Is(err, vocab.ErrMalformed), errors.Is(err, vocab.ErrUnsupported):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abortWith(c *gin.Context, code int, err error) {
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("web: request failed")
		c.AbortWithStatusJSON(code, gin.H{"error": http.StatusText(code)})
		return
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

// postInbox handles deliveries to /users/:actor/inbox and, with an empty
// :actor, to the shared inbox.
func (h *handlers) postInbox(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		abortWith(c, statusFor(err), err)
		return
	}
	if err := h.opts.Inbox.Receive(c.Request.Context(), c.Param("actor"), c.Request, body); err != nil {
		abortWith(c, statusFor(err), err)
		return
	}
	c.Status(http.StatusAccepted)
}

// postOutbox publishes a client submission for :actor.
func (h *handlers) postOutbox(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		abortWith(c, statusFor(err), err)
		return
	}
	res, err := h.opts.Dispatcher.PostToOutbox(c.Request.Context(), c.Param("actor"), body)
	if err != nil && res == nil {
		code := statusFor(err)
		if errors.Is(err, activitypub.ErrUnauthorized) {
			code = http.StatusForbidden
		}
		abortWith(c, code, err)
		return
	}
	if err != nil {
		// persisted; some deliveries were not scheduled
		log.Warn().Err(err).Str("id", res.ID).Msg("web: partial delivery")
	}
	c.Header("Location", res.ID)
	writeActivity(c, http.StatusCreated, res.Activity)
}
