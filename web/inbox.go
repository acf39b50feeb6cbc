package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/blogpub/activitypub"
	"github.com/gin-gonic/gin"
)

// handlePostInbox always answers 200 with an empty collection so that
// senders cannot probe which activities were accepted.
func (s *server) handlePostInbox(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		log.Warn("Inbox: failed to read body", "err", err)
		renderActivityJSON(c, http.StatusOK, activitypub.EmptyCollection("inbox"))
		return
	}

	// Processing continues when the sender hangs up
	ctx := context.WithoutCancel(c.Request.Context())
	item, err := s.fed.Processor.Receive(ctx, c.Request, body)
	switch {
	case err == nil:
		log.Info("Inbox: processed", "id", item.Id)
	case errors.Is(err, activitypub.ErrBlocked), errors.Is(err, activitypub.ErrUnsupportedActivity):
		log.Info("Inbox: stored without processing", "reason", err)
	case item != nil:
		log.Warn("Inbox: stored, processing failed", "id", item.Id, "err", err)
	default:
		log.Warn("Inbox: rejected", "ip", c.ClientIP(), "err", err)
	}

	renderActivityJSON(c, http.StatusOK, activitypub.EmptyCollection("inbox"))
}

// inboxEntry is one line of what a remote actor sent us
type inboxEntry struct {
	Type      string `json:"type"`
	Object    string `json:"object"`
	Content   string `json:"content,omitempty"`
	Published string `json:"published,omitempty"`
}

// handleGetInbox shows a signed requester the notes and likes they sent us
func (s *server) handleGetInbox(c *gin.Context) {
	ctx := c.Request.Context()
	requester, err := s.fed.Processor.Requester(ctx, c.Request)
	if err != nil {
		log.Warn("Inbox: unsigned read", "ip", c.ClientIP(), "err", err)
		renderActivityJSON(c, http.StatusUnauthorized, activitypub.EmptyCollection("inbox"))
		return
	}

	feedItems, err := s.fed.DB.ReadFeedItemsByActor(ctx, s.fed.Settings.SiteId, requester)
	if err != nil {
		log.Error("Inbox: read feed items failed", "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	likes, err := s.fed.DB.ReadLikesByActor(ctx, s.fed.Settings.SiteId, requester)
	if err != nil {
		log.Error("Inbox: read likes failed", "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	entries := make([]inboxEntry, 0, len(feedItems)+len(likes))
	for _, item := range feedItems {
		entries = append(entries, inboxEntry{
			Type:      "Note",
			Object:    item.NoteId,
			Content:   item.Content,
			Published: item.Published.UTC().Format(timeFormat),
		})
	}
	for _, like := range likes {
		entries = append(entries, inboxEntry{
			Type:      "Like",
			Object:    like.SourcePost,
			Published: like.CreatedAt.UTC().Format(timeFormat),
		})
	}

	renderActivityJSON(c, http.StatusOK, activitypub.NewOrderedCollection(
		s.fed.Settings.InboxURI(), "Activities sent by "+requester, entries))
}
