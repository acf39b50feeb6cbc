package web

import (
	"encoding/json"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/blogpub/activitypub"
	"github.com/gin-gonic/gin"
)

// Max items served in the outbox collection
const outboxPageSize = 20

func (s *server) handleActor(c *gin.Context) {
	renderActivityJSON(c, http.StatusOK, activitypub.NewLocalActor(s.fed.Settings))
}

// handleOutbox lists public activities only. Accept and Follow are addressed
// to a single actor and stay out of the collection.
func (s *server) handleOutbox(c *gin.Context) {
	items, err := s.fed.DB.ReadOutboxItems(c.Request.Context(), s.fed.Settings.SiteId, outboxPageSize)
	if err != nil {
		log.Error("Outbox: read failed", "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	activities := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		switch item.ActivityType {
		case "Create", "Update":
			activities = append(activities, json.RawMessage(item.Activity))
		}
	}

	renderActivityJSON(c, http.StatusOK, activitypub.NewOrderedCollection(
		s.fed.Settings.OutboxURI(), "Outbox of "+s.fed.Settings.Handle(), activities))
}

func (s *server) handleFollowers(c *gin.Context) {
	followers, err := s.fed.DB.ReadFollowers(c.Request.Context(), s.fed.Settings.SiteId)
	if err != nil {
		log.Error("Followers: read failed", "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	uris := make([]string, 0, len(followers))
	for _, f := range followers {
		uris = append(uris, f.ActorURI)
	}
	renderActivityJSON(c, http.StatusOK, activitypub.NewOrderedCollection(
		s.fed.Settings.FollowersURI(), "Followers of "+s.fed.Settings.Handle(), uris))
}

func (s *server) handleFollowing(c *gin.Context) {
	following, err := s.fed.DB.ReadFollowing(c.Request.Context(), s.fed.Settings.SiteId, true)
	if err != nil {
		log.Error("Following: read failed", "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	uris := make([]string, 0, len(following))
	for _, f := range following {
		uris = append(uris, f.ActorURI)
	}
	renderActivityJSON(c, http.StatusOK, activitypub.NewOrderedCollection(
		s.fed.Settings.FollowingURI(), "Following of "+s.fed.Settings.Handle(), uris))
}
