package web

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/blogpub/activitypub"
	"github.com/deemkeen/blogpub/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const defaultDeliveryLogLimit = 50

type publishRequest struct {
	URL       string    `json:"url" binding:"required"`
	Title     string    `json:"title"`
	Published time.Time `json:"published"`
}

type targetRequest struct {
	Target string `json:"target" binding:"required"`
}

type actorRequest struct {
	Actor string `json:"actor" binding:"required"`
}

type outboxItemView struct {
	Id           uuid.UUID `json:"id"`
	ActivityId   string    `json:"activityId"`
	ActivityType string    `json:"type"`
	SourcePost   string    `json:"sourcePost,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	AllDelivered bool      `json:"allDelivered"`
}

func newOutboxItemView(item *domain.OutboxItem) outboxItemView {
	return outboxItemView{
		Id:           item.Id,
		ActivityId:   item.ActivityId,
		ActivityType: item.ActivityType,
		SourcePost:   item.SourcePost,
		CreatedAt:    item.CreatedAt,
		AllDelivered: item.AllDelivered,
	}
}

type actorView struct {
	Id          uuid.UUID `json:"id"`
	ActorURI    string    `json:"actor"`
	Handle      string    `json:"handle"`
	InboxURI    string    `json:"inbox"`
	IsFollowing bool      `json:"isFollowing"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
}

type blockView struct {
	Type      domain.BlockType `json:"type"`
	Target    string           `json:"target"`
	CreatedAt time.Time        `json:"createdAt"`
}

type deliveryLogView struct {
	OutboxId     uuid.UUID `json:"outboxId"`
	Target       string    `json:"target"`
	Successful   bool      `json:"successful"`
	StatusCode   *int      `json:"statusCode"`
	ResponseBody string    `json:"responseBody,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// adminError maps domain errors to a status and surfaces the error text.
// Admin callers are trusted, so nothing is hidden from them.
func adminError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sql.ErrNoRows):
		status = http.StatusNotFound
	case errors.Is(err, activitypub.ErrInvalidActor):
		status = http.StatusBadRequest
	case errors.Is(err, activitypub.ErrActorResolutionFailed), errors.Is(err, activitypub.ErrDeliveryFailed):
		status = http.StatusBadGateway
	}
	log.Warn("Admin: request failed", "path", c.FullPath(), "status", status, "err", err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *server) handlePublish(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	item, err := s.fed.Dispatcher.PublishPost(c.Request.Context(), domain.Post{
		URL:       req.URL,
		Title:     req.Title,
		Published: req.Published,
	})
	if err != nil {
		adminError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, newOutboxItemView(item))
}

func (s *server) handleProfileUpdate(c *gin.Context) {
	item, err := s.fed.Dispatcher.UpdateProfile(c.Request.Context())
	if err != nil {
		adminError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, newOutboxItemView(item))
}

func (s *server) handleReprocessAll(c *gin.Context) {
	n, err := s.fed.Processor.ReprocessAll(c.Request.Context())
	if err != nil {
		log.Warn("Admin: reprocess finished with errors", "processed", n, "err", err)
		c.JSON(http.StatusOK, gin.H{"processed": n, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"processed": n})
}

func (s *server) handleReprocess(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	if err := s.fed.Processor.Reprocess(c.Request.Context(), id); err != nil {
		adminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (s *server) handleListBlocks(c *gin.Context) {
	blocks, err := s.fed.Blocks.List(c.Request.Context())
	if err != nil {
		adminError(c, err)
		return
	}
	views := make([]blockView, 0, len(blocks))
	for _, b := range blocks {
		views = append(views, blockView{Type: b.Type, Target: b.Target, CreatedAt: b.CreatedAt})
	}
	c.JSON(http.StatusOK, views)
}

func (s *server) handleBlock(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	block, err := s.fed.Blocks.Block(c.Request.Context(), req.Target)
	if err != nil {
		adminError(c, err)
		return
	}
	c.JSON(http.StatusCreated, blockView{Type: block.Type, Target: block.Target, CreatedAt: block.CreatedAt})
}

func (s *server) handleUnblock(c *gin.Context) {
	target := c.Query("target")
	if target == "" {
		badRequest(c, errors.New("target query parameter is required"))
		return
	}
	removed, err := s.fed.Blocks.Unblock(c.Request.Context(), target)
	if err != nil {
		adminError(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such block"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) handleRefreshActor(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	actor, err := s.fed.Directory.RefreshActor(c.Request.Context(), req.Actor)
	if err != nil {
		adminError(c, err)
		return
	}
	c.JSON(http.StatusOK, actorView{
		Id:          actor.Id,
		ActorURI:    actor.ActorURI,
		Handle:      actor.Handle(),
		InboxURI:    actor.InboxURI,
		IsFollowing: actor.IsFollowing,
		FirstSeen:   actor.FirstSeen,
		LastSeen:    actor.LastSeen,
	})
}

func (s *server) handleFollow(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	item, err := s.fed.Dispatcher.FollowActor(c.Request.Context(), req.Actor)
	if err != nil {
		adminError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, newOutboxItemView(item))
}

func (s *server) handleDeliver(c *gin.Context) {
	result, err := s.fed.Dispatcher.RunDeliveryCycle(c.Request.Context())
	if err != nil {
		adminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pending":   result.Pending,
		"delivered": result.Delivered,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
	})
}

// handleDeliveries returns delivery attempts newest first, optionally
// filtered by outbox item and target
func (s *server) handleDeliveries(c *gin.Context) {
	var id uuid.UUID
	var err error
	if raw := c.Query("outbox"); raw != "" {
		id, err = uuid.Parse(raw)
		if err != nil {
			badRequest(c, errors.New("outbox must be a uuid"))
			return
		}
	}
	limit := defaultDeliveryLogLimit
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			badRequest(c, errors.New("limit must be a positive integer"))
			return
		}
	}

	logs, err := s.fed.DB.ReadDeliveryLogs(c.Request.Context(), id, c.Query("target"), limit)
	if err != nil {
		adminError(c, err)
		return
	}
	views := make([]deliveryLogView, 0, len(logs))
	for _, l := range logs {
		views = append(views, deliveryLogView{
			OutboxId:     l.OutboxId,
			Target:       l.Target,
			Successful:   l.Successful,
			StatusCode:   l.StatusCode,
			ResponseBody: l.ResponseBody,
			CreatedAt:    l.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, views)
}
