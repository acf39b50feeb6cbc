package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/blogpub/db"
	"github.com/deemkeen/blogpub/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
)

const rssFeedLimit = 50

// GetRSS renders the notes received from followed actors as an RSS feed
func GetRSS(ctx context.Context, database *db.DB, settings *domain.Settings) (string, error) {
	items, err := database.ReadFeedItems(ctx, settings.SiteId, rssFeedLimit)
	if err != nil {
		return "", fmt.Errorf("error retrieving feed items: %w", err)
	}

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s - Fediverse", settings.BlogName),
		Link:        &feeds.Link{Href: settings.ActivityPubBase() + "feed.rss"},
		Description: fmt.Sprintf("Notes received by %s", settings.Handle()),
		Author:      &feeds.Author{Name: settings.Handle()},
		Created:     time.Now(),
	}

	feedItems := make([]*feeds.Item, 0, len(items))
	for _, item := range items {
		link := item.URL
		if link == "" {
			link = item.NoteId
		}
		feedItems = append(feedItems, &feeds.Item{
			Id:      item.NoteId,
			Title:   fmt.Sprintf("%s, %s", item.ActorURI, item.Published.Format(time.RFC1123)),
			Link:    &feeds.Link{Href: link},
			Content: item.Content,
			Author:  &feeds.Author{Name: item.ActorURI},
			Created: item.Published,
		})
	}

	feed.Items = feedItems
	return feed.ToRss()
}

func (s *server) handleFeedRSS(c *gin.Context) {
	rss, err := GetRSS(c.Request.Context(), s.fed.DB, s.fed.Settings)
	if err != nil {
		log.Error("Could not render RSS feed", "err", err)
		c.String(http.StatusInternalServerError, "Internal Server Error")
		return
	}
	c.Header("Content-Type", "application/rss+xml; charset=utf-8")
	c.String(http.StatusOK, rss)
}
