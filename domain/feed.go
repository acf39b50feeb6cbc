package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FeedItem is a note received from an actor the site follows
type FeedItem struct {
	Id          uuid.UUID
	SiteId      int64
	ActorId     uuid.UUID
	ActorURI    string
	InboxItemId uuid.UUID
	NoteId      string
	Content     string
	URL         string
	Published   time.Time
	ReceivedAt  time.Time
}

// Like is a remote like of one of our posts, keyed by the post
type Like struct {
	SiteId      int64
	SourcePost  string
	ActorId     uuid.UUID
	ActorURI    string
	LikeId      string
	InboxItemId uuid.UUID
	CreatedAt   time.Time
}

// Post is the publishable view of a blog post handed over by the CMS
type Post struct {
	URL       string
	Title     string
	Published time.Time
}

func (p *Post) ToString() string {
	return fmt.Sprintf("\n\tURL: %s \n\tTitle: %s \n\tPublished: %s", p.URL, p.Title, p.Published)
}
