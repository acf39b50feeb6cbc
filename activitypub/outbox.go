package activitypub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/blogpub/db"
	"github.com/deemkeen/blogpub/domain"
	"github.com/google/uuid"
)

// MaxRetries is the number of failed attempts after which a target stalls
const MaxRetries = 5

// Dispatcher owns the outbox: it stores authored activities with their
// delivery targets and runs delivery cycles over them.
type Dispatcher struct {
	db        *db.DB
	settings  *domain.Settings
	directory *Directory
	client    *http.Client
	lock      CycleLock
	workers   int
	batchSize int
	timeout   time.Duration
}

type DispatcherOptions struct {
	Client    *http.Client
	Lock      CycleLock
	Workers   int           // distinct targets delivered concurrently
	BatchSize int           // pending rows read per cycle
	Timeout   time.Duration // per request
}

func NewDispatcher(database *db.DB, settings *domain.Settings, directory *Directory, opts DispatcherOptions) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Lock == nil {
		opts.Lock = NewLocalCycleLock()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	return &Dispatcher{
		db:        database,
		settings:  settings,
		directory: directory,
		client:    opts.Client,
		lock:      opts.Lock,
		workers:   opts.Workers,
		batchSize: opts.BatchSize,
		timeout:   opts.Timeout,
	}
}

// NewActivityId mints a public id for a locally authored activity
func (d *Dispatcher) NewActivityId() string {
	return d.settings.ActivityURI(uuid.New().String())
}

// Enqueue stores the activity and one delivery target per entry of targets.
// The target list is a snapshot; later followers do not receive the item.
func (d *Dispatcher) Enqueue(ctx context.Context, activity Activity, targets []string, sourcePost string) (*domain.OutboxItem, error) {
	if activity.ObjectID() == "" {
		return nil, fmt.Errorf("cannot enqueue %s without an id", activity.ActivityType())
	}

	body, err := json.Marshal(activity)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", activity.ActivityType(), err)
	}

	item := &domain.OutboxItem{
		SiteId:       d.settings.SiteId,
		ActivityId:   activity.ObjectID(),
		ObjectId:     wrappedObjectID(activity),
		ActivityType: activity.ActivityType(),
		Activity:     string(body),
		SourcePost:   sourcePost,
	}
	if err := d.db.EnqueueOutboxItem(ctx, item, targets); err != nil {
		return nil, err
	}

	log.Infof("Outbox: queued %s %s for %d targets", item.ActivityType, item.ActivityId, len(targets))
	return item, nil
}

func wrappedObjectID(activity Activity) string {
	var object Activity
	switch v := activity.(type) {
	case *Create:
		object = v.Object
	case *Update:
		object = v.Object
	case *Undo:
		object = v.Object
	case *Delete:
		object = v.Object
	case *Like:
		object = v.Object
	case *Accept:
		object = v.Object
	case *Follow:
		object = v.Object
	}
	if object == nil {
		return ""
	}
	return object.ObjectID()
}

func (d *Dispatcher) followerTargets(ctx context.Context) ([]string, error) {
	followers, err := d.db.ReadFollowers(ctx, d.settings.SiteId)
	if err != nil {
		return nil, fmt.Errorf("failed to read followers: %w", err)
	}
	targets := make([]string, 0, len(followers))
	for _, f := range followers {
		targets = append(targets, f.ActorURI)
	}
	return targets, nil
}

// AcceptFollow queues an Accept of follow addressed to the follower.
func (d *Dispatcher) AcceptFollow(ctx context.Context, follow *Follow) (*domain.OutboxItem, error) {
	accept := &Accept{
		Context: ActivityStreamsContext,
		ID:      d.NewActivityId(),
		Actor:   d.settings.ActorURI(),
		Object: &Follow{
			ID:     follow.ID,
			Actor:  follow.Actor,
			Object: IRI(d.settings.ActorURI()),
		},
	}
	return d.Enqueue(ctx, accept, []string{follow.Actor}, "")
}

// PublishPost announces a post to the current followers as Create(Note).
// A post that was already published is not queued again.
func (d *Dispatcher) PublishPost(ctx context.Context, post domain.Post) (*domain.OutboxItem, error) {
	if post.URL == "" {
		return nil, fmt.Errorf("post has no url")
	}

	existing, err := d.db.ReadOutboxItemBySourcePost(ctx, d.settings.SiteId, post.URL, "Create")
	if err == nil {
		log.Infof("Outbox: %s was already published as %s", post.URL, existing.ActivityId)
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	targets, err := d.followerTargets(ctx)
	if err != nil {
		return nil, err
	}

	published := post.Published.UTC().Truncate(time.Second)
	if post.Published.IsZero() {
		published = time.Now().UTC().Truncate(time.Second)
	}
	note := &Note{
		ID:           post.URL,
		AttributedTo: d.settings.ActorURI(),
		Content:      fmt.Sprintf(`New post! <a href="%s">%s</a>`, html.EscapeString(post.URL), html.EscapeString(post.Title)),
		URL:          post.URL,
		Published:    &published,
		To:           Audience{PublicAddress},
		Cc:           Audience{d.settings.FollowersURI()},
	}
	create := &Create{
		Context:   ActivityStreamsContext,
		ID:        d.NewActivityId(),
		Actor:     d.settings.ActorURI(),
		Object:    note,
		Published: &published,
		To:        note.To,
		Cc:        note.Cc,
	}
	return d.Enqueue(ctx, create, targets, post.URL)
}

// UpdateProfile sends the current actor document to all followers.
func (d *Dispatcher) UpdateProfile(ctx context.Context) (*domain.OutboxItem, error) {
	targets, err := d.followerTargets(ctx)
	if err != nil {
		return nil, err
	}

	actor := NewLocalActor(d.settings)
	actor.Context = nil
	update := &Update{
		Context: []string{ActivityStreamsContext, SecurityContext},
		ID:      d.NewActivityId(),
		Actor:   d.settings.ActorURI(),
		Object:  actor,
		To:      Audience{PublicAddress},
		Cc:      Audience{d.settings.FollowersURI()},
	}
	return d.Enqueue(ctx, update, targets, "")
}

// FollowActor sends a Follow to a remote actor. The follow counts once the
// remote side answers with Accept.
func (d *Dispatcher) FollowActor(ctx context.Context, handleOrURI string) (*domain.OutboxItem, error) {
	actor, err := d.directory.GetActor(ctx, handleOrURI)
	if err != nil {
		return nil, err
	}

	follow := &Follow{
		Context: ActivityStreamsContext,
		ID:      d.NewActivityId(),
		Actor:   d.settings.ActorURI(),
		Object:  IRI(actor.ActorURI),
	}
	if err := d.db.UpsertFollowing(ctx, d.settings.SiteId, actor.Id, follow.ID); err != nil {
		return nil, fmt.Errorf("failed to record follow of %s: %w", actor.ActorURI, err)
	}
	return d.Enqueue(ctx, follow, []string{actor.ActorURI}, "")
}
