package activitypub

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/blogpub/db"
	"github.com/deemkeen/blogpub/domain"
	"github.com/deemkeen/blogpub/metrics"
	"github.com/google/uuid"
)

// Processor takes signed activities off the inbox, stores them and applies
// them to local state. An item is marked processed only after its handler
// succeeded, so anything else can be replayed with Reprocess.
type Processor struct {
	db         *db.DB
	settings   *domain.Settings
	directory  *Directory
	dispatcher *Dispatcher
	blocks     *BlockList
}

func NewProcessor(database *db.DB, settings *domain.Settings, directory *Directory, dispatcher *Dispatcher, blocks *BlockList) *Processor {
	return &Processor{
		db:         database,
		settings:   settings,
		directory:  directory,
		dispatcher: dispatcher,
		blocks:     blocks,
	}
}

// Receive verifies a POSTed activity, stores it and dispatches it. Requests
// failing verification are not stored. The returned error is for logging;
// remote senders always get the same answer.
func (p *Processor) Receive(ctx context.Context, req *http.Request, body []byte) (*domain.InboxItem, error) {
	keyId, err := Verify(ctx, req, body, p.directory.PublicKey)
	if err != nil {
		metrics.SignatureFailuresTotal.Inc()
		log.Warnf("Inbox: Signature verification failed: %v", err)
		return nil, err
	}

	activity, err := DecodeActivity(body)
	if err != nil {
		metrics.InboxActivitiesTotal.WithLabelValues("unknown", "malformed").Inc()
		log.Warnf("Inbox: Failed to parse activity from %s: %v", keyId, err)
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedActivity, err)
	}

	owner, err := p.directory.KeyOwner(ctx, keyId, false)
	if err != nil {
		metrics.SignatureFailuresTotal.Inc()
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	signer := owner.ActorURI
	if actor := ActorOf(activity); actor != signer {
		metrics.SignatureFailuresTotal.Inc()
		log.Warnf("Inbox: %s signed by %s, rejecting", activity.ActivityType(), signer)
		return nil, fmt.Errorf("%w: activity actor %q does not match signer %q", ErrSignatureInvalid, actor, signer)
	}

	item := &domain.InboxItem{
		SiteId: p.settings.SiteId,
		Body:   string(body),
	}
	if err := p.db.CreateInboxItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to store inbox item: %w", err)
	}

	log.Infof("Inbox: Received %s from %s", activity.ActivityType(), signer)
	return item, p.dispatch(ctx, item, activity)
}

// Requester verifies a signed GET and returns the URI of the signing actor.
func (p *Processor) Requester(ctx context.Context, req *http.Request) (string, error) {
	keyId, err := Verify(ctx, req, nil, p.directory.PublicKey)
	if err != nil {
		metrics.SignatureFailuresTotal.Inc()
		return "", err
	}
	owner, err := p.directory.KeyOwner(ctx, keyId, false)
	if err != nil {
		metrics.SignatureFailuresTotal.Inc()
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return owner.ActorURI, nil
}

// Reprocess replays one stored item. Already processed items are skipped.
func (p *Processor) Reprocess(ctx context.Context, id uuid.UUID) error {
	item, err := p.db.ReadUnprocessedInboxItem(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		log.Infof("Inbox: %s is processed or unknown, nothing to do", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read inbox item %s: %w", id, err)
	}
	return p.Dispatch(ctx, item)
}

// ReprocessAll replays every unprocessed item of the site and returns how
// many of them are processed now.
func (p *Processor) ReprocessAll(ctx context.Context) (int, error) {
	items, err := p.db.ReadUnprocessedInboxItems(ctx, p.settings.SiteId)
	if err != nil {
		return 0, fmt.Errorf("failed to read unprocessed inbox items: %w", err)
	}

	var done int
	var errs []error
	for i := range items {
		if err := p.Dispatch(ctx, &items[i]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", items[i].Id, err))
			continue
		}
		done++
	}
	log.Infof("Inbox: reprocessed %d of %d items", done, len(items))
	return done, errors.Join(errs...)
}

// Dispatch decodes a stored item and applies it.
func (p *Processor) Dispatch(ctx context.Context, item *domain.InboxItem) error {
	activity, err := DecodeActivity([]byte(item.Body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedActivity, err)
	}
	return p.dispatch(ctx, item, activity)
}

func (p *Processor) dispatch(ctx context.Context, item *domain.InboxItem, activity Activity) error {
	var err error
	switch a := activity.(type) {
	case *Follow:
		err = p.handleFollow(ctx, a)
	case *Undo:
		err = p.handleUndo(ctx, a)
	case *Delete:
		err = p.handleDelete(ctx, a)
	case *Create:
		err = p.handleCreate(ctx, item, a)
	case *Like:
		err = p.handleLike(ctx, item, a)
	case *Update:
		log.Infof("Inbox: Update from %s acknowledged", a.Actor)
	case *Accept:
		err = p.handleAccept(ctx, a)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedActivity, activity.ActivityType())
	}

	typ := activity.ActivityType()
	switch {
	case err == nil:
		if err := p.db.MarkInboxItemProcessed(ctx, item.Id); err != nil {
			return fmt.Errorf("failed to mark %s processed: %w", item.Id, err)
		}
		item.Processed = true
		metrics.InboxActivitiesTotal.WithLabelValues(typ, "processed").Inc()
		return nil
	case errors.Is(err, ErrBlocked):
		metrics.InboxActivitiesTotal.WithLabelValues(typ, "blocked").Inc()
		log.Infof("Inbox: Dropped %s from blocked %s", typ, ActorOf(activity))
	case errors.Is(err, ErrUnsupportedActivity):
		metrics.InboxActivitiesTotal.WithLabelValues(typ, "unsupported").Inc()
		log.Warnf("Inbox: %v", err)
	default:
		metrics.InboxActivitiesTotal.WithLabelValues(typ, "error").Inc()
		log.Errorf("Inbox: Failed to handle %s: %v", typ, err)
	}
	return err
}

func (p *Processor) checkBlocked(ctx context.Context, actorURI string) error {
	blocked, err := p.blocks.IsBlocked(ctx, actorURI)
	if err != nil {
		return err
	}
	if blocked {
		return fmt.Errorf("%w: %s", ErrBlocked, actorURI)
	}
	return nil
}

func (p *Processor) handleFollow(ctx context.Context, follow *Follow) error {
	if follow.Object == nil || follow.Object.ObjectID() != p.settings.ActorURI() {
		return fmt.Errorf("%w: Follow of an actor that is not ours", ErrUnsupportedActivity)
	}
	if err := p.checkBlocked(ctx, follow.Actor); err != nil {
		return err
	}

	actor, err := p.directory.GetActor(ctx, follow.Actor)
	if err != nil {
		return err
	}

	created, err := p.db.AddFollower(ctx, p.settings.SiteId, actor.Id)
	if err != nil {
		return fmt.Errorf("failed to add follower %s: %w", actor.ActorURI, err)
	}
	if err := p.db.SetIsFollowing(ctx, actor.ActorURI, true); err != nil {
		return fmt.Errorf("failed to update %s: %w", actor.ActorURI, err)
	}
	if created {
		log.Infof("Inbox: %s is now following", actor.Handle())
	}

	accept, err := p.dispatcher.AcceptFollow(ctx, follow)
	if err != nil {
		return err
	}
	if err := p.dispatcher.DeliverItem(ctx, accept); err != nil {
		log.Warnf("Inbox: Accept to %s left for the delivery worker: %v", actor.ActorURI, err)
	}
	return nil
}

func (p *Processor) handleUndo(ctx context.Context, undo *Undo) error {
	switch obj := undo.Object.(type) {
	case *Follow:
		return p.removeFollower(ctx, undo.Actor)
	case *Like:
		return p.removeLike(ctx, obj.ID, undo.Actor)
	case IRI:
		// bare id: a like we know of, otherwise a follow
		removed, err := p.db.DeleteLike(ctx, p.settings.SiteId, string(obj), undo.Actor)
		if err != nil {
			return fmt.Errorf("failed to remove like %s: %w", obj, err)
		}
		if removed {
			return nil
		}
		return p.removeFollower(ctx, undo.Actor)
	case nil:
		return fmt.Errorf("%w: Undo without object", ErrUnsupportedActivity)
	default:
		return fmt.Errorf("%w: Undo of %s", ErrUnsupportedActivity, obj.ActivityType())
	}
}

func (p *Processor) removeFollower(ctx context.Context, actorURI string) error {
	removed, err := p.db.RemoveFollower(ctx, p.settings.SiteId, actorURI)
	if err != nil {
		return fmt.Errorf("failed to remove follower %s: %w", actorURI, err)
	}
	if !removed {
		log.Debugf("Inbox: %s was not following", actorURI)
		return nil
	}
	if err := p.db.SetIsFollowing(ctx, actorURI, false); err != nil {
		return fmt.Errorf("failed to update %s: %w", actorURI, err)
	}
	log.Infof("Inbox: %s unfollowed", actorURI)
	return nil
}

func (p *Processor) removeLike(ctx context.Context, likeId, actorURI string) error {
	if _, err := p.db.DeleteLike(ctx, p.settings.SiteId, likeId, actorURI); err != nil {
		return fmt.Errorf("failed to remove like %s: %w", likeId, err)
	}
	return nil
}

func (p *Processor) handleDelete(ctx context.Context, del *Delete) error {
	if del.Object == nil {
		return fmt.Errorf("%w: Delete without object", ErrUnsupportedActivity)
	}

	id := del.Object.ObjectID()
	if id == del.Actor {
		return p.removeFollower(ctx, del.Actor)
	}

	removed, err := p.db.DeleteFeedItemByNote(ctx, p.settings.SiteId, id, del.Actor)
	if err != nil {
		return fmt.Errorf("failed to delete note %s: %w", id, err)
	}
	if removed {
		log.Infof("Inbox: Removed note %s", id)
	}
	return nil
}

func (p *Processor) handleCreate(ctx context.Context, item *domain.InboxItem, create *Create) error {
	if err := p.checkBlocked(ctx, create.Actor); err != nil {
		return err
	}

	note, ok := create.Object.(*Note)
	if !ok {
		typ := "nothing"
		if create.Object != nil {
			typ = create.Object.ActivityType()
		}
		// settled for good, replaying would not change the outcome
		if err := p.db.MarkInboxItemProcessed(ctx, item.Id); err != nil {
			return fmt.Errorf("failed to mark %s processed: %w", item.Id, err)
		}
		return fmt.Errorf("%w: Create of %s", ErrUnsupportedActivity, typ)
	}

	actor, err := p.directory.GetActor(ctx, create.Actor)
	if err != nil {
		return err
	}

	feedItem := &domain.FeedItem{
		SiteId:      p.settings.SiteId,
		ActorId:     actor.Id,
		ActorURI:    actor.ActorURI,
		InboxItemId: item.Id,
		NoteId:      note.ID,
		Content:     note.Content,
		URL:         note.URL,
	}
	switch {
	case note.Published != nil:
		feedItem.Published = *note.Published
	case create.Published != nil:
		feedItem.Published = *create.Published
	}
	if feedItem.NoteId == "" {
		feedItem.NoteId = create.ID
	}

	if err := p.db.CreateFeedItem(ctx, feedItem); err != nil {
		return fmt.Errorf("failed to store note %s: %w", feedItem.NoteId, err)
	}
	log.Infof("Inbox: Stored note %s from %s", feedItem.NoteId, actor.Handle())
	return nil
}

func (p *Processor) handleLike(ctx context.Context, item *domain.InboxItem, like *Like) error {
	if like.Object == nil {
		return fmt.Errorf("%w: Like without object", ErrUnsupportedActivity)
	}

	actor, err := p.directory.GetActor(ctx, like.Actor)
	if err != nil {
		return err
	}

	liked, err := p.db.ReadOutboxItemByReference(ctx, p.settings.SiteId, like.Object.ObjectID())
	if errors.Is(err, sql.ErrNoRows) {
		log.Infof("Inbox: %s liked %s which is not ours", actor.Handle(), like.Object.ObjectID())
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up liked object: %w", err)
	}

	sourcePost := liked.SourcePost
	if sourcePost == "" {
		sourcePost = liked.ActivityId
	}
	created, err := p.db.CreateLike(ctx, &domain.Like{
		SiteId:      p.settings.SiteId,
		SourcePost:  sourcePost,
		ActorId:     actor.Id,
		ActorURI:    actor.ActorURI,
		LikeId:      like.ID,
		InboxItemId: item.Id,
	})
	if err != nil {
		return fmt.Errorf("failed to store like: %w", err)
	}
	if created {
		log.Infof("Inbox: %s liked %s", actor.Handle(), sourcePost)
	}
	return nil
}

func (p *Processor) handleAccept(ctx context.Context, accept *Accept) error {
	if accept.Object == nil {
		return fmt.Errorf("%w: Accept without object", ErrUnsupportedActivity)
	}
	if t := accept.Object.ActivityType(); t != "" && t != "Follow" {
		return fmt.Errorf("%w: Accept of %s", ErrUnsupportedActivity, t)
	}

	followId := accept.Object.ObjectID()
	accepted, err := p.db.AcceptFollowing(ctx, p.settings.SiteId, followId, accept.Actor)
	if err != nil {
		return fmt.Errorf("failed to accept follow %s: %w", followId, err)
	}
	if !accepted {
		log.Infof("Inbox: Accept from %s for unknown follow %s", accept.Actor, followId)
		return nil
	}
	if err := p.db.SetIsFollowing(ctx, accept.Actor, true); err != nil {
		return fmt.Errorf("failed to update %s: %w", accept.Actor, err)
	}
	log.Infof("Inbox: Now following %s", accept.Actor)
	return nil
}
