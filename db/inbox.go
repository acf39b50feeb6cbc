package db

import (
	"context"
	"database/sql"

	"github.com/deemkeen/blogpub/domain"
	"github.com/google/uuid"
)

// Inbox items
const (
	sqlInsertInboxItem         = `INSERT INTO inbox_items(id, site_id, body, received_at, processed) VALUES (?, ?, ?, ?, 0)`
	sqlSelectInboxItem         = `SELECT id, site_id, body, received_at, processed FROM inbox_items WHERE id = ?`
	sqlSelectUnprocessedItem   = `SELECT id, site_id, body, received_at, processed FROM inbox_items WHERE id = ? AND processed = 0`
	sqlSelectUnprocessedBySite = `SELECT id, site_id, body, received_at, processed FROM inbox_items WHERE site_id = ? AND processed = 0 ORDER BY received_at, rowid`
	sqlMarkInboxItemProcessed  = `UPDATE inbox_items SET processed = 1 WHERE id = ? AND processed = 0`
)

// Feed and likes
const (
	sqlInsertFeedItem = `INSERT OR IGNORE INTO feed_items(id, site_id, actor_id, inbox_item_id, note_id, content, url, published, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlDeleteFeedItemByNote = `DELETE FROM feed_items WHERE site_id = ? AND note_id = ?
		AND actor_id IN (SELECT id FROM known_actors WHERE actor = ?)`
	sqlSelectFeedItemsColumns = `SELECT feed_items.id, feed_items.site_id, feed_items.actor_id, known_actors.actor, feed_items.inbox_item_id,
		feed_items.note_id, feed_items.content, feed_items.url, feed_items.published, feed_items.received_at
		FROM feed_items INNER JOIN known_actors ON known_actors.id = feed_items.actor_id`
	sqlSelectFeedItems        = sqlSelectFeedItemsColumns + ` WHERE feed_items.site_id = ? ORDER BY feed_items.published DESC LIMIT ?`
	sqlSelectFeedItemsByActor = sqlSelectFeedItemsColumns + ` WHERE feed_items.site_id = ? AND known_actors.actor = ? ORDER BY feed_items.published DESC`

	sqlInsertLike = `INSERT OR IGNORE INTO likes(site_id, source_post, actor_id, like_id, inbox_item_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlDeleteLike = `DELETE FROM likes WHERE site_id = ? AND like_id = ?
		AND actor_id IN (SELECT id FROM known_actors WHERE actor = ?)`
	sqlSelectLikesByActor = `SELECT likes.site_id, likes.source_post, likes.actor_id, known_actors.actor, likes.like_id, likes.inbox_item_id, likes.created_at
		FROM likes INNER JOIN known_actors ON known_actors.id = likes.actor_id
		WHERE likes.site_id = ? AND known_actors.actor = ? ORDER BY likes.created_at`
	sqlCountLikesByPost = `SELECT COUNT(*) FROM likes WHERE site_id = ? AND source_post = ?`
)

func scanInboxItem(row scanner) (*domain.InboxItem, error) {
	var item domain.InboxItem
	var idStr string
	if err := row.Scan(&idStr, &item.SiteId, &item.Body, &item.ReceivedAt, &item.Processed); err != nil {
		return nil, err
	}
	item.Id, _ = uuid.Parse(idStr)
	return &item, nil
}

// CreateInboxItem stores a received envelope. Id and ReceivedAt are filled in.
func (db *DB) CreateInboxItem(ctx context.Context, item *domain.InboxItem) error {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	item.ReceivedAt = now()
	item.Processed = false
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertInboxItem, item.Id.String(), item.SiteId, item.Body, item.ReceivedAt)
		return err
	})
}

func (db *DB) ReadInboxItem(ctx context.Context, id uuid.UUID) (*domain.InboxItem, error) {
	return scanInboxItem(db.db.QueryRowContext(ctx, sqlSelectInboxItem, id.String()))
}

// ReadUnprocessedInboxItem returns sql.ErrNoRows for unknown or already
// processed items.
func (db *DB) ReadUnprocessedInboxItem(ctx context.Context, id uuid.UUID) (*domain.InboxItem, error) {
	return scanInboxItem(db.db.QueryRowContext(ctx, sqlSelectUnprocessedItem, id.String()))
}

func (db *DB) ReadUnprocessedInboxItems(ctx context.Context, siteId int64) ([]domain.InboxItem, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectUnprocessedBySite, siteId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.InboxItem
	for rows.Next() {
		item, err := scanInboxItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// MarkInboxItemProcessed flips processed once; later calls are no-ops.
func (db *DB) MarkInboxItemProcessed(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlMarkInboxItemProcessed, id.String())
		return err
	})
}

// CreateFeedItem stores a received note. A note id already in the feed is
// ignored.
func (db *DB) CreateFeedItem(ctx context.Context, item *domain.FeedItem) error {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	item.ReceivedAt = now()
	if item.Published.IsZero() {
		item.Published = item.ReceivedAt
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertFeedItem,
			item.Id.String(),
			item.SiteId,
			item.ActorId.String(),
			item.InboxItemId.String(),
			item.NoteId,
			item.Content,
			item.URL,
			item.Published.UTC(),
			item.ReceivedAt,
		)
		return err
	})
}

// DeleteFeedItemByNote removes a note, only when actorURI authored it.
func (db *DB) DeleteFeedItemByNote(ctx context.Context, siteId int64, noteId, actorURI string) (bool, error) {
	var removed bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteFeedItemByNote, siteId, noteId, actorURI)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	return removed, err
}

func (db *DB) ReadFeedItems(ctx context.Context, siteId int64, limit int) ([]domain.FeedItem, error) {
	return db.queryFeedItems(ctx, sqlSelectFeedItems, siteId, limit)
}

func (db *DB) ReadFeedItemsByActor(ctx context.Context, siteId int64, actorURI string) ([]domain.FeedItem, error) {
	return db.queryFeedItems(ctx, sqlSelectFeedItemsByActor, siteId, actorURI)
}

func (db *DB) queryFeedItems(ctx context.Context, query string, args ...any) ([]domain.FeedItem, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.FeedItem
	for rows.Next() {
		var item domain.FeedItem
		var id, actorId, inboxItemId string
		err := rows.Scan(&id, &item.SiteId, &actorId, &item.ActorURI, &inboxItemId,
			&item.NoteId, &item.Content, &item.URL, &item.Published, &item.ReceivedAt)
		if err != nil {
			return nil, err
		}
		item.Id, _ = uuid.Parse(id)
		item.ActorId, _ = uuid.Parse(actorId)
		item.InboxItemId, _ = uuid.Parse(inboxItemId)
		items = append(items, item)
	}
	return items, rows.Err()
}

// CreateLike records a like of a source post; one per actor and post.
func (db *DB) CreateLike(ctx context.Context, like *domain.Like) (bool, error) {
	like.CreatedAt = now()
	var created bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertLike,
			like.SiteId, like.SourcePost, like.ActorId.String(), like.LikeId, like.InboxItemId.String(), like.CreatedAt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		created = n > 0
		return err
	})
	return created, err
}

func (db *DB) DeleteLike(ctx context.Context, siteId int64, likeId, actorURI string) (bool, error) {
	var removed bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteLike, siteId, likeId, actorURI)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	return removed, err
}

func (db *DB) ReadLikesByActor(ctx context.Context, siteId int64, actorURI string) ([]domain.Like, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectLikesByActor, siteId, actorURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var likes []domain.Like
	for rows.Next() {
		var like domain.Like
		var actorId, inboxItemId string
		err := rows.Scan(&like.SiteId, &like.SourcePost, &actorId, &like.ActorURI, &like.LikeId, &inboxItemId, &like.CreatedAt)
		if err != nil {
			return nil, err
		}
		like.ActorId, _ = uuid.Parse(actorId)
		like.InboxItemId, _ = uuid.Parse(inboxItemId)
		likes = append(likes, like)
	}
	return likes, rows.Err()
}

func (db *DB) CountLikes(ctx context.Context, siteId int64, sourcePost string) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, sqlCountLikesByPost, siteId, sourcePost).Scan(&count)
	return count, err
}
