package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/deemkeen/blogpub/domain"
	"github.com/google/uuid"
)

// Known actors
const (
	sqlKnownActorColumns = `known_actors.id, known_actors.actor, known_actors.inbox, known_actors.public_key_id,
		known_actors.public_key, known_actors.is_following, known_actors.username, known_actors.server,
		known_actors.raw_document, known_actors.first_seen, known_actors.last_seen`

	sqlUpsertKnownActor = `INSERT INTO known_actors(id, actor, inbox, public_key_id, public_key, is_following, username, server, raw_document, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
		ON CONFLICT(actor) DO UPDATE SET
			inbox = excluded.inbox,
			public_key_id = excluded.public_key_id,
			public_key = excluded.public_key,
			username = excluded.username,
			server = excluded.server,
			raw_document = excluded.raw_document,
			last_seen = excluded.last_seen`
	sqlSelectKnownActorByURI   = `SELECT ` + sqlKnownActorColumns + ` FROM known_actors WHERE actor = ?`
	sqlSelectKnownActorByKeyId = `SELECT ` + sqlKnownActorColumns + ` FROM known_actors WHERE public_key_id = ?
		ORDER BY last_seen DESC LIMIT 1`
	sqlUpdateIsFollowing       = `UPDATE known_actors SET is_following = ? WHERE actor = ?`
)

// Followers and following
const (
	sqlInsertFollower = `INSERT OR IGNORE INTO followers(site_id, actor_id, created_at) VALUES (?, ?, ?)`
	sqlDeleteFollower = `DELETE FROM followers WHERE site_id = ?
		AND actor_id IN (SELECT id FROM known_actors WHERE actor = ?)`
	sqlSelectFollowers = `SELECT followers.site_id, followers.actor_id, known_actors.actor, known_actors.inbox, followers.created_at
		FROM followers INNER JOIN known_actors ON known_actors.id = followers.actor_id
		WHERE followers.site_id = ?
		ORDER BY followers.created_at, known_actors.actor`

	sqlUpsertFollowing = `INSERT INTO following(site_id, actor_id, follow_id, accepted, created_at) VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(site_id, actor_id) DO UPDATE SET follow_id = excluded.follow_id, accepted = 0`
	sqlAcceptFollowing = `UPDATE following SET accepted = 1 WHERE site_id = ?
		AND (follow_id = ? OR actor_id IN (SELECT id FROM known_actors WHERE actor = ?))`
	sqlSelectFollowing = `SELECT following.site_id, following.actor_id, known_actors.actor, following.follow_id, following.accepted, following.created_at
		FROM following INNER JOIN known_actors ON known_actors.id = following.actor_id
		WHERE following.site_id = ? AND (following.accepted = 1 OR ? = 0)
		ORDER BY following.created_at, known_actors.actor`
)

type scanner interface {
	Scan(dest ...any) error
}

func scanKnownActor(row scanner) (*domain.KnownActor, error) {
	var actor domain.KnownActor
	var idStr string
	var publicKey sql.NullString
	err := row.Scan(
		&idStr,
		&actor.ActorURI,
		&actor.InboxURI,
		&actor.PublicKeyId,
		&publicKey,
		&actor.IsFollowing,
		&actor.Username,
		&actor.Server,
		&actor.RawDocument,
		&actor.FirstSeen,
		&actor.LastSeen,
	)
	if err != nil {
		return nil, err
	}
	actor.Id, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid known actor id %q: %w", idStr, err)
	}
	actor.PublicKeyPem = publicKey.String
	return &actor, nil
}

// UpsertKnownActor inserts or refreshes a cached actor. first_seen and
// is_following of an existing row are kept. The stored row is returned.
func (db *DB) UpsertKnownActor(ctx context.Context, actor *domain.KnownActor) (*domain.KnownActor, error) {
	var stored *domain.KnownActor
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		ts := now()
		publicKey := sql.NullString{String: actor.PublicKeyPem, Valid: actor.PublicKeyPem != ""}
		_, err := tx.ExecContext(ctx, sqlUpsertKnownActor,
			uuid.New().String(),
			actor.ActorURI,
			actor.InboxURI,
			actor.PublicKeyId,
			publicKey,
			actor.Username,
			actor.Server,
			actor.RawDocument,
			ts,
			ts,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert actor %s: %w", actor.ActorURI, err)
		}

		stored, err = scanKnownActor(tx.QueryRowContext(ctx, sqlSelectKnownActorByURI, actor.ActorURI))
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// ReadKnownActorByURI returns sql.ErrNoRows when the actor is not cached.
func (db *DB) ReadKnownActorByURI(ctx context.Context, uri string) (*domain.KnownActor, error) {
	return scanKnownActor(db.db.QueryRowContext(ctx, sqlSelectKnownActorByURI, uri))
}

// ReadKnownActorByKeyId finds the cached actor publishing keyId. It returns
// sql.ErrNoRows when no cached actor does.
func (db *DB) ReadKnownActorByKeyId(ctx context.Context, keyId string) (*domain.KnownActor, error) {
	return scanKnownActor(db.db.QueryRowContext(ctx, sqlSelectKnownActorByKeyId, keyId))
}

func (db *DB) SetIsFollowing(ctx context.Context, actorURI string, following bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateIsFollowing, boolToInt(following), actorURI)
		return err
	})
}

// AddFollower records actorId as a follower of the site. It reports whether
// a new row was created.
func (db *DB) AddFollower(ctx context.Context, siteId int64, actorId uuid.UUID) (bool, error) {
	var created bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertFollower, siteId, actorId.String(), now())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		created = n > 0
		return err
	})
	return created, err
}

// RemoveFollower deletes the follower row for actorURI if it exists.
func (db *DB) RemoveFollower(ctx context.Context, siteId int64, actorURI string) (bool, error) {
	var removed bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteFollower, siteId, actorURI)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	return removed, err
}

func (db *DB) ReadFollowers(ctx context.Context, siteId int64) ([]domain.Follower, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowers, siteId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var followers []domain.Follower
	for rows.Next() {
		var f domain.Follower
		var actorId string
		if err := rows.Scan(&f.SiteId, &actorId, &f.ActorURI, &f.InboxURI, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.ActorId, _ = uuid.Parse(actorId)
		followers = append(followers, f)
	}
	return followers, rows.Err()
}

// UpsertFollowing records a Follow we sent to actorId. A repeated follow
// replaces the pending follow id.
func (db *DB) UpsertFollowing(ctx context.Context, siteId int64, actorId uuid.UUID, followId string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertFollowing, siteId, actorId.String(), followId, now())
		return err
	})
}

// AcceptFollowing marks our follow as accepted, matched by the Follow id or
// by the accepting actor.
func (db *DB) AcceptFollowing(ctx context.Context, siteId int64, followId, actorURI string) (bool, error) {
	var accepted bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlAcceptFollowing, siteId, followId, actorURI)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		accepted = n > 0
		return err
	})
	return accepted, err
}

func (db *DB) ReadFollowing(ctx context.Context, siteId int64, acceptedOnly bool) ([]domain.Following, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowing, siteId, boolToInt(acceptedOnly))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var following []domain.Following
	for rows.Next() {
		var f domain.Following
		var actorId string
		if err := rows.Scan(&f.SiteId, &actorId, &f.ActorURI, &f.FollowId, &f.Accepted, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.ActorId, _ = uuid.Parse(actorId)
		following = append(following, f)
	}
	return following, rows.Err()
}
