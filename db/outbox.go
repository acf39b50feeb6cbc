package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/deemkeen/blogpub/domain"
	"github.com/google/uuid"
)

// Outbox items and targets
const (
	sqlInsertOutboxItem = `INSERT INTO outbox_items(id, site_id, activity_id, object_id, activity_type, activity, source_post, created_at, all_delivered)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlInsertOutboxTarget = `INSERT OR IGNORE INTO outbox_targets(outbox_id, target, delivered, retries) VALUES (?, ?, 0, 0)`
	sqlOutboxItemColumns  = `SELECT id, site_id, activity_id, object_id, activity_type, activity, source_post, created_at, all_delivered FROM outbox_items`
	sqlSelectOutboxItem   = sqlOutboxItemColumns + ` WHERE id = ?`
	sqlSelectOutboxByRef  = sqlOutboxItemColumns + ` WHERE site_id = ? AND (activity_id = ? OR object_id = ?)
		ORDER BY created_at, rowid LIMIT 1`
	sqlSelectOutboxBySourcePost = sqlOutboxItemColumns + ` WHERE site_id = ? AND source_post = ? AND activity_type = ?
		ORDER BY created_at, rowid LIMIT 1`
	sqlSelectOutboxItems = sqlOutboxItemColumns + ` WHERE site_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`
	sqlSelectTargets     = `SELECT outbox_id, target, delivered, delivered_at, retries FROM outbox_targets WHERE outbox_id = ? ORDER BY target`

	sqlSelectPendingDeliveries = `SELECT o.id, o.rowid, o.activity_id, o.activity, o.created_at, t.target, t.retries, COALESCE(k.inbox, '')
		FROM outbox_targets t
		INNER JOIN outbox_items o ON o.id = t.outbox_id
		LEFT JOIN known_actors k ON k.actor = t.target
		WHERE o.site_id = ? AND t.delivered = 0 AND t.retries < ?
		ORDER BY t.retries, o.created_at, o.rowid, t.target
		LIMIT ?`

	sqlMarkTargetDelivered = `UPDATE outbox_targets SET delivered = 1, delivered_at = ? WHERE outbox_id = ? AND target = ? AND delivered = 0`
	sqlIncrementRetries    = `UPDATE outbox_targets SET retries = retries + 1 WHERE outbox_id = ? AND target = ? AND delivered = 0`
	sqlUpdateAllDelivered  = `UPDATE outbox_items SET all_delivered = 1 WHERE id = ?
		AND NOT EXISTS (SELECT 1 FROM outbox_targets WHERE outbox_id = ? AND delivered = 0)`
)

// Delivery log
const (
	sqlInsertDeliveryLog = `INSERT INTO delivery_log(outbox_id, target, successful, status_code, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectDeliveryLog = `SELECT id, outbox_id, target, successful, status_code, response_body, created_at FROM delivery_log
		WHERE (? = '' OR outbox_id = ?) AND (? = '' OR target = ?)
		ORDER BY id DESC LIMIT ?`
)

func scanOutboxItem(row scanner) (*domain.OutboxItem, error) {
	var item domain.OutboxItem
	var idStr string
	var sourcePost sql.NullString
	err := row.Scan(&idStr, &item.SiteId, &item.ActivityId, &item.ObjectId, &item.ActivityType,
		&item.Activity, &sourcePost, &item.CreatedAt, &item.AllDelivered)
	if err != nil {
		return nil, err
	}
	item.Id, _ = uuid.Parse(idStr)
	item.SourcePost = sourcePost.String
	return &item, nil
}

// EnqueueOutboxItem stores an authored activity and one delivery target per
// entry of targets, all in one transaction. Duplicate targets collapse.
func (db *DB) EnqueueOutboxItem(ctx context.Context, item *domain.OutboxItem, targets []string) error {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	item.CreatedAt = now()
	item.AllDelivered = len(targets) == 0

	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		sourcePost := sql.NullString{String: item.SourcePost, Valid: item.SourcePost != ""}
		_, err := tx.ExecContext(ctx, sqlInsertOutboxItem,
			item.Id.String(),
			item.SiteId,
			item.ActivityId,
			item.ObjectId,
			item.ActivityType,
			item.Activity,
			sourcePost,
			item.CreatedAt,
			boolToInt(item.AllDelivered),
		)
		if err != nil {
			return fmt.Errorf("failed to insert outbox item %s: %w", item.ActivityId, err)
		}

		for _, target := range targets {
			if _, err := tx.ExecContext(ctx, sqlInsertOutboxTarget, item.Id.String(), target); err != nil {
				return fmt.Errorf("failed to insert outbox target %s: %w", target, err)
			}
		}
		return nil
	})
}

func (db *DB) ReadOutboxItem(ctx context.Context, id uuid.UUID) (*domain.OutboxItem, error) {
	return scanOutboxItem(db.db.QueryRowContext(ctx, sqlSelectOutboxItem, id.String()))
}

// ReadOutboxItemByReference finds the item whose activity id or wrapped
// object id equals ref.
func (db *DB) ReadOutboxItemByReference(ctx context.Context, siteId int64, ref string) (*domain.OutboxItem, error) {
	return scanOutboxItem(db.db.QueryRowContext(ctx, sqlSelectOutboxByRef, siteId, ref, ref))
}

func (db *DB) ReadOutboxItemBySourcePost(ctx context.Context, siteId int64, sourcePost, activityType string) (*domain.OutboxItem, error) {
	return scanOutboxItem(db.db.QueryRowContext(ctx, sqlSelectOutboxBySourcePost, siteId, sourcePost, activityType))
}

// ReadOutboxItems returns the newest items first.
func (db *DB) ReadOutboxItems(ctx context.Context, siteId int64, limit int) ([]domain.OutboxItem, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectOutboxItems, siteId, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.OutboxItem
	for rows.Next() {
		item, err := scanOutboxItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (db *DB) ReadOutboxTargets(ctx context.Context, outboxId uuid.UUID) ([]domain.OutboxTarget, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectTargets, outboxId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []domain.OutboxTarget
	for rows.Next() {
		var t domain.OutboxTarget
		var outboxIdStr string
		var deliveredAt sql.NullTime
		if err := rows.Scan(&outboxIdStr, &t.Target, &t.Delivered, &deliveredAt, &t.Retries); err != nil {
			return nil, err
		}
		t.OutboxId, _ = uuid.Parse(outboxIdStr)
		if deliveredAt.Valid {
			ts := deliveredAt.Time
			t.DeliveredAt = &ts
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// ReadPendingDeliveries returns undelivered targets below maxRetries in
// delivery order: fewest retries first, then oldest activity, then target.
func (db *DB) ReadPendingDeliveries(ctx context.Context, siteId int64, maxRetries, limit int) ([]domain.PendingDelivery, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPendingDeliveries, siteId, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []domain.PendingDelivery
	for rows.Next() {
		var p domain.PendingDelivery
		var outboxId string
		err := rows.Scan(&outboxId, &p.Seq, &p.ActivityId, &p.Activity, &p.CreatedAt, &p.Target, &p.Retries, &p.InboxURI)
		if err != nil {
			return nil, err
		}
		p.OutboxId, _ = uuid.Parse(outboxId)
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// MarkDelivered marks one target delivered, recomputes the item's
// all_delivered flag and appends a success log entry.
func (db *DB) MarkDelivered(ctx context.Context, outboxId uuid.UUID, target string, statusCode int, body string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		ts := now()
		if _, err := tx.ExecContext(ctx, sqlMarkTargetDelivered, ts, outboxId.String(), target); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, sqlUpdateAllDelivered, outboxId.String(), outboxId.String()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, sqlInsertDeliveryLog, outboxId.String(), target, 1, statusCode, body, ts)
		return err
	})
}

// RecordDeliveryFailure bumps the target's retry counter and appends a
// failure log entry. statusCode is nil when no response was received.
func (db *DB) RecordDeliveryFailure(ctx context.Context, outboxId uuid.UUID, target string, statusCode *int, detail string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlIncrementRetries, outboxId.String(), target); err != nil {
			return err
		}
		code := sql.NullInt64{}
		if statusCode != nil {
			code = sql.NullInt64{Int64: int64(*statusCode), Valid: true}
		}
		_, err := tx.ExecContext(ctx, sqlInsertDeliveryLog, outboxId.String(), target, 0, code, detail, now())
		return err
	})
}

// ReadDeliveryLogs returns the newest log entries first. Empty filters match
// everything.
func (db *DB) ReadDeliveryLogs(ctx context.Context, outboxId uuid.UUID, target string, limit int) ([]domain.DeliveryLog, error) {
	outboxFilter := ""
	if outboxId != uuid.Nil {
		outboxFilter = outboxId.String()
	}
	rows, err := db.db.QueryContext(ctx, sqlSelectDeliveryLog, outboxFilter, outboxFilter, target, target, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.DeliveryLog
	for rows.Next() {
		var entry domain.DeliveryLog
		var outboxIdStr string
		var statusCode sql.NullInt64
		err := rows.Scan(&entry.Id, &outboxIdStr, &entry.Target, &entry.Successful, &statusCode, &entry.ResponseBody, &entry.CreatedAt)
		if err != nil {
			return nil, err
		}
		entry.OutboxId, _ = uuid.Parse(outboxIdStr)
		if statusCode.Valid {
			code := int(statusCode.Int64)
			entry.StatusCode = &code
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
