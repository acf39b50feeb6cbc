package db

import (
	"context"
	"database/sql"
	"strings"

	"github.com/deemkeen/blogpub/domain"
)

const (
	sqlInsertBlock  = `INSERT OR IGNORE INTO blocks(target_type, target, created_at) VALUES (?, ?, ?)`
	sqlDeleteBlock  = `DELETE FROM blocks WHERE target_type = ? AND target = ?`
	sqlSelectBlocks = `SELECT target_type, target, created_at FROM blocks ORDER BY target_type, target`
	sqlCountBlocked = `SELECT COUNT(*) FROM blocks
		WHERE (target_type = 'actor' AND target = ?) OR (target_type = 'server' AND target = ?)`
)

// AddBlock adds an actor URI or a server host to the block-list.
func (db *DB) AddBlock(ctx context.Context, blockType domain.BlockType, target string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertBlock, string(blockType), normalizeBlockTarget(blockType, target), now())
		return err
	})
}

func (db *DB) RemoveBlock(ctx context.Context, blockType domain.BlockType, target string) (bool, error) {
	var removed bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteBlock, string(blockType), normalizeBlockTarget(blockType, target))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	return removed, err
}

// IsBlocked reports whether the actor itself or its server is blocked.
func (db *DB) IsBlocked(ctx context.Context, actorURI, server string) (bool, error) {
	var count int
	err := db.db.QueryRowContext(ctx, sqlCountBlocked, actorURI, strings.ToLower(server)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) ReadBlocks(ctx context.Context) ([]domain.Block, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectBlocks)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []domain.Block
	for rows.Next() {
		var b domain.Block
		var blockType string
		if err := rows.Scan(&blockType, &b.Target, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Type = domain.BlockType(blockType)
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// server hosts compare case-insensitively, actor URIs exactly
func normalizeBlockTarget(blockType domain.BlockType, target string) string {
	target = strings.TrimSpace(target)
	if blockType == domain.BlockServer {
		return strings.ToLower(target)
	}
	return target
}
