package activitypub

import (
	"context"
	"fmt"
	"strings"

	"github.com/deemkeen/blogpub/db"
	"github.com/deemkeen/blogpub/domain"
)

// BlockList decides which actors may follow the site or post into its feed.
// Entries are either an actor URI or a whole server.
type BlockList struct {
	db        *db.DB
	directory *Directory
}

func NewBlockList(database *db.DB, directory *Directory) *BlockList {
	return &BlockList{db: database, directory: directory}
}

// IsBlocked reports whether actorURI or the server hosting it is blocked.
func (b *BlockList) IsBlocked(ctx context.Context, actorURI string) (bool, error) {
	blocked, err := b.db.IsBlocked(ctx, actorURI, hostOf(actorURI))
	if err != nil {
		return false, fmt.Errorf("failed to check block-list for %s: %w", actorURI, err)
	}
	return blocked, nil
}

// Block adds input to the block-list. Input may be an actor URI, a
// user@host handle (resolved to its actor URI) or a bare server name.
func (b *BlockList) Block(ctx context.Context, input string) (domain.Block, error) {
	blockType, target, err := b.parseTarget(ctx, input)
	if err != nil {
		return domain.Block{}, err
	}
	if err := b.db.AddBlock(ctx, blockType, target); err != nil {
		return domain.Block{}, fmt.Errorf("failed to block %s: %w", target, err)
	}
	return domain.Block{Type: blockType, Target: target}, nil
}

func (b *BlockList) Unblock(ctx context.Context, input string) (bool, error) {
	blockType, target, err := b.parseTarget(ctx, input)
	if err != nil {
		return false, err
	}
	removed, err := b.db.RemoveBlock(ctx, blockType, target)
	if err != nil {
		return false, fmt.Errorf("failed to unblock %s: %w", target, err)
	}
	return removed, nil
}

func (b *BlockList) List(ctx context.Context) ([]domain.Block, error) {
	return b.db.ReadBlocks(ctx)
}

func (b *BlockList) parseTarget(ctx context.Context, input string) (domain.BlockType, string, error) {
	input = strings.TrimSpace(input)
	switch {
	case input == "":
		return "", "", fmt.Errorf("%w: empty block target", ErrInvalidActor)
	case strings.HasPrefix(input, "https://"), strings.HasPrefix(input, "http://"):
		return domain.BlockActor, input, nil
	case strings.Contains(strings.TrimPrefix(input, "@"), "@"):
		uri, err := b.directory.Resolve(ctx, input)
		if err != nil {
			return "", "", err
		}
		return domain.BlockActor, uri, nil
	default:
		return domain.BlockServer, strings.ToLower(strings.TrimPrefix(input, "@")), nil
	}
}
