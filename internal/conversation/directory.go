// Package conversation owns conversation entities, participant membership and
// per-participant unread counters.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/carelink/internal/logger"
	"github.com/carelink/internal/model"
	"github.com/carelink/internal/storage"
)

// Directory is the authoritative source of conversation membership.
//
// Mutations of one conversation's counters and last-message pointer are
// serialized through a per-conversation stripe lock. FindOrCreate for a pair
// is collapsed with singleflight in-process and relies on the store's
// uniqueness guarantee across processes.
type Directory struct {
	store storage.ConversationStore
	locks stripedLocks
	pairs singleflight.Group
	now   func() time.Time
}

func NewDirectory(store storage.ConversationStore) *Directory {
	return &Directory{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// FindOrCreate returns the active direct conversation between a and b,
// creating it with zeroed counters when none exists. created reports whether
// this call produced the conversation.
func (d *Directory) FindOrCreate(ctx context.Context, a, b string) (conv *model.Conversation, created bool, err error) {
	defer logger.DeferLogDuration("conversation.FindOrCreate", time.Now())()
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" || a == b {
		return nil, false, fmt.Errorf("conversation.FindOrCreate: %w: two distinct participants required", model.ErrInvalidInput)
	}

	type result struct {
		conv    *model.Conversation
		created bool
		claimed *atomic.Bool
	}
	key := model.PairKey(a, b)
	// результат общий для всех ждущих: отмена первого вызова не должна рвать остальные
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := d.pairs.Do(key, func() (any, error) {
		ctx := flightCtx
		existing, err := d.store.FindDirect(ctx, a, b)
		if err == nil {
			return result{conv: existing}, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		c, created, err := d.store.CreateDirect(ctx, model.NewDirectConversation(uuid.NewString(), a, b, d.now()))
		if err != nil {
			return nil, err
		}
		if created {
			logger.Infof("conversation created id=%s", c.ID)
		}
		return result{conv: c, created: created, claimed: new(atomic.Bool)}, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("conversation.FindOrCreate: %w", err)
	}
	r := v.(result)
	// Callers sharing one flight all see the same result; exactly one of them
	// reports created=true.
	created = r.created && r.claimed.CompareAndSwap(false, true)
	return cloneConv(r.conv), created, nil
}

// Get returns an active conversation or model.ErrNotFound.
func (d *Directory) Get(ctx context.Context, id string) (*model.Conversation, error) {
	if strings.TrimSpace(id) == "" {
		return nil, model.ErrNotFound
	}
	c, err := d.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("conversation.Get: %w", err)
	}
	if !c.IsActive {
		return nil, fmt.Errorf("conversation.Get: %w", model.ErrNotFound)
	}
	return c, nil
}

// Authorize returns the conversation when identityID participates in it.
// Missing, inactive and foreign conversations all yield model.ErrForbidden so
// that a non-participant learns nothing about which ids exist.
func (d *Directory) Authorize(ctx context.Context, id, identityID string) (*model.Conversation, error) {
	c, err := d.Get(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("conversation.Authorize: %w", model.ErrForbidden)
	}
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(identityID) {
		return nil, fmt.Errorf("conversation.Authorize: %w", model.ErrForbidden)
	}
	return c, nil
}

func (d *Directory) ListActiveFor(ctx context.Context, identityID string) ([]model.Conversation, error) {
	convs, err := d.store.ListActiveFor(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("conversation.ListActiveFor: %w", err)
	}
	return convs, nil
}

func (d *Directory) IsParticipant(ctx context.Context, id, identityID string) (bool, error) {
	if id == "" || identityID == "" {
		return false, nil
	}
	ok, err := d.store.IsParticipant(ctx, id, identityID)
	if err != nil {
		return false, fmt.Errorf("conversation.IsParticipant: %w", err)
	}
	return ok, nil
}

func (d *Directory) IncrementUnread(ctx context.Context, id, identityID string) error {
	unlock := d.locks.lock(id)
	defer unlock()
	if err := d.store.IncrementUnread(ctx, id, identityID); err != nil {
		return fmt.Errorf("conversation.IncrementUnread: %w", err)
	}
	return nil
}

func (d *Directory) ResetUnread(ctx context.Context, id, identityID string) error {
	unlock := d.locks.lock(id)
	defer unlock()
	if err := d.store.ResetUnread(ctx, id, identityID); err != nil {
		return fmt.Errorf("conversation.ResetUnread: %w", err)
	}
	return nil
}

func (d *Directory) RecordLastMessage(ctx context.Context, id, messageID string, at time.Time) error {
	unlock := d.locks.lock(id)
	defer unlock()
	if err := d.store.SetLastMessage(ctx, id, messageID, at); err != nil {
		return fmt.Errorf("conversation.RecordLastMessage: %w", err)
	}
	return nil
}

// Deactivate soft-deletes a conversation on behalf of one of its participants.
func (d *Directory) Deactivate(ctx context.Context, id, actorID string) (*model.Conversation, error) {
	c, err := d.Authorize(ctx, id, actorID)
	if err != nil {
		return nil, err
	}
	unlock := d.locks.lock(id)
	defer unlock()
	if err := d.store.Deactivate(ctx, id, d.now()); err != nil {
		return nil, fmt.Errorf("conversation.Deactivate: %w", err)
	}
	c.IsActive = false
	logger.Infof("conversation archived id=%s by=%s", id, actorID)
	return c, nil
}

func cloneConv(c *model.Conversation) *model.Conversation {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	cp.UnreadCounts = make(model.UnreadCounts, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		cp.UnreadCounts[k] = v
	}
	return &cp
}
