package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carelink/internal/logger"
	"github.com/carelink/internal/model"
)

// ConversationRepository реализует storage.ConversationStore поверх PostgreSQL.
type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

const conversationColumns = `c.id, c.type, c.last_message_id, c.last_message_at, c.is_active, c.created_at, c.updated_at`

// CreateDirect опирается на частичный уникальный индекс по pair_key:
// из параллельных вставок одной пары выигрывает ровно одна.
func (r *ConversationRepository) CreateDirect(ctx context.Context, c *model.Conversation) (*model.Conversation, bool, error) {
	defer logger.DeferLogDuration("conversation.CreateDirect", time.Now())()
	if len(c.Participants) != 2 || c.Participants[0] == c.Participants[1] {
		return nil, false, fmt.Errorf("conversationRepo.CreateDirect: %w", model.ErrInvalidInput)
	}
	a, b := c.Participants[0], c.Participants[1]

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("conversationRepo.CreateDirect: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var id string
	err = tx.QueryRow(ctx,
		`INSERT INTO conversations (id, type, pair_key, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, TRUE, $4, $4)
		 ON CONFLICT (pair_key) WHERE is_active DO NOTHING
		 RETURNING id`,
		c.ID, model.ConversationTypeDirect, model.PairKey(a, b), c.CreatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		_ = tx.Rollback(ctx)
		existing, err := r.FindDirect(ctx, a, b)
		if errors.Is(err, model.ErrNotFound) {
			// пара заархивирована между INSERT и SELECT
			return nil, false, fmt.Errorf("conversationRepo.CreateDirect: %w", model.ErrConflict)
		}
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("conversationRepo.CreateDirect: insert: %w", err)
	}

	for _, p := range c.Participants {
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id, unread_count, joined_at)
			 VALUES ($1, $2, 0, $3)`,
			id, p, c.CreatedAt,
		); err != nil {
			return nil, false, fmt.Errorf("conversationRepo.CreateDirect: participant: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("conversationRepo.CreateDirect: commit: %w", err)
	}
	out := *c
	out.ID = id
	out.Type = model.ConversationTypeDirect
	out.IsActive = true
	out.UnreadCounts = model.UnreadCounts{a: 0, b: 0}
	return &out, true, nil
}

func (r *ConversationRepository) FindDirect(ctx context.Context, a, b string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.FindDirect", time.Now())()
	c, err := r.scanOne(ctx,
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.pair_key = $1 AND c.is_active`,
		model.PairKey(a, b))
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.FindDirect: %w", err)
	}
	return c, nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.GetByID", time.Now())()
	c, err := r.scanOne(ctx, `SELECT `+conversationColumns+` FROM conversations c WHERE c.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.GetByID: %w", err)
	}
	return c, nil
}

// ListActiveFor сортирует от последней активности к старой.
func (r *ConversationRepository) ListActiveFor(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.ListActiveFor", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+conversationColumns+`
		 FROM conversations c
		 JOIN conversation_participants p ON p.conversation_id = c.id
		 WHERE p.user_id = $1 AND c.is_active
		 ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.ListActiveFor: %w", err)
	}
	convs, err := pgx.CollectRows(rows, scanConversation)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.ListActiveFor: %w", err)
	}
	if len(convs) == 0 {
		return []model.Conversation{}, nil
	}
	ptrs := make([]*model.Conversation, len(convs))
	for i := range convs {
		ptrs[i] = &convs[i]
	}
	if err := r.loadParticipants(ctx, ptrs...); err != nil {
		return nil, fmt.Errorf("conversationRepo.ListActiveFor: %w", err)
	}
	return convs, nil
}

// IsParticipant учитывает только активные беседы, как и memory-хранилище.
func (r *ConversationRepository) IsParticipant(ctx context.Context, id, userID string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM conversation_participants p
			JOIN conversations c ON c.id = p.conversation_id
			WHERE p.conversation_id = $1 AND p.user_id = $2 AND c.is_active)`,
		id, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("conversationRepo.IsParticipant: %w", err)
	}
	return ok, nil
}

// IncrementUnread: атомарный UPDATE, без read-modify-write.
func (r *ConversationRepository) IncrementUnread(ctx context.Context, id, userID string) error {
	return r.updateUnread(ctx, "conversationRepo.IncrementUnread",
		`UPDATE conversation_participants p SET unread_count = p.unread_count + 1
		 FROM conversations c
		 WHERE c.id = p.conversation_id AND c.is_active AND p.conversation_id = $1 AND p.user_id = $2`,
		id, userID)
}

func (r *ConversationRepository) ResetUnread(ctx context.Context, id, userID string) error {
	return r.updateUnread(ctx, "conversationRepo.ResetUnread",
		`UPDATE conversation_participants p SET unread_count = 0
		 FROM conversations c
		 WHERE c.id = p.conversation_id AND c.is_active AND p.conversation_id = $1 AND p.user_id = $2`,
		id, userID)
}

func (r *ConversationRepository) updateUnread(ctx context.Context, op, query, id, userID string) error {
	tag, err := r.pool.Exec(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	c, err := r.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !c.IsActive {
		return fmt.Errorf("%s: %w", op, model.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, model.ErrForbidden)
}

func (r *ConversationRepository) SetLastMessage(ctx context.Context, id, messageID string, at time.Time) error {
	defer logger.DeferLogDuration("conversation.SetLastMessage", time.Now())()
	// более старое сообщение не сдвигает указатель назад
	tag, err := r.pool.Exec(ctx,
		`UPDATE conversations SET last_message_id = $2, last_message_at = $3, updated_at = $3
		 WHERE id = $1 AND is_active
		   AND (last_message_at IS NULL OR (last_message_at, last_message_id) <= ($3, $2))`,
		id, messageID, at,
	)
	if err != nil {
		return fmt.Errorf("conversationRepo.SetLastMessage: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var active bool
	err = r.pool.QueryRow(ctx, `SELECT is_active FROM conversations WHERE id = $1`, id).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && !active) {
		return fmt.Errorf("conversationRepo.SetLastMessage: %w", model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("conversationRepo.SetLastMessage: %w", err)
	}
	return nil
}

func (r *ConversationRepository) Deactivate(ctx context.Context, id string, at time.Time) error {
	defer logger.DeferLogDuration("conversation.Deactivate", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE conversations SET is_active = FALSE, updated_at = $2 WHERE id = $1 AND is_active`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("conversationRepo.Deactivate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversationRepo.Deactivate: %w", model.ErrNotFound)
	}
	return nil
}

func (r *ConversationRepository) scanOne(ctx context.Context, query string, args ...any) (*model.Conversation, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanConversation)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadParticipants(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanConversation(row pgx.CollectableRow) (model.Conversation, error) {
	var c model.Conversation
	var typ string
	err := row.Scan(&c.ID, &typ, &c.LastMessageID, &c.LastMessageAt, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	c.Type = model.ConversationType(typ)
	return c, err
}

// loadParticipants заполняет участников и счётчики одним запросом на все беседы.
func (r *ConversationRepository) loadParticipants(ctx context.Context, convs ...*model.Conversation) error {
	ids := make([]string, len(convs))
	byID := make(map[string]*model.Conversation, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
		byID[c.ID] = c
		c.Participants = nil
		c.UnreadCounts = make(model.UnreadCounts, 2)
	}
	rows, err := r.pool.Query(ctx,
		`SELECT conversation_id, user_id, unread_count FROM conversation_participants
		 WHERE conversation_id = ANY($1) ORDER BY conversation_id, user_id`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("participants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var convID, userID string
		var unread int
		if err := rows.Scan(&convID, &userID, &unread); err != nil {
			return fmt.Errorf("participants scan: %w", err)
		}
		c := byID[convID]
		c.Participants = append(c.Participants, userID)
		c.UnreadCounts[userID] = unread
	}
	return rows.Err()
}
