package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carelink/internal/logger"
	"github.com/carelink/internal/model"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// MessageRepository реализует storage.MessageStore поверх PostgreSQL.
type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

const messageColumns = `m.id, m.conversation_id, m.sender_id, m.content, m.message_type, m.attachment,
	m.is_edited, m.edited_at, m.is_deleted, m.deleted_at, m.created_at`

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, message_type, attachment, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, string(m.Type), m.Attachment, m.CreatedAt,
	)
	switch pgCode(err) {
	case "":
	case pgUniqueViolation:
		return fmt.Errorf("msgRepo.Create: %w", model.ErrConflict)
	case pgForeignKeyViolation:
		return fmt.Errorf("msgRepo.Create: %w", model.ErrNotFound)
	default:
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	rows, err := r.pool.Query(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	m, err := pgx.CollectExactlyOneRow(rows, scanMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	if err := r.loadReceipts(ctx, []*model.Message{&m}); err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return &m, nil
}

// ListBefore: keyset-пагинация по (created_at, id), от новых к старым.
func (r *MessageRepository) ListBefore(ctx context.Context, conversationID string, before *model.Message, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListBefore", time.Now())()
	var (
		rows pgx.Rows
		err  error
	)
	if before == nil {
		rows, err = r.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM messages m
			 WHERE m.conversation_id = $1 AND NOT m.is_deleted
			 ORDER BY m.created_at DESC, m.id DESC
			 LIMIT $2`,
			conversationID, limit)
	} else {
		rows, err = r.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM messages m
			 WHERE m.conversation_id = $1 AND NOT m.is_deleted
			   AND (m.created_at, m.id) < ($2, $3)
			 ORDER BY m.created_at DESC, m.id DESC
			 LIMIT $4`,
			conversationID, before.CreatedAt, before.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListBefore: %w", err)
	}
	return r.collect(ctx, "msgRepo.ListBefore", rows)
}

func (r *MessageRepository) ListUnreadFor(ctx context.Context, conversationID, userID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListUnreadFor", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 WHERE m.conversation_id = $1 AND NOT m.is_deleted AND m.sender_id <> $2
		   AND NOT EXISTS (SELECT 1 FROM message_reads mr WHERE mr.message_id = m.id AND mr.user_id = $2)
		 ORDER BY m.created_at, m.id`,
		conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListUnreadFor: %w", err)
	}
	return r.collect(ctx, "msgRepo.ListUnreadFor", rows)
}

func (r *MessageRepository) AddDelivery(ctx context.Context, messageID, userID string, at time.Time) (model.Receipt, bool, error) {
	return r.addReceipt(ctx, "msgRepo.AddDelivery", "message_deliveries", "delivered_at", messageID, userID, at)
}

func (r *MessageRepository) AddRead(ctx context.Context, messageID, userID string, at time.Time) (model.Receipt, bool, error) {
	return r.addReceipt(ctx, "msgRepo.AddRead", "message_reads", "read_at", messageID, userID, at)
}

// addReceipt вставляет отметку, если её ещё нет; первая отметка не перезаписывается.
// table и column берутся из констант этого файла.
func (r *MessageRepository) addReceipt(ctx context.Context, op, table, column, messageID, userID string, at time.Time) (model.Receipt, bool, error) {
	rec := model.Receipt{UserID: userID}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO `+table+` (message_id, user_id, `+column+`) VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, user_id) DO NOTHING
		 RETURNING `+column,
		messageID, userID, at,
	).Scan(&rec.At)
	if err == nil {
		return rec, true, nil
	}
	if pgCode(err) == pgForeignKeyViolation {
		return model.Receipt{}, false, fmt.Errorf("%s: %w", op, model.ErrNotFound)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Receipt{}, false, fmt.Errorf("%s: %w", op, err)
	}
	err = r.pool.QueryRow(ctx,
		`SELECT `+column+` FROM `+table+` WHERE message_id = $1 AND user_id = $2`,
		messageID, userID,
	).Scan(&rec.At)
	if err != nil {
		return model.Receipt{}, false, fmt.Errorf("%s: existing: %w", op, err)
	}
	return rec, false, nil
}

func (r *MessageRepository) UpdateContent(ctx context.Context, id, content string, at time.Time) error {
	defer logger.DeferLogDuration("msg.UpdateContent", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET content = $2, is_edited = TRUE, edited_at = $3 WHERE id = $1 AND NOT is_deleted`,
		id, content, at)
	if err != nil {
		return fmt.Errorf("msgRepo.UpdateContent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("msgRepo.UpdateContent: %w", model.ErrNotFound)
	}
	return nil
}

// SoftDelete идемпотентен для уже удалённого сообщения.
func (r *MessageRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_deleted = TRUE, deleted_at = $2, content = '', attachment = NULL
		 WHERE id = $1 AND NOT is_deleted`,
		id, at)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	if !exists {
		return fmt.Errorf("msgRepo.SoftDelete: %w", model.ErrNotFound)
	}
	return nil
}

func (r *MessageRepository) collect(ctx context.Context, op string, rows pgx.Rows) ([]model.Message, error) {
	msgs, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(msgs) == 0 {
		return []model.Message{}, nil
	}
	ptrs := make([]*model.Message, len(msgs))
	for i := range msgs {
		ptrs[i] = &msgs[i]
	}
	if err := r.loadReceipts(ctx, ptrs); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return msgs, nil
}

func scanMessage(row pgx.CollectableRow) (model.Message, error) {
	var m model.Message
	var typ string
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &typ, &m.Attachment,
		&m.IsEdited, &m.EditedAt, &m.IsDeleted, &m.DeletedAt, &m.CreatedAt)
	m.Type = model.MessageType(typ)
	return m, err
}

// loadReceipts подгружает отметки доставки и прочтения для страницы сообщений двумя запросами.
func (r *MessageRepository) loadReceipts(ctx context.Context, msgs []*model.Message) error {
	ids := make([]string, len(msgs))
	byID := make(map[string]*model.Message, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		byID[m.ID] = m
		m.DeliveredTo = []model.Receipt{}
		m.ReadBy = []model.Receipt{}
	}
	load := func(query string, field func(*model.Message) *[]model.Receipt) error {
		rows, err := r.pool.Query(ctx, query, ids)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var msgID string
			var rec model.Receipt
			if err := rows.Scan(&msgID, &rec.UserID, &rec.At); err != nil {
				return err
			}
			if m := byID[msgID]; m != nil {
				*field(m) = append(*field(m), rec)
			}
		}
		return rows.Err()
	}
	if err := load(`SELECT message_id, user_id, delivered_at FROM message_deliveries
		WHERE message_id = ANY($1) ORDER BY delivered_at`,
		func(m *model.Message) *[]model.Receipt { return &m.DeliveredTo }); err != nil {
		return fmt.Errorf("deliveries: %w", err)
	}
	if err := load(`SELECT message_id, user_id, read_at FROM message_reads
		WHERE message_id = ANY($1) ORDER BY read_at`,
		func(m *model.Message) *[]model.Receipt { return &m.ReadBy }); err != nil {
		return fmt.Errorf("reads: %w", err)
	}
	return nil
}

func pgCode(err error) string {
	if err == nil {
		return ""
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return "unknown"
}
