package message

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carelink/internal/conversation"
	"github.com/carelink/internal/model"
	"github.com/carelink/internal/storage/memory"
)

type fixture struct {
	dir   *conversation.Directory
	store *Store
	conv  *model.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := conversation.NewDirectory(memory.NewConversationStore())
	c, _, err := dir.FindOrCreate(context.Background(), "patient", "doctor")
	require.NoError(t, err)
	return &fixture{dir: dir, store: NewStore(memory.NewMessageStore(), dir), conv: c}
}

func (f *fixture) send(t *testing.T, sender, content string) *model.Message {
	t.Helper()
	m, err := f.store.Create(context.Background(), f.conv.ID, sender, Draft{Content: content})
	require.NoError(t, err)
	return m
}

func TestCreateRecordsLastMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var last *model.Message
	for i := 0; i < 3; i++ {
		last = f.send(t, "patient", fmt.Sprintf("msg %d", i))
	}
	require.Equal(t, model.MessageTypeText, last.Type)

	c, err := f.dir.Get(ctx, f.conv.ID)
	require.NoError(t, err)
	require.NotNil(t, c.LastMessageID)
	require.Equal(t, last.ID, *c.LastMessageID)
	require.True(t, c.LastMessageAt.Equal(last.CreatedAt))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Create(ctx, f.conv.ID, "patient", Draft{Content: "   "})
	require.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = f.store.Create(ctx, f.conv.ID, "patient", Draft{Content: strings.Repeat("я", model.MaxContentLength+1)})
	require.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = f.store.Create(ctx, f.conv.ID, "patient", Draft{Type: model.MessageTypeImage})
	require.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = f.store.Create(ctx, f.conv.ID, "patient", Draft{Content: "x", Type: "video"})
	require.ErrorIs(t, err, model.ErrInvalidInput)

	m, err := f.store.Create(ctx, f.conv.ID, "patient", Draft{
		Type:       model.MessageTypeFile,
		Attachment: &model.Attachment{URL: "https://files/lab.pdf", Name: "lab.pdf"},
	})
	require.NoError(t, err)
	require.Equal(t, "lab.pdf", m.Attachment.Name)
}

func TestCreateRequiresParticipant(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Create(context.Background(), f.conv.ID, "stranger", Draft{Content: "hi"})
	require.ErrorIs(t, err, model.ErrForbidden)

	page, err := f.store.ListBefore(context.Background(), f.conv.ID, "", 10)
	require.NoError(t, err)
	require.Empty(t, page)
}

func TestListBeforePaginatesOldestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sent := make([]*model.Message, 60)
	for i := range sent {
		sent[i] = f.send(t, "patient", fmt.Sprintf("message %d", i+1))
	}

	page, err := f.store.ListBefore(ctx, f.conv.ID, "", 50)
	require.NoError(t, err)
	require.Len(t, page, 50)
	require.Equal(t, "message 11", page[0].Content)
	require.Equal(t, "message 60", page[49].Content)

	older, err := f.store.ListBefore(ctx, f.conv.ID, sent[10].ID, 50)
	require.NoError(t, err)
	require.Len(t, older, 10)
	for i, m := range older {
		require.Equal(t, fmt.Sprintf("message %d", i+1), m.Content)
	}

	empty, err := f.store.ListBefore(ctx, f.conv.ID, sent[0].ID, 50)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestListBeforeSkipsDeletedAndValidatesCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.send(t, "patient", "a")
	b := f.send(t, "patient", "b")
	c := f.send(t, "doctor", "c")

	_, err := f.store.Delete(ctx, b.ID, "patient")
	require.NoError(t, err)

	page, err := f.store.ListBefore(ctx, f.conv.ID, c.ID, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, a.ID, page[0].ID)

	_, err = f.store.ListBefore(ctx, f.conv.ID, "missing", 10)
	require.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = f.store.ListBefore(ctx, f.conv.ID, "", 0)
	require.ErrorIs(t, err, model.ErrInvalidInput)

	other, _, err := f.dir.FindOrCreate(ctx, "patient", "nurse")
	require.NoError(t, err)
	_, err = f.store.ListBefore(ctx, other.ID, a.ID, 10)
	require.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, "patient", "hello")

	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.store.now = func() time.Time { return clock }

	_, first, changed, err := f.store.MarkRead(ctx, m.ID, "doctor")
	require.NoError(t, err)
	require.True(t, changed)
	require.True(t, first.At.Equal(clock))

	clock = clock.Add(time.Hour)
	_, again, changed, err := f.store.MarkRead(ctx, m.ID, "doctor")
	require.NoError(t, err)
	require.False(t, changed)
	require.True(t, again.At.Equal(first.At))

	got, err := f.store.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, got.ReadBy, 1)
}

func TestMarkDeliveredIgnoresInvalidRecipients(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, "patient", "hello")

	_, _, changed, err := f.store.MarkDelivered(ctx, m.ID, "patient")
	require.NoError(t, err)
	require.False(t, changed)

	_, _, changed, err = f.store.MarkDelivered(ctx, m.ID, "stranger")
	require.NoError(t, err)
	require.False(t, changed)

	_, _, changed, err = f.store.MarkDelivered(ctx, m.ID, "doctor")
	require.NoError(t, err)
	require.True(t, changed)
	_, _, changed, err = f.store.MarkDelivered(ctx, m.ID, "doctor")
	require.NoError(t, err)
	require.False(t, changed)

	got, err := f.store.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, got.DeliveredTo, 1)
	require.Equal(t, "doctor", got.DeliveredTo[0].UserID)

	_, _, _, err = f.store.MarkDelivered(ctx, "missing", "doctor")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestListUnreadFor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m1 := f.send(t, "patient", "one")
	f.send(t, "doctor", "reply")
	m2 := f.send(t, "patient", "two")

	_, _, _, err := f.store.MarkRead(ctx, m1.ID, "doctor")
	require.NoError(t, err)

	unread, err := f.store.ListUnreadFor(ctx, f.conv.ID, "doctor")
	require.NoError(t, err)
	require.Len(t, unread, 1)
	require.Equal(t, m2.ID, unread[0].ID)
}

func TestEditAndDeleteAreSenderOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, "patient", "draft")

	_, err := f.store.Edit(ctx, m.ID, "doctor", "hijack")
	require.ErrorIs(t, err, model.ErrForbidden)

	edited, err := f.store.Edit(ctx, m.ID, "patient", "final")
	require.NoError(t, err)
	require.True(t, edited.IsEdited)
	require.Equal(t, "final", edited.Content)

	_, err = f.store.Delete(ctx, m.ID, "doctor")
	require.ErrorIs(t, err, model.ErrForbidden)

	deleted, err := f.store.Delete(ctx, m.ID, "patient")
	require.NoError(t, err)
	require.True(t, deleted.IsDeleted)
	require.Empty(t, deleted.Content)

	_, err = f.store.Delete(ctx, m.ID, "patient")
	require.NoError(t, err)
	_, err = f.store.Edit(ctx, m.ID, "patient", "again")
	require.ErrorIs(t, err, model.ErrNotFound)
}
