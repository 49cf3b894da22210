package middleware

import (
	"context"

	"github.com/carelink/internal/model"
)

type contextKey string

const IdentityKey contextKey = "identity"

func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

// GetIdentity возвращает identity из контекста (устанавливается Authenticate).
func GetIdentity(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(IdentityKey).(model.Identity)
	return id, ok
}

// GetUserID возвращает id пользователя из контекста или "".
func GetUserID(ctx context.Context) string {
	id, _ := GetIdentity(ctx)
	return id.ID
}
