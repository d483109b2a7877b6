package prospector

import "context"

type contextKey string

const (
	keyTenantID       contextKey = "prospector_tenant_id"
	keyUserID         contextKey = "prospector_user_id"
	keyConversationID contextKey = "prospector_conversation_id"
	keyMode           contextKey = "prospector_mode"
)

func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyTenantID, id)
}

func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(keyTenantID).(string); ok {
		return v
	}
	return ""
}

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyUserID, id)
}

func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(keyUserID).(string); ok {
		return v
	}
	return ""
}

func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyConversationID, id)
}

func GetConversationID(ctx context.Context) string {
	if v, ok := ctx.Value(keyConversationID).(string); ok {
		return v
	}
	return ""
}

func WithMode(ctx context.Context, mode string) context.Context {
	return context.WithValue(ctx, keyMode, mode)
}

func GetMode(ctx context.Context) string {
	if v, ok := ctx.Value(keyMode).(string); ok {
		return v
	}
	return ""
}
