package session

import "context"

type contextKey string

const managerKey contextKey = "session_manager"

// WithManager はManagerをコンテキストに格納する。
func WithManager(ctx context.Context, m *Manager) context.Context {
	return context.WithValue(ctx, managerKey, m)
}

// FromContext はコンテキストからManagerを取得する。
// 格納されていない場合はプログラミングエラーとしてpanicする。
func FromContext(ctx context.Context) *Manager {
	m, ok := ctx.Value(managerKey).(*Manager)
	if !ok || m == nil {
		panic("session: FromContext called without a Manager in the context")
	}
	return m
}
