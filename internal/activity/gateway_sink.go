package activity

import (
	"context"

	"github.com/hitoshi/unitconv/internal/gateway"
	"github.com/hitoshi/unitconv/internal/model"
)

// GatewaySink はlog_user_activityプロシージャ経由で監査ログを書き込む。
type GatewaySink struct {
	gw gateway.Gateway
}

// NewGatewaySink はGatewaySinkを生成する。
func NewGatewaySink(gw gateway.Gateway) *GatewaySink {
	return &GatewaySink{gw: gw}
}

// Write はSinkを実装する。ユーザーIDとタイムスタンプは基盤側で付与される。
func (s *GatewaySink) Write(ctx context.Context, entry model.ActivityLogEntry) error {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	return s.gw.RPC(ctx, gateway.RPCLogUserActivity, map[string]any{
		"action":  entry.Action,
		"details": details,
	}, nil)
}

var _ Sink = (*GatewaySink)(nil)
