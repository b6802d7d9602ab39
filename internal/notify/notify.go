// Package notify delivers user-facing enforcement notifications. The
// default sink writes structured log lines; a device push channel can be
// swapped in behind the same interface.
package notify

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Kind string

const (
	KindAppBlocked    Kind = "app_blocked"
	KindAccessExpired Kind = "access_expired"
	KindPaymentFailed Kind = "payment_failed"
)

type Notifier interface {
	Notify(ctx context.Context, userID string, kind Kind, appID string) error
}

type logNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) Notifier {
	return &logNotifier{log: log.Named("notify")}
}

func (n *logNotifier) Notify(ctx context.Context, userID string, kind Kind, appID string) error {
	n.log.Info("notification",
		zap.String("user_id", userID),
		zap.String("kind", string(kind)),
		zap.String("app_id", appID),
	)
	return nil
}

var Module = fx.Module("notify",
	fx.Provide(NewLogNotifier),
)
