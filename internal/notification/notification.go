package notification

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/fluxori/creditcore/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Sender tells a requester that their research finished. Delivery is best effort;
// the core never waits on or inspects the outcome.
type Sender interface {
	Send(ctx context.Context, requestID snowflake.ID, orgID string)
}

var Module = fx.Module("notification",
	fx.Provide(fx.Annotate(NewLogSender, fx.As(new(Sender)))),
)

// LogSender records completion notices in the service log.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{log: log.Named("notification")}
}

func (s *LogSender) Send(ctx context.Context, requestID snowflake.ID, orgID string) {
	ctxlogger.WithContext(ctx, s.log).Info("research request finished",
		zap.String("request_id", requestID.String()),
		zap.String("organization_id", orgID),
	)
}
