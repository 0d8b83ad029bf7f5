package channel

import (
	"context"
	"log/slog"

	"github.com/ayuuum/amber-eventbus/schema"
)

const AuditHandlerName = "audit_log"

// AuditLog records that an event was accepted. It is registered in sync
// mode: the write happened with the business transaction, so the processor
// never runs it. Publishers may call it directly.
type AuditLog struct {
	logger *slog.Logger
}

func NewAuditLog(logger *slog.Logger) *AuditLog {
	return &AuditLog{logger: logger}
}

func (a *AuditLog) Name() string { return AuditHandlerName }

func (a *AuditLog) Execute(ctx context.Context, event *schema.Event) error {
	a.logger.InfoContext(ctx, "event accepted",
		"event_id", event.ID,
		"event_type", event.EventType,
		"entity_type", event.EntityType,
		"entity_id", event.EntityID,
	)
	return nil
}
