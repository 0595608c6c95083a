package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/caracal-sh/caracal/pkg/store"
)

// StoreLogger records audit events into the hash-chained AuditStore,
// the durable counterpart to the stdout-writing Logger in logger.go.
type StoreLogger struct {
	store *store.AuditStore
}

func NewStoreLogger(s *store.AuditStore) *StoreLogger {
	return &StoreLogger{store: s}
}

func (l *StoreLogger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]interface{}) error {
	if l.store == nil {
		return fmt.Errorf("fail-closed: audit store not configured")
	}

	actor := ActorFrom(ctx)

	evt := Event{
		ID:            uuid.New().String(),
		PrincipalID:   actor.PrincipalID,
		CorrelationID: actor.CorrelationID,
		Type:          eventType,
		Action:        action,
		Resource:      resource,
		Timestamp:     time.Now().UTC(),
		Metadata:      metadata,
	}

	_, err := l.store.Append(store.EntryTypeAudit, "principal:"+actor.PrincipalID, action, evt, map[string]string{
		"principal_id":   actor.PrincipalID,
		"event_id":       evt.ID,
		"event_type":     string(eventType),
		"correlation_id": actor.CorrelationID,
	})
	return err
}
