package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSSink forwards events to NATS, one message per event on the
// subject "<prefix>.<event type>".
type NATSSink struct {
	conn          *nats.Conn
	subjectPrefix string
}

// NewNATSSink creates a NATS sink. The prefix defaults to "outbox".
func NewNATSSink(conn *nats.Conn, subjectPrefix string) (*NATSSink, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if subjectPrefix == "" {
		subjectPrefix = "outbox"
	}
	return &NATSSink{conn: conn, subjectPrefix: subjectPrefix}, nil
}

// PublishBatch publishes each event as a JSON message and flushes the
// connection once per batch.
func (s *NATSSink) PublishBatch(ctx context.Context, events []*Event) error {
	for _, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", e.ID, err)
		}
		subject := s.subjectPrefix + "." + e.Type
		if err := s.conn.Publish(subject, body); err != nil {
			return fmt.Errorf("failed to publish event %s: %w", e.ID, err)
		}
	}
	return s.conn.FlushWithContext(ctx)
}
