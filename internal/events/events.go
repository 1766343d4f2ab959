// Package events publishes job status changes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"textdetect-service/internal/entity"
)

const JobStatusSubject = "jobs.status"

type JobStatusEvent struct {
	JobID       string           `json:"job_id"`
	Status      entity.JobStatus `json:"status"`
	Probability *float64         `json:"probability,omitempty"`
	At          time.Time        `json:"at"`
}

type Publisher interface {
	PublishStatus(ctx context.Context, ev JobStatusEvent) error
}

// Nop drops every event. Used when no broker URL is configured.
type Nop struct{}

func (Nop) PublishStatus(context.Context, JobStatusEvent) error { return nil }

type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}

	conn, err := nats.Connect(url, nats.Name("textdetect-worker"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSPublisher{conn: conn, subject: JobStatusSubject}, nil
}

func (p *NATSPublisher) PublishStatus(_ context.Context, ev JobStatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish status event: %w", err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
