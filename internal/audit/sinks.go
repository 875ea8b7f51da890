package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/welldanyogia/authguard/internal/repository"
)

// RepositorySink writes events to the audit_logs table
type RepositorySink struct {
	repo repository.AuditLogRepository
}

func NewRepositorySink(repo repository.AuditLogRepository) *RepositorySink {
	return &RepositorySink{repo: repo}
}

func (s *RepositorySink) Name() string { return "postgres" }

func (s *RepositorySink) Write(ctx context.Context, event Event) error {
	id, err := uuid.Parse(event.ID)
	if err != nil {
		id = uuid.New()
	}

	entry := &repository.AuditLog{
		ID:           id,
		Action:       string(event.Action),
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		CreatedAt:    event.OccurredAt,
	}
	if subject, err := uuid.Parse(event.SubjectID); err == nil {
		entry.UserID = &subject
	}
	if event.SourceIP != "" {
		entry.IPAddress = &event.SourceIP
	}
	if event.UserAgent != "" {
		entry.UserAgent = &event.UserAgent
	}
	if len(event.Details) > 0 {
		details, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		entry.Details = details
	}

	return s.repo.Create(ctx, entry)
}

// RedisStreamSink appends events to a capped Redis stream for downstream consumers
type RedisStreamSink struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

func NewRedisStreamSink(client redis.Cmdable, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Name() string { return "redis" }

func (s *RedisStreamSink) Write(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: s.maxLen > 0,
		Values: map[string]interface{}{
			"action":     string(event.Action),
			"subject_id": event.SubjectID,
			"payload":    string(payload),
		},
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// LogSink writes events to a structured logger
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(ctx context.Context, event Event) error {
	s.logger.InfoContext(ctx, "audit event",
		"event_id", event.ID,
		"action", string(event.Action),
		"subject_id", event.SubjectID,
		"resource_id", event.ResourceID,
		"source_ip", event.SourceIP,
		"details", event.Details,
	)
	return nil
}
