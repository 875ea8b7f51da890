// Package notify hands password reset tokens to the delivery pipeline.
// Mail rendering and sending happen in a separate consumer.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/welldanyogia/authguard/internal/repository"
)

// resetStreamMaxLen bounds the stream; entries are consumed within minutes
const resetStreamMaxLen = 10000

// ResetStreamNotifier appends reset requests to a Redis stream. The raw
// token is only ever written here; Postgres keeps its hash.
type ResetStreamNotifier struct {
	client redis.Cmdable
	stream string
	now    func() time.Time
}

// NewResetStreamNotifier creates a notifier writing to stream
func NewResetStreamNotifier(client redis.Cmdable, stream string) *ResetStreamNotifier {
	return &ResetStreamNotifier{
		client: client,
		stream: stream,
		now:    time.Now,
	}
}

// SendPasswordReset enqueues one delivery
func (n *ResetStreamNotifier) SendPasswordReset(ctx context.Context, user *repository.User, rawToken string, expiresAt time.Time) error {
	err := n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		MaxLen: resetStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"user_id":      user.ID.String(),
			"email":        user.Email,
			"token":        rawToken,
			"expires_at":   expiresAt.UTC().Format(time.RFC3339),
			"requested_at": n.now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", n.stream, err)
	}
	return nil
}
