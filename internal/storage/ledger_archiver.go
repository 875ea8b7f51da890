package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/welldanyogia/authguard/internal/metrics"
	"github.com/welldanyogia/authguard/internal/repository"
)

const archiveContentType = "application/x-ndjson"

// LedgerArchiver writes batches of login attempts as JSON Lines objects.
// Keys are derived from the batch contents, so re-archiving the same rows
// after an interrupted sweep overwrites the earlier object.
type LedgerArchiver struct {
	client ObjectStore
	bucket string
	prefix string
	logger *slog.Logger
}

// NewLedgerArchiver creates an archiver writing under bucket/prefix
func NewLedgerArchiver(client ObjectStore, bucket, prefix string, log *slog.Logger) *LedgerArchiver {
	if log == nil {
		log = slog.Default()
	}
	return &LedgerArchiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: log,
	}
}

// Archive uploads one batch. An empty batch is a no-op.
func (a *LedgerArchiver) Archive(ctx context.Context, cutoff time.Time, batch []repository.LoginAttempt) error {
	if len(batch) == 0 {
		return nil
	}

	body, err := encodeJSONLines(batch)
	if err != nil {
		return err
	}
	key := ObjectKey(a.prefix, cutoff, batch)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(archiveContentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive %s: %w", key, err)
	}

	metrics.LedgerArchivedTotal.Add(float64(len(batch)))
	a.logger.Info("archived login attempts",
		"key", key,
		"rows", len(batch),
		"bytes", len(body),
	)
	return nil
}

// ObjectKey names the object for a batch:
// <prefix>/<cutoff date>/<first id>-<last id>.jsonl
func ObjectKey(prefix string, cutoff time.Time, batch []repository.LoginAttempt) string {
	name := fmt.Sprintf("%s-%s.jsonl", batch[0].ID, batch[len(batch)-1].ID)
	return path.Join(prefix, cutoff.UTC().Format("2006-01-02"), name)
}

func encodeJSONLines(batch []repository.LoginAttempt) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range batch {
		if batch[i].ID == "" {
			return nil, errors.New("login attempt without id cannot be archived")
		}
		if err := enc.Encode(&batch[i]); err != nil {
			return nil, fmt.Errorf("failed to encode login attempt %s: %w", batch[i].ID, err)
		}
	}
	return buf.Bytes(), nil
}
