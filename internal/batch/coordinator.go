// Package batch creates send batches and aggregates their per-job status.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"CertMailer/internal/metrics"
	"CertMailer/internal/models"
	"CertMailer/internal/queue"
	"CertMailer/internal/vault"
)

func batchKey(id string) string { return "batch:" + id }

// Coordinator owns batch membership. Job ids are recorded under the batch id
// with an expiry; after that the batch is garbage-collected, never deleted
// explicitly.
type Coordinator struct {
	rdb   *redis.Client
	queue *queue.Queue
	vault *vault.Vault
	ttl   time.Duration
	log   *zap.Logger
}

func NewCoordinator(rdb *redis.Client, q *queue.Queue, v *vault.Vault, ttl time.Duration, log *zap.Logger) *Coordinator {
	return &Coordinator{rdb: rdb, queue: q, vault: v, ttl: ttl, log: log}
}

// CreateBatch encrypts the credential bundle once, enqueues one job per
// recipient all carrying the same encrypted bundle, and records the job ids
// under a fresh batch id. Returns the batch id and job count.
func (c *Coordinator) CreateBatch(ctx context.Context, tpl *models.Template, recipients []models.Recipient, subject, body string, creds models.CredentialBundle) (string, int, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return "", 0, fmt.Errorf("batch: marshal credentials: %w", err)
	}
	encrypted, err := c.vault.Encrypt(string(raw))
	if err != nil {
		return "", 0, fmt.Errorf("batch: encrypt credentials: %w", err)
	}
	return c.CreateBatchEncrypted(ctx, tpl, recipients, subject, body, encrypted)
}

// CreateBatchEncrypted is CreateBatch for callers that already hold the
// opaque encrypted bundle (the authorization layer hands it out in that
// form); it enters the queue as-is.
func (c *Coordinator) CreateBatchEncrypted(ctx context.Context, tpl *models.Template, recipients []models.Recipient, subject, body, encryptedCreds string) (string, int, error) {
	if len(recipients) == 0 {
		return "", 0, errors.New("batch: no recipients")
	}

	batchID := uuid.NewString()

	specs := make([]models.JobSpec, len(recipients))
	for i, r := range recipients {
		specs[i] = models.JobSpec{
			BatchID:              batchID,
			Recipient:            r,
			Template:             tpl,
			Subject:              subject,
			Body:                 body,
			EncryptedCredentials: encryptedCreds,
		}
	}

	ids, err := c.queue.EnqueueBulk(ctx, specs)
	if err != nil {
		return "", 0, err
	}

	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe := c.rdb.TxPipeline()
	pipe.SAdd(ctx, batchKey(batchID), members...)
	pipe.Expire(ctx, batchKey(batchID), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", 0, fmt.Errorf("batch: record membership: %w", err)
	}

	metrics.JobsEnqueued.Add(float64(len(ids)))
	c.log.Info("batch created",
		zap.String("batch_id", batchID),
		zap.Int("job_count", len(ids)),
	)
	return batchID, len(ids), nil
}

// GetBatchStatus resolves every recorded job id to its current status view.
// Ids that no longer resolve (evicted past retention) or whose payload is
// unreadable are omitted rather than reported as errors. An unknown or
// expired batch yields an empty list.
func (c *Coordinator) GetBatchStatus(ctx context.Context, batchID string) ([]models.JobStatusView, error) {
	ids, err := c.rdb.SMembers(ctx, batchKey(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("batch: read membership: %w", err)
	}

	views := make([]models.JobStatusView, 0, len(ids))
	for _, id := range ids {
		view, err := c.queue.StatusView(ctx, id)
		if errors.Is(err, queue.ErrJobNotFound) || errors.Is(err, queue.ErrJobMalformed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		views = append(views, *view)
	}
	return views, nil
}
