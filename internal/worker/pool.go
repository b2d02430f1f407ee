package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"CertMailer/internal/mailer"
	"CertMailer/internal/metrics"
	"CertMailer/internal/models"
	"CertMailer/internal/queue"
	"CertMailer/internal/ratelimit"
	"CertMailer/internal/render"
	"CertMailer/internal/vault"
)

// Pool consumes jobs from the queue with bounded concurrency. Every dispatch
// attempt first passes the shared rate limiter.
type Pool struct {
	Queue     *queue.Queue
	Vault     *vault.Vault
	Renderer  *render.Renderer
	Providers map[string]mailer.Provider
	Limiter   ratelimit.Limiter
	Log       *zap.Logger
}

// Start launches workers consumer goroutines. They run until ctx is
// cancelled; wg tracks them for a graceful drain.
func (p *Pool) Start(ctx context.Context, wg *sync.WaitGroup, workers int) {

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			p.Log.Info("worker started", zap.Int("worker_id", id))

			for {
				job, err := p.Queue.Dequeue(ctx)
				if err != nil {
					if ctx.Err() != nil {
						p.Log.Info("worker shutting down", zap.Int("worker_id", id))
						return
					}
					// Infrastructure error: the job (if any) is still queued
					// for a later attempt, never silently dropped.
					p.Log.Error("dequeue failed",
						zap.Int("worker_id", id),
						zap.Error(err),
					)
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
					continue
				}

				p.handle(ctx, id, job)
			}
		}(i)
	}
}

func (p *Pool) handle(ctx context.Context, workerID int, job *models.Job) {
	outcome, reason := p.process(ctx, job)

	// The outcome must land even when shutdown cancelled ctx mid-attempt;
	// losing it would leave the job stuck in the active list. Logging and
	// counters follow the applied outcome: the queue turns the final
	// retryable failure into a terminal one.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	applied, err := p.Queue.ReportOutcome(reportCtx, job, outcome, reason)
	if err != nil {
		p.Log.Error("failed to report job outcome",
			zap.Int("worker_id", workerID),
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return
	}

	switch applied {
	case queue.Success:
		p.Log.Info("email sent successfully",
			zap.Int("worker_id", workerID),
			zap.String("job_id", job.ID),
			zap.String("batch_id", job.BatchID),
		)
		metrics.EmailsSent.Inc()

	case queue.RetryableFailure:
		p.Log.Warn("job attempt failed, will retry",
			zap.Int("worker_id", workerID),
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempts),
			zap.String("reason", reason),
		)
		metrics.JobRetries.Inc()

	case queue.FatalFailure:
		p.Log.Error("job failed permanently",
			zap.Int("worker_id", workerID),
			zap.String("job_id", job.ID),
			zap.String("reason", reason),
		)
		metrics.EmailFailures.Inc()

	case queue.Requeue:
		p.Log.Warn("job handed back before dispatch",
			zap.Int("worker_id", workerID),
			zap.String("job_id", job.ID),
			zap.String("reason", reason),
		)
		// Avoid a hot claim/hand-back loop while the limiter stays down.
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}
}

// process runs one attempt: decrypt credentials, resolve the recipient
// email, substitute fields into the body, render the document, dispatch.
// Missing email, malformed template, bad credentials and unknown providers
// are fatal for the job; a limiter interruption requeues the job without
// charging an attempt; everything else is retryable.
func (p *Pool) process(ctx context.Context, job *models.Job) (queue.Outcome, string) {

	// ----------------------------
	// Credentials
	// ----------------------------
	plain, err := p.Vault.Decrypt(job.EncryptedCredentials)
	if err != nil {
		return queue.FatalFailure, fmt.Sprintf("credential decrypt failed: %v", err)
	}
	var creds models.CredentialBundle
	if err := json.Unmarshal([]byte(plain), &creds); err != nil {
		return queue.FatalFailure, fmt.Sprintf("credential bundle malformed: %v", err)
	}

	provider, ok := p.Providers[creds.Provider]
	if !ok {
		return queue.FatalFailure, fmt.Sprintf("unknown provider %q", creds.Provider)
	}

	// ----------------------------
	// Recipient
	// ----------------------------
	email, ok := job.Recipient.EmailAddress()
	if !ok {
		return queue.FatalFailure, "no email field found in recipient data"
	}

	// ----------------------------
	// Render
	// ----------------------------
	body := render.Substitute(job.Body, job.Recipient)

	pdf, err := p.Renderer.Render(job.Template, job.Recipient)
	if err != nil {
		return queue.FatalFailure, fmt.Sprintf("render failed: %v", err)
	}

	// ----------------------------
	// Rate limit + dispatch
	// ----------------------------
	if err := p.Limiter.Wait(ctx); err != nil {
		// Shutdown or limiter infrastructure failure; no dispatch was
		// attempted, so the job goes straight back to pending without
		// being charged an attempt.
		return queue.Requeue, fmt.Sprintf("rate limiter: %v", err)
	}

	if err := provider.Send(ctx, creds, email, job.Subject, body, pdf); err != nil {
		if mailer.Fatal(err) {
			return queue.FatalFailure, err.Error()
		}
		return queue.RetryableFailure, err.Error()
	}

	return queue.Success, ""
}
