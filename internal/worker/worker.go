// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package worker runs the two long-lived loops of the assistant: the
// ingestion loop, which fetches from every configured provider and
// feeds the shared queue, and the processing loop, which drains the
// queue through the analysis pipeline into the store. The queue is the
// only structure the loops share.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mailclerk/assistant/internal/models"
	"github.com/mailclerk/assistant/internal/parser"
)

// Fetcher pulls a batch of raw messages from one mail provider.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, ageLimit time.Duration, batchSize int) ([]models.RawMessage, error)
}

// MessageQueue is the shared FIFO between the two loops.
type MessageQueue interface {
	Enqueue(ctx context.Context, msg *models.RawMessage) error
	Dequeue(ctx context.Context, timeout time.Duration) (*models.RawMessage, error)
}

// Deduper filters provider message IDs that were already enqueued.
type Deduper interface {
	IsNew(ctx context.Context, messageID string) (bool, error)
}

// Persister writes processed emails and resolves mailbox routing.
type Persister interface {
	SaveEmail(ctx context.Context, email *models.ParsedEmail, mailboxType, provider string, result *models.PipelineResult) (uuid.UUID, error)
	ResolveMailbox(ctx context.Context, to string) (string, bool, error)
}

// Processor runs the analysis pipeline over one email body.
type Processor interface {
	Process(ctx context.Context, emailContent string) *models.PipelineResult
}

// BlobStore offloads raw message and attachment content so the queue
// carries references instead of payloads. Optional.
type BlobStore interface {
	SaveRaw(id string, content []byte) (string, error)
	SaveAttachment(emailID, filename string, content []byte) (string, error)
	Load(path string) ([]byte, error)
	Delete(path string) error
}

// Options configures a Runner. Zero durations and counts take the
// defaults below.
type Options struct {
	Fetchers []Fetcher
	Queue    MessageQueue
	Dedup    Deduper
	Store    Persister
	Pipeline Processor
	Blobs    BlobStore

	FetchInterval   time.Duration
	AgeLimit        time.Duration
	BatchSize       int
	DequeueTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Runner owns the ingestion and processing loops.
type Runner struct {
	fetchers []Fetcher
	queue    MessageQueue
	dedup    Deduper
	store    Persister
	pipeline Processor
	blobs    BlobStore

	fetchInterval   time.Duration
	ageLimit        time.Duration
	batchSize       int
	dequeueTimeout  time.Duration
	shutdownTimeout time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a runner from the given options.
func New(opts Options) *Runner {
	r := &Runner{
		fetchers:        opts.Fetchers,
		queue:           opts.Queue,
		dedup:           opts.Dedup,
		store:           opts.Store,
		pipeline:        opts.Pipeline,
		blobs:           opts.Blobs,
		fetchInterval:   opts.FetchInterval,
		ageLimit:        opts.AgeLimit,
		batchSize:       opts.BatchSize,
		dequeueTimeout:  opts.DequeueTimeout,
		shutdownTimeout: opts.ShutdownTimeout,
	}
	if r.fetchInterval <= 0 {
		r.fetchInterval = 5 * time.Minute
	}
	if r.ageLimit <= 0 {
		r.ageLimit = 24 * time.Hour
	}
	if r.batchSize <= 0 {
		r.batchSize = 10
	}
	if r.dequeueTimeout <= 0 {
		r.dequeueTimeout = 10 * time.Second
	}
	if r.shutdownTimeout <= 0 {
		r.shutdownTimeout = 30 * time.Second
	}
	return r
}

// Start launches both loops in the background. The parent context is
// used for in-flight work so that Stop interrupts the loops without
// cancelling a message mid-pipeline.
func (r *Runner) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		r.fetchLoop(loopCtx)
		return nil
	})
	g.Go(func() error {
		r.processLoop(loopCtx, ctx)
		return nil
	})

	go func() {
		g.Wait()
		close(r.done)
	}()

	slog.Info("worker started",
		"providers", len(r.fetchers),
		"fetch_interval", r.fetchInterval,
		"batch_size", r.batchSize,
	)
}

// Stop signals both loops and waits for them to drain, bounded by the
// shutdown timeout. A message already dequeued finishes its pipeline
// run and its transaction before the processing loop exits.
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()

	select {
	case <-r.done:
		slog.Info("worker stopped")
	case <-time.After(r.shutdownTimeout):
		slog.Warn("worker shutdown timed out", "timeout", r.shutdownTimeout)
	}
}

// RunOnce performs a single fetch cycle and drains the queue until it
// is empty. Used by the one-shot mode and the scheduler.
func (r *Runner) RunOnce(ctx context.Context) error {
	r.runFetchCycle(ctx)

	for {
		msg, err := r.queue.Dequeue(ctx, time.Second)
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		if msg == nil {
			return nil
		}
		r.processOne(ctx, msg)
	}
}

// RunScheduled runs a full fetch-and-drain cycle at a fixed interval
// until the context is cancelled.
func (r *Runner) RunScheduled(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("scheduled mode", "interval", interval)
	for {
		if err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("scheduled cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runner) fetchLoop(ctx context.Context) {
	r.runFetchCycle(ctx)

	ticker := time.NewTicker(r.fetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("ingestion loop stopping")
			return
		case <-ticker.C:
			r.runFetchCycle(ctx)
		}
	}
}

// runFetchCycle fetches from every provider in turn. One provider
// failing is logged and skipped; the remaining providers still run.
func (r *Runner) runFetchCycle(ctx context.Context) {
	for _, f := range r.fetchers {
		if ctx.Err() != nil {
			return
		}

		msgs, err := f.Fetch(ctx, r.ageLimit, r.batchSize)
		if err != nil {
			slog.Error("provider fetch failed", "provider", f.Name(), "error", err)
			continue
		}

		enqueued := 0
		for i := range msgs {
			if r.enqueueMessage(ctx, &msgs[i]) {
				enqueued++
			}
		}
		if len(msgs) > 0 {
			slog.Info("fetch cycle complete",
				"provider", f.Name(),
				"fetched", len(msgs),
				"enqueued", enqueued,
			)
		}
	}
}

func (r *Runner) enqueueMessage(ctx context.Context, msg *models.RawMessage) bool {
	if r.dedup != nil {
		key := msg.Provider + ":" + msg.ProviderMessageID
		fresh, err := r.dedup.IsNew(ctx, key)
		if err != nil {
			slog.Error("dedup check failed", "id", msg.ID, "error", err)
			return false
		}
		if !fresh {
			slog.Debug("skipping duplicate message", "provider", msg.Provider, "message_id", msg.ProviderMessageID)
			return false
		}
	}

	if r.blobs != nil {
		path, err := r.blobs.SaveRaw(msg.ID, msg.Content)
		if err != nil {
			slog.Error("failed to store raw message", "id", msg.ID, "error", err)
			return false
		}
		msg.BlobPath = path
		msg.Content = nil
	}

	if err := r.queue.Enqueue(ctx, msg); err != nil {
		slog.Error("failed to enqueue message", "id", msg.ID, "error", err)
		return false
	}
	return true
}

// processLoop drains the queue. loopCtx stops the loop; workCtx is the
// parent context each message is processed under, so a shutdown signal
// does not abort an in-flight transaction.
func (r *Runner) processLoop(loopCtx, workCtx context.Context) {
	for {
		msg, err := r.queue.Dequeue(loopCtx, r.dequeueTimeout)
		if loopCtx.Err() != nil {
			slog.Info("processing loop stopping")
			return
		}
		if err != nil {
			slog.Error("dequeue failed", "error", err)
			select {
			case <-loopCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if msg == nil {
			continue
		}

		r.processOne(workCtx, msg)
	}
}

// processOne carries one raw message through parse, routing, pipeline,
// and persistence. Failures are logged and the message is dropped; the
// dedup filter expires its key, so a dropped message can be re-fetched.
func (r *Runner) processOne(ctx context.Context, msg *models.RawMessage) {
	content := msg.Content
	if msg.BlobPath != "" && r.blobs != nil {
		var err error
		content, err = r.blobs.Load(msg.BlobPath)
		if err != nil {
			slog.Error("failed to load raw message", "id", msg.ID, "error", err)
			return
		}
	}

	email, err := parser.Parse(content)
	if err != nil {
		slog.Error("failed to parse message", "id", msg.ID, "provider", msg.Provider, "error", err)
		r.deleteBlob(msg)
		return
	}

	mailboxType, configured, err := r.store.ResolveMailbox(ctx, email.ToAddress)
	if err != nil {
		slog.Error("mailbox lookup failed", "id", msg.ID, "to", email.ToAddress, "error", err)
		return
	}

	// Messages to unconfigured mailboxes are recorded and ignored. The
	// pipeline never sees them.
	if !configured {
		email.Status = models.StatusIgnored
		email.Notes = "Email sent to non-configured mailbox"
		if _, err := r.store.SaveEmail(ctx, email, models.MailboxUnconfigured, msg.Provider, nil); err != nil {
			slog.Error("failed to store ignored email", "id", msg.ID, "error", err)
			return
		}
		slog.Info("ignored email to unconfigured mailbox", "id", msg.ID, "to", email.ToAddress)
		r.deleteBlob(msg)
		return
	}

	r.storeAttachments(msg.ID, email)

	result := r.pipeline.Process(ctx, pipelineContent(email))
	if result.Failed() {
		email.Status = models.StatusFailed
		email.Notes = result.Error
	}

	id, err := r.store.SaveEmail(ctx, email, mailboxType, msg.Provider, result)
	if err != nil {
		// Keep the blob so the content survives for a re-fetch.
		slog.Error("failed to store email", "id", msg.ID, "error", err)
		return
	}

	slog.Info("processed email",
		"id", msg.ID,
		"email_id", id,
		"mailbox_type", mailboxType,
		"status", email.Status,
	)
	r.deleteBlob(msg)
}

// storeAttachments moves attachment content into the blob store and
// keeps only the storage paths on the email.
func (r *Runner) storeAttachments(msgID string, email *models.ParsedEmail) {
	if r.blobs == nil {
		return
	}
	for i := range email.Attachments {
		a := &email.Attachments[i]
		if len(a.Content) == 0 {
			continue
		}
		path, err := r.blobs.SaveAttachment(msgID, a.Filename, a.Content)
		if err != nil {
			slog.Error("failed to store attachment", "id", msgID, "filename", a.Filename, "error", err)
			continue
		}
		a.StoragePath = path
		a.Content = nil
	}
}

func (r *Runner) deleteBlob(msg *models.RawMessage) {
	if r.blobs == nil || msg.BlobPath == "" {
		return
	}
	if err := r.blobs.Delete(msg.BlobPath); err != nil {
		slog.Warn("failed to delete raw message blob", "path", msg.BlobPath, "error", err)
	}
}

// pipelineContent builds the text the analysis stages see: the subject
// line followed by the plain text body, falling back to sanitised HTML.
func pipelineContent(email *models.ParsedEmail) string {
	body := email.BodyText
	if body == "" {
		body = email.BodyHTML
	}
	return fmt.Sprintf("Subject: %s\n\n%s", email.Subject, body)
}
