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

package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mailclerk/assistant/internal/models"
	"github.com/mailclerk/assistant/internal/pipeline"
)

func rawEmail(to string) []byte {
	return []byte(strings.Join([]string{
		"From: alice@example.com",
		"To: " + to,
		"Subject: Help",
		"Message-ID: <m1@example.com>",
		"Content-Type: text/plain",
		"",
		"I need assistance with my order.",
	}, "\r\n"))
}

type fakeFetcher struct {
	name string
	msgs []models.RawMessage
	err  error
}

func (f *fakeFetcher) Name() string { return f.name }

func (f *fakeFetcher) Fetch(ctx context.Context, ageLimit time.Duration, batchSize int) ([]models.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.RawMessage, len(f.msgs))
	copy(out, f.msgs)
	return out, nil
}

type memQueue struct {
	mu    sync.Mutex
	items []*models.RawMessage
}

func (q *memQueue) Enqueue(ctx context.Context, msg *models.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, msg)
	return nil
}

func (q *memQueue) Dequeue(ctx context.Context, timeout time.Duration) (*models.RawMessage, error) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, nil
		}
		q.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDedup) IsNew(ctx context.Context, messageID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	if d.seen[messageID] {
		return false, nil
	}
	d.seen[messageID] = true
	return true, nil
}

type savedEmail struct {
	email       *models.ParsedEmail
	mailboxType string
	provider    string
	result      *models.PipelineResult
}

type memStore struct {
	mu        sync.Mutex
	mailboxes map[string]string // address -> department
	saved     []savedEmail
}

func (s *memStore) SaveEmail(ctx context.Context, email *models.ParsedEmail, mailboxType, provider string, result *models.PipelineResult) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, savedEmail{email: email, mailboxType: mailboxType, provider: provider, result: result})
	return uuid.New(), nil
}

func (s *memStore) ResolveMailbox(ctx context.Context, to string) (string, bool, error) {
	dept, ok := s.mailboxes[strings.ToLower(to)]
	return dept, ok, nil
}

func (s *memStore) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

type fakePipeline struct {
	mu      sync.Mutex
	calls   int
	result  *models.PipelineResult
	started chan struct{}
	release chan struct{}
}

func (p *fakePipeline) Process(ctx context.Context, emailContent string) *models.PipelineResult {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.release != nil {
		<-p.release
	}
	if p.result != nil {
		return p.result
	}
	return &models.PipelineResult{
		Review:  models.ReviewResult{Sentiment: "neutral", Urgency: 2, Department: "customer_service"},
		Routing: models.RoutingDecision{Action: "escalate"},
	}
}

func (p *fakePipeline) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func testRunner(fetchers []Fetcher, q *memQueue, st *memStore, p *fakePipeline) *Runner {
	return New(Options{
		Fetchers:        fetchers,
		Queue:           q,
		Dedup:           &memDedup{},
		Store:           st,
		Pipeline:        p,
		DequeueTimeout:  50 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
	})
}

func TestRunOnceProcessesRoutedEmail(t *testing.T) {
	fetcher := &fakeFetcher{
		name: "test",
		msgs: []models.RawMessage{{
			ID:                "id-1",
			Provider:          "test",
			ProviderMessageID: "101",
			Content:           rawEmail("support@mailclerk.io"),
		}},
	}
	q := &memQueue{}
	st := &memStore{mailboxes: map[string]string{"support@mailclerk.io": "customer_service"}}
	p := &fakePipeline{}

	r := testRunner([]Fetcher{fetcher}, q, st, p)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if p.callCount() != 1 {
		t.Errorf("pipeline calls = %d, want 1", p.callCount())
	}
	if len(st.saved) != 1 {
		t.Fatalf("saved = %d, want 1", len(st.saved))
	}
	got := st.saved[0]
	if got.mailboxType != "customer_service" {
		t.Errorf("mailbox type = %q", got.mailboxType)
	}
	if got.provider != "test" {
		t.Errorf("provider = %q", got.provider)
	}
	if got.email.Status != models.StatusPendingReview {
		t.Errorf("status = %q", got.email.Status)
	}
	if got.result == nil || got.result.Failed() {
		t.Errorf("expected successful pipeline result, got %+v", got.result)
	}
}

func TestRunOnceIgnoresUnconfiguredMailbox(t *testing.T) {
	fetcher := &fakeFetcher{
		name: "test",
		msgs: []models.RawMessage{{
			ID:                "id-1",
			Provider:          "test",
			ProviderMessageID: "101",
			Content:           rawEmail("random@nowhere.example"),
		}},
	}
	q := &memQueue{}
	st := &memStore{mailboxes: map[string]string{"support@mailclerk.io": "customer_service"}}
	p := &fakePipeline{}

	r := testRunner([]Fetcher{fetcher}, q, st, p)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if p.callCount() != 0 {
		t.Errorf("pipeline must not run for unconfigured mailboxes, got %d calls", p.callCount())
	}
	if len(st.saved) != 1 {
		t.Fatalf("saved = %d, want 1", len(st.saved))
	}
	got := st.saved[0]
	if got.email.Status != models.StatusIgnored {
		t.Errorf("status = %q, want ignored", got.email.Status)
	}
	if got.mailboxType != models.MailboxUnconfigured {
		t.Errorf("mailbox type = %q, want unconfigured", got.mailboxType)
	}
	if got.result != nil {
		t.Errorf("ignored email should carry no pipeline result")
	}
}

func TestRunOnceDeduplicatesAcrossCycles(t *testing.T) {
	fetcher := &fakeFetcher{
		name: "test",
		msgs: []models.RawMessage{{
			ID:                "id-1",
			Provider:          "test",
			ProviderMessageID: "101",
			Content:           rawEmail("support@mailclerk.io"),
		}},
	}
	q := &memQueue{}
	st := &memStore{mailboxes: map[string]string{"support@mailclerk.io": "customer_service"}}
	p := &fakePipeline{}

	r := testRunner([]Fetcher{fetcher}, q, st, p)
	for i := 0; i < 2; i++ {
		if err := r.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce cycle %d: %v", i, err)
		}
	}

	if st.savedCount() != 1 {
		t.Errorf("saved = %d, re-fetched message must be deduplicated", st.savedCount())
	}
}

func TestRunOnceProviderFailureIsolated(t *testing.T) {
	broken := &fakeFetcher{name: "broken", err: errors.New("connection reset")}
	healthy := &fakeFetcher{
		name: "healthy",
		msgs: []models.RawMessage{{
			ID:                "id-2",
			Provider:          "healthy",
			ProviderMessageID: "202",
			Content:           rawEmail("support@mailclerk.io"),
		}},
	}
	q := &memQueue{}
	st := &memStore{mailboxes: map[string]string{"support@mailclerk.io": "customer_service"}}
	p := &fakePipeline{}

	r := testRunner([]Fetcher{broken, healthy}, q, st, p)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if st.savedCount() != 1 {
		t.Errorf("saved = %d, the healthy provider must still be processed", st.savedCount())
	}
}

func TestRunOnceRecordsPipelineFailure(t *testing.T) {
	fetcher := &fakeFetcher{
		name: "test",
		msgs: []models.RawMessage{{
			ID:                "id-1",
			Provider:          "test",
			ProviderMessageID: "101",
			Content:           rawEmail("support@mailclerk.io"),
		}},
	}
	q := &memQueue{}
	st := &memStore{mailboxes: map[string]string{"support@mailclerk.io": "customer_service"}}
	p := &fakePipeline{result: &models.PipelineResult{Error: pipeline.ProcessingFailed}}

	r := testRunner([]Fetcher{fetcher}, q, st, p)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(st.saved) != 1 {
		t.Fatalf("saved = %d, want 1", len(st.saved))
	}
	got := st.saved[0]
	if got.email.Status != models.StatusFailed {
		t.Errorf("status = %q, want failed", got.email.Status)
	}
	if got.email.Notes != pipeline.ProcessingFailed {
		t.Errorf("notes = %q", got.email.Notes)
	}
}

func TestStopWaitsForInFlightMessage(t *testing.T) {
	q := &memQueue{}
	q.Enqueue(context.Background(), &models.RawMessage{
		ID:                "id-1",
		Provider:          "test",
		ProviderMessageID: "101",
		Content:           rawEmail("support@mailclerk.io"),
	})

	st := &memStore{mailboxes: map[string]string{"support@mailclerk.io": "customer_service"}}
	p := &fakePipeline{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}

	r := testRunner(nil, q, st, p)
	r.Start(context.Background())

	// Wait until the message is mid-pipeline, then shut down while it
	// is still in flight.
	select {
	case <-p.started:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline never started")
	}

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	// Stop must not return while the message is still processing.
	select {
	case <-stopped:
		t.Fatal("Stop returned before in-flight message finished")
	case <-time.After(100 * time.Millisecond):
	}

	close(p.release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after message completed")
	}

	if st.savedCount() != 1 {
		t.Errorf("saved = %d, in-flight message must be persisted before shutdown", st.savedCount())
	}
}

func TestStartDrainsQueueInBackground(t *testing.T) {
	q := &memQueue{}
	for _, id := range []string{"a", "b", "c"} {
		q.Enqueue(context.Background(), &models.RawMessage{
			ID:                id,
			Provider:          "test",
			ProviderMessageID: id,
			Content:           rawEmail("support@mailclerk.io"),
		})
	}

	st := &memStore{mailboxes: map[string]string{"support@mailclerk.io": "customer_service"}}
	p := &fakePipeline{}

	r := testRunner(nil, q, st, p)
	r.Start(context.Background())
	defer r.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for st.savedCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if st.savedCount() != 3 {
		t.Errorf("saved = %d, want 3", st.savedCount())
	}
}
