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

// Package store persists processed emails to Postgres. One message is
// one transaction: the email row, its attachments, the draft reply, and
// the analysis commit together or not at all. The email id is generated
// before the transaction and correlates every inserted row, which makes
// a retried write with the same id a full overwrite rather than a
// partial duplicate.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailclerk/assistant/internal/models"
)

// Store provides transactional persistence backed by a Postgres pool.
// Each call obtains its own connection from the pool; nothing is shared
// across worker goroutines without synchronisation.
type Store struct {
	pool    *pgxpool.Pool
	routing *routingCache
}

// New creates a store and ensures the schema exists.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	s.routing = newRoutingCache(routingTTL, s.loadMailboxes)
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	slog.Info("email store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS emails (
			email_id      UUID PRIMARY KEY,
			external_id   TEXT DEFAULT '',
			thread_id     TEXT DEFAULT '',
			from_address  TEXT DEFAULT '',
			from_name     TEXT DEFAULT '',
			to_address    TEXT DEFAULT '',
			cc_addresses  TEXT[],
			bcc_addresses TEXT[],
			subject       TEXT DEFAULT '',
			body_text     TEXT DEFAULT '',
			body_html     TEXT DEFAULT '',
			received_at   TIMESTAMPTZ,
			is_read       BOOLEAN DEFAULT FALSE,
			status        TEXT DEFAULT 'pending_review',
			mailbox_type  TEXT DEFAULT '',
			priority      TEXT DEFAULT 'normal',
			provider      TEXT DEFAULT '',
			notes         TEXT DEFAULT '',
			metadata      JSONB,
			created_at    TIMESTAMPTZ DEFAULT NOW(),
			updated_at    TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_emails_status ON emails(status);
		CREATE INDEX IF NOT EXISTS idx_emails_external ON emails(external_id);
		CREATE INDEX IF NOT EXISTS idx_emails_mailbox ON emails(mailbox_type);

		CREATE TABLE IF NOT EXISTS attachments (
			id           BIGSERIAL PRIMARY KEY,
			email_id     UUID NOT NULL REFERENCES emails(email_id) ON DELETE CASCADE,
			filename     TEXT NOT NULL,
			content_type TEXT DEFAULT '',
			size         BIGINT DEFAULT 0,
			storage_path TEXT DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_attachments_email ON attachments(email_id);

		CREATE TABLE IF NOT EXISTS draft_replies (
			draft_id        BIGSERIAL PRIMARY KEY,
			email_id        UUID NOT NULL REFERENCES emails(email_id) ON DELETE CASCADE,
			draft_email     TEXT DEFAULT '',
			sentiment       TEXT DEFAULT '',
			confidence      DOUBLE PRECISION DEFAULT 0,
			review          TEXT DEFAULT '',
			llm_provider_id BIGINT,
			llm_model       TEXT DEFAULT '',
			created_at      TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_drafts_email ON draft_replies(email_id);

		CREATE TABLE IF NOT EXISTS email_analysis (
			id               BIGSERIAL PRIMARY KEY,
			email_id         UUID NOT NULL REFERENCES emails(email_id) ON DELETE CASCADE,
			sentiment        TEXT DEFAULT '',
			urgency          INT DEFAULT 0,
			department       TEXT DEFAULT '',
			action           TEXT DEFAULT '',
			details          TEXT DEFAULT '',
			review           TEXT DEFAULT '',
			workflow_version TEXT DEFAULT '',
			generated_at     TIMESTAMPTZ,
			llm_provider_id  BIGINT,
			llm_model        TEXT DEFAULT '',
			created_at       TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_analysis_email ON email_analysis(email_id);

		CREATE TABLE IF NOT EXISTS departments (
			id          BIGSERIAL PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			email_alias TEXT DEFAULT '',
			description TEXT DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS llm_providers (
			provider_id   BIGSERIAL PRIMARY KEY,
			name          TEXT NOT NULL,
			provider_type TEXT DEFAULT '',
			model         TEXT DEFAULT '',
			config        JSONB,
			is_active     BOOLEAN DEFAULT FALSE
		);
	`)
	return err
}

// SaveEmail persists one email and its pipeline result. The id is
// generated here, before the transaction, and returned as the
// correlation key for all inserted rows.
func (s *Store) SaveEmail(ctx context.Context, email *models.ParsedEmail, mailboxType, provider string, result *models.PipelineResult) (uuid.UUID, error) {
	id := uuid.New()
	if err := s.SaveEmailWithID(ctx, id, email, mailboxType, provider, result); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// SaveEmailWithID persists one email under a caller-supplied id inside a
// single transaction. Writing again with the same id fully overwrites
// the previous row set, never a partial mix of old and new rows.
func (s *Store) SaveEmailWithID(ctx context.Context, id uuid.UUID, email *models.ParsedEmail, mailboxType, provider string, result *models.PipelineResult) error {
	var llmProviderID *int64
	llmModel := ""
	if result != nil && !result.Failed() {
		p, err := s.ActiveLLMProvider(ctx)
		if err != nil {
			slog.Warn("failed to look up active LLM provider", "error", err)
		} else if p != nil {
			llmProviderID = &p.ID
			llmModel = p.Model
		}
	}

	metadata, err := json.Marshal(email.Metadata)
	if err != nil {
		return fmt.Errorf("marshal email metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO emails (
			email_id, external_id, thread_id, from_address, from_name,
			to_address, cc_addresses, bcc_addresses, subject, body_text,
			body_html, received_at, is_read, status, mailbox_type,
			priority, provider, notes, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		          $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (email_id) DO UPDATE SET
			status       = EXCLUDED.status,
			mailbox_type = EXCLUDED.mailbox_type,
			notes        = EXCLUDED.notes,
			updated_at   = NOW()
	`,
		id, email.ExternalID, email.ThreadID, email.FromAddress, email.FromName,
		email.ToAddress, email.CCAddresses, email.BCCAddresses, email.Subject, email.BodyText,
		email.BodyHTML, email.ReceivedAt, email.IsRead, email.Status, mailboxType,
		email.Priority, provider, email.Notes, metadata,
	)
	if err != nil {
		return fmt.Errorf("insert email: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM attachments WHERE email_id = $1`, id); err != nil {
		return fmt.Errorf("clear attachments: %w", err)
	}
	for _, a := range email.Attachments {
		_, err := tx.Exec(ctx, `
			INSERT INTO attachments (email_id, filename, content_type, size, storage_path)
			VALUES ($1, $2, $3, $4, $5)
		`, id, a.Filename, a.ContentType, a.Size, a.StoragePath)
		if err != nil {
			return fmt.Errorf("insert attachment %s: %w", a.Filename, err)
		}
	}

	// A failed pipeline run persists no stage output: the email row
	// carries the failed status, nothing else.
	if result != nil && !result.Failed() {
		if _, err := tx.Exec(ctx, `DELETE FROM draft_replies WHERE email_id = $1`, id); err != nil {
			return fmt.Errorf("clear draft replies: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO draft_replies (email_id, draft_email, sentiment, confidence, review, llm_provider_id, llm_model)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, id, result.Draft.DraftEmail, result.Draft.Sentiment, result.Draft.Confidence,
			result.Draft.Review, llmProviderID, llmModel)
		if err != nil {
			return fmt.Errorf("insert draft reply: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM email_analysis WHERE email_id = $1`, id); err != nil {
			return fmt.Errorf("clear analysis: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO email_analysis (
				email_id, sentiment, urgency, department, action, details,
				review, workflow_version, generated_at, llm_provider_id, llm_model
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, id, result.Review.Sentiment, result.Review.Urgency, result.Review.Department,
			result.Routing.Action, result.Routing.Details, result.Review.Review,
			result.Metadata.WorkflowVersion, result.Metadata.Timestamp, llmProviderID, llmModel)
		if err != nil {
			return fmt.Errorf("insert analysis: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	slog.Info("stored email",
		"email_id", id,
		"mailbox_type", mailboxType,
		"status", email.Status,
		"attachments", len(email.Attachments),
	)
	return nil
}

// LLMProvider is a row of the llm_providers table.
type LLMProvider struct {
	ID           int64
	Name         string
	ProviderType string
	Model        string
}

// ActiveLLMProvider returns the active provider, or nil when none is
// configured.
func (s *Store) ActiveLLMProvider(ctx context.Context) (*LLMProvider, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT provider_id, name, provider_type, model
		FROM llm_providers
		WHERE is_active = TRUE
		LIMIT 1
	`)

	var p LLMProvider
	err := row.Scan(&p.ID, &p.Name, &p.ProviderType, &p.Model)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
