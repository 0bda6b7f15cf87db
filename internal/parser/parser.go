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

// Package parser normalises raw RFC 5322 messages into ParsedEmail
// records. Bodies are truncated to models.MaxBodyLength and HTML content
// is sanitised before it reaches the analysis pipeline.
package parser

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"

	"github.com/mailclerk/assistant/internal/models"
)

var htmlPolicy = bluemonday.UGCPolicy()

// Parse extracts headers, bodies, and attachment metadata from a raw
// message. The returned record carries the pending_review status and
// normal priority defaults; callers adjust them for unrouted messages.
func Parse(raw []byte) (*models.ParsedEmail, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	email := &models.ParsedEmail{
		Status:   models.StatusPendingReview,
		Priority: "normal",
		Metadata: map[string]string{},
	}

	h := mr.Header

	if id, err := h.MessageID(); err == nil {
		email.ExternalID = id
	}
	if subject, err := h.Subject(); err == nil {
		email.Subject = subject
	}
	email.ThreadID = threadID(&h)

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		email.FromAddress = from[0].Address
		email.FromName = from[0].Name
	}
	if to, err := h.AddressList("To"); err == nil && len(to) > 0 {
		email.ToAddress = to[0].Address
	}
	email.CCAddresses = addressStrings(&h, "Cc")
	email.BCCAddresses = addressStrings(&h, "Bcc")

	if date, err := h.Date(); err == nil && !date.IsZero() {
		email.ReceivedAt = date.UTC()
	} else {
		email.ReceivedAt = time.Now().UTC()
	}

	// Raw headers go into the metadata map for auditability.
	fields := h.Fields()
	for fields.Next() {
		text, err := fields.Text()
		if err != nil {
			text = fields.Value()
		}
		email.Metadata[fields.Key()] = text
	}
	email.Metadata["processing_time"] = time.Now().UTC().Format(time.RFC3339)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A malformed part does not invalidate what was already read.
			slog.Warn("error reading message part, stopping body walk", "error", err)
			break
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := ph.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				slog.Warn("error decoding message part", "content_type", contentType, "error", readErr)
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				email.BodyText = truncateBody(string(body))
			case strings.HasPrefix(contentType, "text/html"):
				email.BodyHTML = truncateBody(htmlPolicy.Sanitize(string(body)))
			default:
				if email.BodyText == "" {
					email.BodyText = truncateBody(string(body))
				}
			}

		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			if filename == "" {
				continue
			}
			contentType, _, _ := ph.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				slog.Warn("error decoding attachment", "filename", filename, "error", readErr)
				continue
			}

			email.Attachments = append(email.Attachments, models.Attachment{
				Filename:    filename,
				ContentType: contentType,
				Size:        len(body),
				Content:     body,
			})
		}
	}

	return email, nil
}

// threadID resolves the conversation reference: References first, then
// In-Reply-To.
func threadID(h *mail.Header) string {
	if refs, err := h.MsgIDList("References"); err == nil && len(refs) > 0 {
		return refs[0]
	}
	if refs, err := h.MsgIDList("In-Reply-To"); err == nil && len(refs) > 0 {
		return refs[0]
	}
	return ""
}

func addressStrings(h *mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

func truncateBody(body string) string {
	if len(body) > models.MaxBodyLength {
		return body[:models.MaxBodyLength]
	}
	return body
}
