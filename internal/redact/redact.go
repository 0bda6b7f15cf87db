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

// Package redact strips detectable sensitive spans from free text before
// it leaves the trust boundary, via a presidio-style anonymizer service.
package redact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Redactor replaces detected sensitive spans with category placeholders.
type Redactor interface {
	Redact(ctx context.Context, text string) (string, error)
}

// Client calls a PII anonymizer service over HTTP.
//
// failClosed controls detector-error behaviour: when false (the
// original's policy) the input text is returned unredacted with a
// warning, accepting the risk that PII reaches the generation service;
// when true the error propagates and the message's pipeline run fails.
type Client struct {
	baseURL    string
	language   string
	failClosed bool
	httpClient *http.Client
}

// NewClient creates a redaction client. An empty baseURL disables
// redaction entirely (text passes through, logged once at startup by the
// caller).
func NewClient(baseURL, language string, failClosed bool) *Client {
	return &Client{
		baseURL:    baseURL,
		language:   language,
		failClosed: failClosed,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type anonymizeRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

type anonymizeResponse struct {
	Text string `json:"text"`
}

// Redact returns the text with every detected sensitive span replaced by
// a category placeholder.
func (c *Client) Redact(ctx context.Context, text string) (string, error) {
	if text == "" || c.baseURL == "" {
		return text, nil
	}

	redacted, err := c.anonymize(ctx, text)
	if err != nil {
		if c.failClosed {
			return "", fmt.Errorf("redaction failed: %w", err)
		}
		slog.Warn("redaction failed, passing text through unredacted", "error", err)
		return text, nil
	}

	return redacted, nil
}

func (c *Client) anonymize(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(anonymizeRequest{Text: text, Language: c.language})
	if err != nil {
		return "", fmt.Errorf("marshal anonymize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/anonymize", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build anonymize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call anonymizer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("anonymizer returned HTTP %d: %s", resp.StatusCode, string(msg))
	}

	var out anonymizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode anonymizer response: %w", err)
	}

	return out.Text, nil
}
