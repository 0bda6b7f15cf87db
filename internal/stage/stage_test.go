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

package stage

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// scriptedClient returns canned responses in order, counting calls.
type scriptedClient struct {
	responses []string
	errs      []error
	calls     int
}

func (c *scriptedClient) Complete(ctx context.Context, prompt string) (string, error) {
	i := c.calls
	c.calls++
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	if c.errs != nil && c.errs[i] != nil {
		return "", c.errs[i]
	}
	return c.responses[i], nil
}

var testSchema = []Field{
	{Name: "sentiment", Description: "overall sentiment"},
	{Name: "urgency", Description: "urgency 1-10"},
}

func TestRunRetriesMalformedThenSucceeds(t *testing.T) {
	client := &scriptedClient{
		responses: []string{
			"not json at all",
			"still { broken",
			"```json\n{\"sentiment\": \"negative\", \"urgency\": 8}\n```",
		},
	}

	s, err := New("reviewer", "Review this: {{.email_content}}", testSchema, client)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := s.Run(context.Background(), map[string]string{"email_content": "hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if client.calls != 3 {
		t.Errorf("expected exactly 3 service calls, got %d", client.calls)
	}
	if out["sentiment"] != "negative" {
		t.Errorf("sentiment = %v, want negative", out["sentiment"])
	}
	if out["urgency"] != float64(8) {
		t.Errorf("urgency = %v, want 8", out["urgency"])
	}
}

func TestRunDegradesAfterAllAttempts(t *testing.T) {
	client := &scriptedClient{responses: []string{"no json here"}}

	s, err := New("reviewer", "Review: {{.email_content}}", testSchema, client)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := s.Run(context.Background(), map[string]string{"email_content": "x"})
	if err != nil {
		t.Fatalf("Run should not fail on persistent malformed output: %v", err)
	}

	if client.calls != DefaultMaxAttempts {
		t.Errorf("expected %d service calls, got %d", DefaultMaxAttempts, client.calls)
	}
	if out["error"] != DegradedErrorValue {
		t.Errorf("error = %v, want %q", out["error"], DegradedErrorValue)
	}
}

func TestRunServiceErrorNotRetried(t *testing.T) {
	svcErr := errors.New("connection refused")
	client := &scriptedClient{
		responses: []string{""},
		errs:      []error{svcErr},
	}

	s, err := New("router", "Route: {{.email_content}}", testSchema, client)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = s.Run(context.Background(), map[string]string{"email_content": "x"})
	if err == nil {
		t.Fatal("expected error from service failure")
	}
	if !errors.Is(err, svcErr) {
		t.Errorf("error %v should wrap the service error", err)
	}
	if client.calls != 1 {
		t.Errorf("service errors must not be retried, got %d calls", client.calls)
	}
}

func TestRunAppendsFormatInstructions(t *testing.T) {
	var captured string
	client := &promptCapture{out: `{"sentiment": "neutral", "urgency": 1}`, prompt: &captured}

	s, err := New("reviewer", "Body: {{.email_content}}", testSchema, client)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Run(context.Background(), map[string]string{"email_content": "abc"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !strings.Contains(captured, "Body: abc") {
		t.Errorf("prompt missing rendered template: %q", captured)
	}
	if !strings.Contains(captured, `"sentiment"`) || !strings.Contains(captured, `"urgency"`) {
		t.Errorf("prompt missing schema keys: %q", captured)
	}
}

type promptCapture struct {
	out    string
	prompt *string
}

func (c *promptCapture) Complete(ctx context.Context, prompt string) (string, error) {
	*c.prompt = prompt
	return c.out, nil
}

func TestParseStructured(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantKey string
		wantVal any
		wantErr bool
	}{
		{
			name:    "bare object",
			raw:     `{"action": "escalate"}`,
			wantKey: "action",
			wantVal: "escalate",
		},
		{
			name:    "json fence",
			raw:     "Here you go:\n```json\n{\"action\": \"auto_respond\"}\n```\nThanks!",
			wantKey: "action",
			wantVal: "auto_respond",
		},
		{
			name:    "plain fence",
			raw:     "```\n{\"action\": \"use_tool\"}\n```",
			wantKey: "action",
			wantVal: "use_tool",
		},
		{
			name:    "surrounding prose",
			raw:     `The answer is {"confidence": 0.9} as requested.`,
			wantKey: "confidence",
			wantVal: 0.9,
		},
		{
			name:    "no object",
			raw:     "I cannot help with that.",
			wantErr: true,
		},
		{
			name:    "truncated object",
			raw:     `{"action": "esca`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ParseStructured(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedOutput) {
					t.Fatalf("expected ErrMalformedOutput, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseStructured: %v", err)
			}
			if out[tt.wantKey] != tt.wantVal {
				t.Errorf("%s = %v, want %v", tt.wantKey, out[tt.wantKey], tt.wantVal)
			}
		})
	}
}

func TestRenderMissingVarIsEmpty(t *testing.T) {
	client := &scriptedClient{responses: []string{`{"a": 1}`}}
	s, err := New("x", "start {{.missing}} end", nil, client)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	prompt, err := s.render(map[string]string{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(prompt, "start  end") {
		t.Errorf("missing vars should render empty, got %q", prompt)
	}
}
