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

// Package stage wraps one call to the text-generation service with a
// declared output schema. Malformed output is retried up to MaxAttempts
// times; a final parse failure degrades to a marked error value instead
// of failing the call (soft-fail-forward). Service errors propagate
// immediately and are never retried here.
package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/mailclerk/assistant/internal/llm"
)

// ErrMalformedOutput marks a response that could not be parsed against
// the declared schema. It is the only error class the stage retries.
var ErrMalformedOutput = errors.New("malformed structured output")

// DegradedErrorValue is the marker placed under the "error" key when all
// attempts produced malformed output.
const DegradedErrorValue = "Invalid JSON output from agent"

// DefaultMaxAttempts bounds how often a stage calls the generation
// service for one Run.
const DefaultMaxAttempts = 3

// Field declares one key of a stage's output schema.
type Field struct {
	Name        string
	Description string
}

// Stage is one bounded unit of generative work: prompt template, output
// schema, retry budget. Stages hold no per-call state and are safe for
// concurrent use.
type Stage struct {
	Name        string
	MaxAttempts int

	tmpl   *template.Template
	schema []Field
	client llm.Client
}

// New builds a stage from a prompt template (text/template syntax over a
// map of string vars) and an output schema.
func New(name, promptTemplate string, schema []Field, client llm.Client) (*Stage, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(promptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse %s prompt template: %w", name, err)
	}
	return &Stage{
		Name:        name,
		MaxAttempts: DefaultMaxAttempts,
		tmpl:        tmpl,
		schema:      schema,
		client:      client,
	}, nil
}

// Run renders the prompt, invokes the generation service, and parses the
// response against the schema. On persistent malformed output it returns
// the degraded map {"error": DegradedErrorValue} and a nil error.
func (s *Stage) Run(ctx context.Context, vars map[string]string) (map[string]any, error) {
	prompt, err := s.render(vars)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		raw, err := s.client.Complete(ctx, prompt)
		if err != nil {
			// Service error: propagate, never retry at this level.
			return nil, fmt.Errorf("stage %s: %w", s.Name, err)
		}

		out, err := ParseStructured(raw)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, ErrMalformedOutput) {
			return nil, fmt.Errorf("stage %s: %w", s.Name, err)
		}

		slog.Warn("stage produced malformed output",
			"stage", s.Name,
			"attempt", attempt,
			"error", err,
		)
	}

	slog.Error("stage output unparsable after all attempts, degrading",
		"stage", s.Name,
		"attempts", s.MaxAttempts,
	)
	return map[string]any{"error": DegradedErrorValue}, nil
}

// render executes the template and appends the format instructions
// derived from the schema.
func (s *Stage) render(vars map[string]string) (string, error) {
	var sb strings.Builder
	if err := s.tmpl.Execute(&sb, vars); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", s.Name, err)
	}
	sb.WriteString("\n")
	sb.WriteString(FormatInstructions(s.schema))
	return sb.String(), nil
}

// FormatInstructions describes the expected JSON output for a schema.
func FormatInstructions(schema []Field) string {
	var sb strings.Builder
	sb.WriteString("Respond with a JSON object inside a ```json code block, containing exactly these keys:\n")
	for _, f := range schema {
		fmt.Fprintf(&sb, "\t%q: %s\n", f.Name, f.Description)
	}
	return sb.String()
}

// ParseStructured extracts and decodes the JSON object from a raw model
// response, tolerating surrounding prose and markdown fences. Decode
// failures are reported as ErrMalformedOutput.
func ParseStructured(raw string) (map[string]any, error) {
	candidate := extractJSON(raw)
	if candidate == "" {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrMalformedOutput)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	return out, nil
}

// extractJSON returns the first top-level {...} span, preferring the
// content of a ```json fence when present.
func extractJSON(raw string) string {
	if i := strings.Index(raw, "```json"); i >= 0 {
		rest := raw[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			raw = rest[:j]
		} else {
			raw = rest
		}
	} else if i := strings.Index(raw, "```"); i >= 0 {
		rest := raw[i+3:]
		if j := strings.Index(rest, "```"); j >= 0 {
			raw = rest[:j]
		}
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}
