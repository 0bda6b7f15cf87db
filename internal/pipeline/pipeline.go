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

// Package pipeline sequences the three analysis stages for one email:
// review, route, draft. The orchestrator is synchronous per message and
// holds no shared mutable state, so it is safe to invoke from multiple
// processing workers concurrently.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mailclerk/assistant/internal/llm"
	"github.com/mailclerk/assistant/internal/models"
	"github.com/mailclerk/assistant/internal/redact"
	"github.com/mailclerk/assistant/internal/stage"
)

// WorkflowVersion is the schema version recorded on every result.
const WorkflowVersion = "1.1"

// ProcessingFailed is the terminal error marker for a pipeline run. The
// whole run is all-or-nothing: no partial result is ever returned.
const ProcessingFailed = "Processing failed"

// Orchestrator runs the fixed review → route → draft topology.
type Orchestrator struct {
	redactor redact.Redactor
	reviewer *stage.Stage
	router   *stage.Stage
	drafter  *stage.Stage

	now func() time.Time
}

// New builds an orchestrator over the given generation client and
// redactor.
func New(client llm.Client, redactor redact.Redactor) (*Orchestrator, error) {
	reviewer, err := stage.New("reviewer", reviewerPrompt, reviewerSchema, client)
	if err != nil {
		return nil, err
	}
	router, err := stage.New("router", routerPrompt, routerSchema, client)
	if err != nil {
		return nil, err
	}
	drafter, err := stage.New("drafter", drafterPrompt, drafterSchema, client)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		redactor: redactor,
		reviewer: reviewer,
		router:   router,
		drafter:  drafter,
		now:      time.Now,
	}, nil
}

// Process runs the full workflow for one email body. Any failure
// anywhere in the sequence yields the single terminal error marker; a
// successful run always carries all three validated stage outputs.
func (o *Orchestrator) Process(ctx context.Context, emailContent string) *models.PipelineResult {
	result, err := o.process(ctx, emailContent)
	if err != nil {
		slog.Error("pipeline processing failed", "error", err)
		return &models.PipelineResult{Error: ProcessingFailed}
	}
	return result
}

func (o *Orchestrator) process(ctx context.Context, emailContent string) (*models.PipelineResult, error) {
	cleaned, err := o.redactor.Redact(ctx, emailContent)
	if err != nil {
		return nil, fmt.Errorf("redact email: %w", err)
	}

	reviewOut, err := o.reviewer.Run(ctx, map[string]string{
		"email_content": cleaned,
	})
	if err != nil {
		return nil, fmt.Errorf("reviewer stage: %w", err)
	}
	review := validateReview(reviewOut)
	slog.Info("reviewer stage complete",
		"sentiment", review.Sentiment,
		"urgency", review.Urgency,
		"department", review.Department,
	)

	routeOut, err := o.router.Run(ctx, map[string]string{
		"department":        review.Department,
		"email_content":     cleaned,
		"reviewer_analysis": formatReviewerAnalysis(review),
	})
	if err != nil {
		return nil, fmt.Errorf("router stage: %w", err)
	}
	routing := validateRouting(routeOut)
	slog.Info("router stage complete", "action", routing.Action)

	details, err := json.Marshal(routing)
	if err != nil {
		return nil, fmt.Errorf("serialise routing decision: %w", err)
	}

	draftOut, err := o.drafter.Run(ctx, map[string]string{
		"department_details": string(details),
		"email_content":      cleaned,
	})
	if err != nil {
		return nil, fmt.Errorf("drafter stage: %w", err)
	}
	draft := validateDraft(draftOut)
	slog.Info("drafter stage complete", "confidence", draft.Confidence)

	return &models.PipelineResult{
		Metadata: models.Metadata{
			WorkflowVersion: WorkflowVersion,
			Timestamp:       o.now().UTC(),
		},
		Review:  review,
		Routing: routing,
		Draft:   draft,
	}, nil
}

// formatReviewerAnalysis converts the structured review into natural
// language for the router stage prompt.
func formatReviewerAnalysis(r models.ReviewResult) string {
	return fmt.Sprintf(
		"Sentiment: %s\nUrgency: %d/10\nDepartment: %s\nReview: %s",
		r.Sentiment, r.Urgency, r.Department, r.Review,
	)
}

// validateReview coerces an unknown department to customer_service.
func validateReview(out map[string]any) models.ReviewResult {
	r := models.ReviewResult{
		Sentiment:  strings.ToLower(stringField(out, "sentiment")),
		Urgency:    intField(out, "urgency"),
		Department: strings.ToLower(stringField(out, "department")),
		Review:     stringField(out, "review"),
		Error:      stringField(out, "error"),
	}
	if !models.ValidDepartments[r.Department] {
		r.Department = models.DepartmentCustomerService
	}
	return r
}

// validateRouting coerces an unknown or missing action to escalate,
// the safe default.
func validateRouting(out map[string]any) models.RoutingDecision {
	action := strings.ToLower(stringField(out, "action"))
	if !models.ValidActions[action] {
		return models.RoutingDecision{
			Action:  models.ActionEscalate,
			Details: "Invalid action requested",
		}
	}
	return models.RoutingDecision{
		Action:  action,
		Details: stringField(out, "details"),
	}
}

// validateDraft clamps confidence into [0, 1]; non-numeric input
// coerces to 0.
func validateDraft(out map[string]any) models.DraftReply {
	conf := floatField(out, "confidence")
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return models.DraftReply{
		DraftEmail: stringField(out, "draft_email"),
		Sentiment:  strings.ToLower(stringField(out, "sentiment")),
		Confidence: conf,
		Review:     stringField(out, "review"),
		Error:      stringField(out, "error"),
	}
}

func stringField(out map[string]any, key string) string {
	if v, ok := out[key]; ok {
		switch t := v.(type) {
		case string:
			return t
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		}
	}
	return ""
}

func intField(out map[string]any, key string) int {
	switch t := out[key].(type) {
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return 0
}

func floatField(out map[string]any, key string) float64 {
	switch t := out[key].(type) {
	case float64:
		return t
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	}
	return 0
}
