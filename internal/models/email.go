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

// Package models defines the data structures shared across the assistant.
package models

import "time"

// MaxBodyLength caps stored body content to prevent oversized database rows.
const MaxBodyLength = 100000

// Email lifecycle statuses.
const (
	StatusPendingReview = "pending_review"
	StatusIgnored       = "ignored"
	StatusFailed        = "failed"
)

// MailboxUnconfigured classifies messages addressed to no known mailbox.
const MailboxUnconfigured = "unconfigured"

// RawMessage is an opaque message as fetched from a mail store, before
// parsing. It is the unit carried on the shared queue between the
// ingestion and processing workers.
type RawMessage struct {
	ID                string    `json:"id"`       // correlation id assigned at fetch
	Provider          string    `json:"provider"` // provider name from config
	ProviderMessageID string    `json:"provider_message_id"`
	BlobPath          string    `json:"blob_path,omitempty"`
	Content           []byte    `json:"content,omitempty"` // inline raw bytes when no blob store is configured
	FetchedAt         time.Time `json:"fetched_at"`
}

// Attachment describes a file attached to an email. Content is carried
// transiently between the parser and the blob store and is never
// serialised.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	StoragePath string `json:"storage_path,omitempty"`
	Content     []byte `json:"-"`
}

// ParsedEmail is the normalised form of one inbound message. It is
// immutable once produced by the parser; all downstream stages read it.
type ParsedEmail struct {
	ExternalID   string            `json:"external_id"`
	ThreadID     string            `json:"thread_id"`
	FromAddress  string            `json:"from_address"`
	FromName     string            `json:"from_name"`
	ToAddress    string            `json:"to_address"`
	CCAddresses  []string          `json:"cc_addresses"`
	BCCAddresses []string          `json:"bcc_addresses"`
	Subject      string            `json:"subject"`
	BodyText     string            `json:"body_text"`
	BodyHTML     string            `json:"body_html"`
	ReceivedAt   time.Time         `json:"received_at"`
	Attachments  []Attachment      `json:"attachments"`
	Status       string            `json:"status"`
	Priority     string            `json:"priority"`
	IsRead       bool              `json:"is_read"`
	Notes        string            `json:"notes,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Sentiments recognised by the reviewer stage.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

// Departments a reviewed email can be routed to.
const (
	DepartmentCustomerService = "customer_service"
	DepartmentSales           = "sales"
	DepartmentSpam            = "spam"
)

// ValidDepartments is the closed set of departments; anything else is
// coerced to customer_service during validation.
var ValidDepartments = map[string]bool{
	DepartmentCustomerService: true,
	DepartmentSales:           true,
	DepartmentSpam:            true,
}

// Actions a routing decision can request.
const (
	ActionAutoRespond = "auto_respond"
	ActionEscalate    = "escalate"
	ActionUseTool     = "use_tool"
)

// ValidActions is the closed set of actions; anything else is coerced to
// escalate during validation.
var ValidActions = map[string]bool{
	ActionAutoRespond: true,
	ActionEscalate:    true,
	ActionUseTool:     true,
}

// ReviewResult is the validated output of the reviewer stage. After
// validation Department is always one of ValidDepartments.
type ReviewResult struct {
	Sentiment  string `json:"sentiment"`
	Urgency    int    `json:"urgency"`
	Department string `json:"department"`
	Review     string `json:"review"`
	Error      string `json:"error,omitempty"` // degraded-stage marker, carried through
}

// RoutingDecision is the validated output of the router stage. After
// validation Action is always one of ValidActions.
type RoutingDecision struct {
	Action  string `json:"action"`
	Details string `json:"details"`
}

// DraftReply is the validated output of the drafter stage. After
// validation Confidence is always within [0, 1].
type DraftReply struct {
	DraftEmail string  `json:"draft_email"`
	Sentiment  string  `json:"sentiment"`
	Confidence float64 `json:"confidence"`
	Review     string  `json:"review"`
	Error      string  `json:"error,omitempty"` // degraded-stage marker, carried through
}

// Metadata tags a pipeline result with its schema version and
// generation time.
type Metadata struct {
	WorkflowVersion string    `json:"workflow_version"`
	Timestamp       time.Time `json:"timestamp"`
}

// PipelineResult aggregates the three stage outputs for one email.
// A non-empty Error means the whole run failed and no stage output is
// valid; the two are never combined.
type PipelineResult struct {
	Metadata Metadata        `json:"metadata"`
	Review   ReviewResult    `json:"reviewer_analysis"`
	Routing  RoutingDecision `json:"department_decision"`
	Draft    DraftReply      `json:"draft_reply"`
	Error    string          `json:"error,omitempty"`
}

// Failed reports whether the result is the terminal error marker.
func (r *PipelineResult) Failed() bool { return r.Error != "" }
