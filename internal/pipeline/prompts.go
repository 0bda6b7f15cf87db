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

package pipeline

import "github.com/mailclerk/assistant/internal/stage"

const reviewerPrompt = `You are an Email Reviewer agent. Analyze the following email for sentiment, urgency, and potential spam.
Also determine which department should handle this email (customer_service, sales) or if it should be flagged as spam.

Email:
{{.email_content}}
`

var reviewerSchema = []stage.Field{
	{Name: "sentiment", Description: "positive, negative, or neutral"},
	{Name: "urgency", Description: "A number between 1 and 10 representing urgency"},
	{Name: "department", Description: "customer_service, sales, or spam"},
	{Name: "review", Description: "A brief analysis summary of the email"},
}

const routerPrompt = `You are a {{.department}} agent. Here are some example decisions for your department:
- For customer_service: respond with "escalate" for refund requests, or "auto_respond" for tracking inquiries.
- For sales: respond with "use_tool" to check the CRM, or "auto_respond" with promotional codes.

Given the email below and the reviewer's analysis, decide what action should be taken.
Possible actions are: "auto_respond", "escalate", or "use_tool".

Email:
{{.email_content}}

Reviewer Analysis:
{{.reviewer_analysis}}
`

var routerSchema = []stage.Field{
	{Name: "action", Description: "auto_respond, escalate, or use_tool"},
	{Name: "details", Description: "Additional instructions"},
}

const drafterPrompt = `You are an Email Drafter agent. Based on the following department decision and the original email,
draft a professional reply that addresses the customer's concerns.
Include a sentiment analysis, a confidence score (between 0 and 1), and a brief review of your reply.

Department Decision:
{{.department_details}}

Email:
{{.email_content}}
`

var drafterSchema = []stage.Field{
	{Name: "draft_email", Description: "The full text of the draft reply."},
	{Name: "sentiment", Description: "The sentiment of the reply: positive, negative, or neutral."},
	{Name: "confidence", Description: "A numeric confidence score between 0 and 1."},
	{Name: "review", Description: "Brief commentary on the draft's quality and appropriateness."},
}
