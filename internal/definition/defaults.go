package definition

import "promptchain/internal/workflow"

const (
	DefaultWorkflowID = "reply"

	// PastTicketsToken carries related, already resolved tickets into the
	// first stage. Callers fill it per run.
	PastTicketsToken = "PAST_TICKETS"
)

// DefaultReply is the built-in four-stage support reply workflow: research,
// draft, a multi-model review, then a revision that applies the review. It
// leaves the connection and run modes to the caller's settings.
func DefaultReply() Document {
	return Document{
		Version: CurrentVersion,
		Workflow: workflow.Workflow{
			ID:   DefaultWorkflowID,
			Name: "Support reply",
			Stages: []workflow.Stage{
				{
					ID:     "past-tickets",
					Name:   "Check Past Tickets",
					Models: []string{"gpt-4o"},
					PromptTemplate: `Here is a customer ticket:

{{TRANSCRIPT}}

Related tickets we already resolved:

{{PAST_TICKETS}}

List the facts, fixes and policies from the related tickets that apply to this one. Say so plainly if none apply.`,
				},
				{
					ID:     "draft",
					Name:   "Write Public Reply",
					Models: []string{"gpt-4o"},
					PromptTemplate: `Write a public reply to the customer ticket below. Use only the notes from the earlier research; do not invent policies.

Ticket:
{{TRANSCRIPT}}

Research notes:
{{RD_1_COMBINED}}`,
				},
				{
					ID:     "review",
					Name:   "Review Public Reply",
					Models: []string{"claude-4-opus-latest-thinking", "gemini-2.5-pro", "gpt-4o"},
					PromptTemplate: `Review this draft reply for accuracy, tone and missing steps. Give concrete feedback as a short list.

Ticket:
{{TRANSCRIPT}}

Research notes:
{{RD_1_COMBINED}}

Draft reply:
{{RD_2_COMBINED}}`,
				},
				{
					ID:     "revise",
					Name:   "Adapt Initial Public Reply",
					Models: []string{"gpt-4o"},
					PromptTemplate: `Revise the draft reply using the reviewers' feedback. Return only the final reply.

Draft reply:
{{RD_2_COMBINED}}

Feedback:
{{RD_3_COMBINED}}

Research notes:
{{RD_1_COMBINED}}`,
				},
			},
		},
		Placeholders: map[string]string{PastTicketsToken: ""},
		Instructions: &Instructions{Scope: workflow.ScopeContext},
	}
}
