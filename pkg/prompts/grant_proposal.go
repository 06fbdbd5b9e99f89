package prompts

import (
	"fmt"
	"strings"
)

// GrantWritingSystemMessage frames the model as a nonprofit grant writer.
const GrantWritingSystemMessage = `You are an experienced nonprofit grant writer. ` +
	`Write persuasive, specific, well-structured proposals in Markdown, using a heading for each required section. ` +
	`Match the organization's voice when background material is provided, and never invent statistics that the inputs do not support.`

// RequiredProposalSections are the sections every generated proposal must contain, in order.
var RequiredProposalSections = []string{
	"Executive Summary",
	"Statement of Need",
	"Program Description",
	"Expected Outcomes and Impact",
	"Budget Summary",
}

// GrantProposalInput carries the project facts embedded in the prompt.
type GrantProposalInput struct {
	ProjectName       string
	FunderName        string
	FundingAmount     string
	Deadline          string
	RFPText           string
	TeachingMaterials string
}

// BuildGrantProposalPrompt renders the generation prompt. Optional fields that
// are empty leave blank lines in place so the layout stays stable.
func BuildGrantProposalPrompt(in GrantProposalInput) string {
	var b strings.Builder

	b.WriteString("Generate a comprehensive grant proposal for the following project:\n\n")
	fmt.Fprintf(&b, "Project Name: %s\n", in.ProjectName)
	fmt.Fprintf(&b, "Funder: %s\n", in.FunderName)
	b.WriteString(optional(in.FundingAmount, "Funding Amount Requested: %s"))
	b.WriteString("\n")
	b.WriteString(optional(in.Deadline, "Deadline: %s"))
	b.WriteString("\n\n")
	b.WriteString(optional(in.RFPText, "RFP/Grant Guidelines:\n%s\n"))
	b.WriteString("\n\n")
	b.WriteString(optional(in.TeachingMaterials, "Organization Background & Writing Style:\n%s\n"))
	b.WriteString("\n\n")
	b.WriteString("Please generate a complete grant proposal following best practices for nonprofit grant writing. Include:\n")
	for i, section := range RequiredProposalSections {
		fmt.Fprintf(&b, "%d. %s\n", i+1, section)
	}
	b.WriteString("\nMake it compelling, data-driven, and aligned with the funder's priorities.")

	return b.String()
}

func optional(value, format string) string {
	if value == "" {
		return ""
	}
	return fmt.Sprintf(format, value)
}

// TokenCounter measures and cuts text in model tokens.
type TokenCounter interface {
	Count(text string) int
	Truncate(text string, maxTokens int) string
}

// truncationMarker is appended to any material cut to fit the budget.
const truncationMarker = "\n[...truncated]"

// FitGrantProposalPrompt builds the prompt and, if it exceeds budget tokens,
// shortens the teaching materials first and then the RFP text, keeping the
// head of each. Project facts are never cut. budget <= 0 disables fitting.
// The second return value reports whether anything was truncated.
func FitGrantProposalPrompt(in GrantProposalInput, counter TokenCounter, budget int) (string, bool) {
	prompt := BuildGrantProposalPrompt(in)
	if budget <= 0 || counter == nil {
		return prompt, false
	}

	over := counter.Count(prompt) - budget
	if over <= 0 {
		return prompt, false
	}

	for _, field := range []*string{&in.TeachingMaterials, &in.RFPText} {
		if over <= 0 {
			break
		}
		if *field == "" {
			continue
		}
		have := counter.Count(*field)
		keep := have - over - counter.Count(truncationMarker)
		if keep <= 0 {
			*field = ""
		} else {
			*field = counter.Truncate(*field, keep) + truncationMarker
		}
		prompt = BuildGrantProposalPrompt(in)
		over = counter.Count(prompt) - budget
	}

	return prompt, true
}
