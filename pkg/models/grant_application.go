package models

import "time"

// GrantStatusDraft is the status a grant application takes once a proposal is generated.
const GrantStatusDraft = "Draft"

// GrantApplication is a funding application whose proposal text may be AI generated.
type GrantApplication struct {
	ID              int64     `db:"id" json:"id"`
	UserID          string    `db:"user_id" json:"userId"`
	ProjectName     string    `db:"project_name" json:"projectName"`
	FunderName      string    `db:"funder_name" json:"funderName"`
	FundingAmount   *string   `db:"funding_amount" json:"fundingAmount,omitempty"`
	Deadline        *string   `db:"deadline" json:"deadline,omitempty"`
	ProposalContent *string   `db:"proposal_content" json:"proposalContent,omitempty"`
	Status          string    `db:"status" json:"status"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time `db:"updated_at" json:"updatedAt"`
}
