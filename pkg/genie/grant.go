package genie

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/models"
)

const untitledSession = "Untitled Session"

// GrantFormData is the grant writing form.
type GrantFormData struct {
	ProjectName       string `json:"projectName" yaml:"projectName"`
	FunderName        string `json:"funderName" yaml:"funderName"`
	FundingAmount     string `json:"fundingAmount" yaml:"fundingAmount"`
	Deadline          string `json:"deadline" yaml:"deadline"`
	RFPText           string `json:"rfpText" yaml:"rfpText"`
	TeachingMaterials string `json:"teachingMaterials" yaml:"teachingMaterials"`
}

// SetField sets one form field by its JSON name.
func (f *GrantFormData) SetField(name, value string) error {
	switch name {
	case "projectName":
		f.ProjectName = value
	case "funderName":
		f.FunderName = value
	case "fundingAmount":
		f.FundingAmount = value
	case "deadline":
		f.Deadline = value
	case "rfpText":
		f.RFPText = value
	case "teachingMaterials":
		f.TeachingMaterials = value
	default:
		return fmt.Errorf("unknown grant form field %q", name)
	}
	return nil
}

// GrantDraft is the part of GrantGenie that survives a restart.
type GrantDraft struct {
	SessionID       *int64        `json:"sessionId" yaml:"sessionId"`
	SessionName     string        `json:"sessionName" yaml:"sessionName"`
	FormData        GrantFormData `json:"formData" yaml:"formData"`
	ProposalContent string        `json:"proposalContent" yaml:"proposalContent"`
}

// GrantGenie is the local state of a grant writing session.
type GrantGenie struct {
	api    SessionAPI
	logger *zap.Logger

	SessionID       *int64
	SessionName     string
	FormData        GrantFormData
	ProposalContent string
	IsGenerating    bool
	IsSaving        bool
}

func NewGrantGenie(api SessionAPI, logger *zap.Logger) *GrantGenie {
	return &GrantGenie{api: api, logger: logger.Named("grant-genie")}
}

func (g *GrantGenie) SetSessionID(id *int64) { g.SessionID = copyID(id) }
func (g *GrantGenie) SetSessionName(name string) { g.SessionName = name }
func (g *GrantGenie) SetFormData(data GrantFormData) { g.FormData = data }
func (g *GrantGenie) SetProposalContent(content string) { g.ProposalContent = content }
func (g *GrantGenie) SetIsGenerating(generating bool) { g.IsGenerating = generating }
func (g *GrantGenie) SetIsSaving(saving bool) { g.IsSaving = saving }
func (g *GrantGenie) SetFormField(name, value string) error { return g.FormData.SetField(name, value) }

// Save creates the session on first call and updates it afterwards. A saved
// proposal logs an execution. It returns the session id, or nil when the
// save failed; failures are logged, never returned.
func (g *GrantGenie) Save(ctx context.Context) *int64 {
	g.IsSaving = true
	defer func() { g.IsSaving = false }()

	name := g.SessionName
	if name == "" {
		name = g.FormData.ProjectName
	}
	if name == "" {
		name = untitledSession
	}
	status := models.GenieSessionStatusDraft
	if g.ProposalContent != "" {
		status = models.GenieSessionStatusCompleted
	}

	inputData, err := json.Marshal(g.FormData)
	if err != nil {
		g.logger.Error("Failed to encode grant form", zap.Error(err))
		return nil
	}
	config := json.RawMessage(`{}`)

	var session *models.GenieSession
	if g.SessionID == nil {
		session, err = g.api.Create(ctx, &models.CreateGenieSession{
			Name:      name,
			GenieType: models.GenieTypeGrantWriting,
			Config:    config,
			InputData: inputData,
		})
	} else {
		patch := &models.UpdateGenieSession{
			Name:      &name,
			Status:    &status,
			Config:    config,
			InputData: inputData,
		}
		if g.ProposalContent != "" {
			content := g.ProposalContent
			patch.OutputContent = &content
		}
		session, err = g.api.Update(ctx, *g.SessionID, patch, g.ProposalContent != "")
	}
	if err != nil {
		g.logger.Error("Failed to save grant genie session", zap.Error(err))
		return nil
	}

	g.SessionID = resolvedID(session, g.SessionID)
	return copyID(g.SessionID)
}

// Load replaces the local state with the stored session. On error the local
// state is left untouched.
func (g *GrantGenie) Load(ctx context.Context, id int64) error {
	session, err := g.api.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load grant genie session %d: %w", id, err)
	}

	var form GrantFormData
	if hasJSON(session.InputData) {
		if err := json.Unmarshal(session.InputData, &form); err != nil {
			return fmt.Errorf("load grant genie session %d: decode input data: %w", id, err)
		}
	}

	sessionID := session.ID
	g.SessionID = &sessionID
	g.SessionName = session.Name
	g.FormData = form
	g.ProposalContent = ""
	if session.OutputContent != nil {
		g.ProposalContent = *session.OutputContent
	}
	return nil
}

// Reset detaches from the current session and clears all fields.
func (g *GrantGenie) Reset() {
	*g = GrantGenie{api: g.api, logger: g.logger}
}

// Draft returns the persistable part of the state.
func (g *GrantGenie) Draft() GrantDraft {
	return GrantDraft{
		SessionID:       copyID(g.SessionID),
		SessionName:     g.SessionName,
		FormData:        g.FormData,
		ProposalContent: g.ProposalContent,
	}
}

// RestoreDraft replaces the persistable part of the state.
func (g *GrantGenie) RestoreDraft(d GrantDraft) {
	g.SessionID = copyID(d.SessionID)
	g.SessionName = d.SessionName
	g.FormData = d.FormData
	g.ProposalContent = d.ProposalContent
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// resolvedID prefers the id the server returned, falling back to the known one.
func resolvedID(session *models.GenieSession, current *int64) *int64 {
	if session != nil && session.ID != 0 {
		id := session.ID
		return &id
	}
	return copyID(current)
}

func hasJSON(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
