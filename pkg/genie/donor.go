package genie

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/models"
)

// DonorConfig describes the practice scenario of a donor meeting session.
type DonorConfig struct {
	DonorProfile          string   `json:"donorProfile" yaml:"donorProfile"`
	DonorType             string   `json:"donorType" yaml:"donorType"`
	WarmthLevel           string   `json:"warmthLevel,omitempty" yaml:"warmthLevel,omitempty"`
	WarmthFactor          string   `json:"warmthFactor" yaml:"warmthFactor"`
	PracticeMode          string   `json:"practiceMode,omitempty" yaml:"practiceMode,omitempty"`
	PracticeFormat        string   `json:"practiceFormat" yaml:"practiceFormat"`
	Objections            string   `json:"objections,omitempty" yaml:"objections,omitempty"`
	AnticipatedObjections []string `json:"anticipatedObjections,omitempty" yaml:"anticipatedObjections,omitempty"`
	UseKnowledgeBase      *bool    `json:"useKnowledgeBase,omitempty" yaml:"useKnowledgeBase,omitempty"`
}

// DefaultDonorConfig is the scenario a fresh donor session starts with.
func DefaultDonorConfig() DonorConfig {
	return DonorConfig{
		DonorType:      "Individual",
		WarmthFactor:   "Warm",
		PracticeFormat: "First Meeting",
	}
}

// SetField sets one scenario field by its JSON name. anticipatedObjections
// takes a comma-separated list.
func (c *DonorConfig) SetField(name, value string) error {
	switch name {
	case "donorProfile":
		c.DonorProfile = value
	case "donorType":
		c.DonorType = value
	case "warmthLevel":
		c.WarmthLevel = value
	case "warmthFactor":
		c.WarmthFactor = value
	case "practiceMode":
		c.PracticeMode = value
	case "practiceFormat":
		c.PracticeFormat = value
	case "objections":
		c.Objections = value
	case "anticipatedObjections":
		c.AnticipatedObjections = nil
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				c.AnticipatedObjections = append(c.AnticipatedObjections, part)
			}
		}
	case "useKnowledgeBase":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("useKnowledgeBase must be true or false")
		}
		c.UseKnowledgeBase = &b
	default:
		return fmt.Errorf("unknown donor config field %q", name)
	}
	return nil
}

// Message roles of a practice conversation.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn. Timestamp is set when the session is saved.
type Message struct {
	Role      string     `json:"role" yaml:"role"`
	Content   string     `json:"content" yaml:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
}

type donorOutput struct {
	CoachingTips []string `json:"coachingTips"`
	Score        *float64 `json:"score"`
}

// DonorDraft is the part of DonorGenie that survives a restart.
type DonorDraft struct {
	SessionID           *int64      `json:"sessionId" yaml:"sessionId"`
	SessionName         string      `json:"sessionName" yaml:"sessionName"`
	SessionConfig       DonorConfig `json:"sessionConfig" yaml:"sessionConfig"`
	ConversationHistory []Message   `json:"conversationHistory" yaml:"conversationHistory"`
	CoachingTips        []string    `json:"coachingTips" yaml:"coachingTips"`
	Score               *float64    `json:"score" yaml:"score"`
}

// DonorGenie is the local state of a donor meeting practice session.
type DonorGenie struct {
	api    SessionAPI
	logger *zap.Logger
	now    func() time.Time

	SessionID           *int64
	SessionName         string
	SessionConfig       DonorConfig
	ConversationHistory []Message
	CoachingTips        []string
	Score               *float64
	IsActive            bool
	IsSaving            bool
}

func NewDonorGenie(api SessionAPI, logger *zap.Logger) *DonorGenie {
	return &DonorGenie{
		api:           api,
		logger:        logger.Named("donor-genie"),
		now:           time.Now,
		SessionConfig: DefaultDonorConfig(),
	}
}

func (d *DonorGenie) SetSessionID(id *int64) { d.SessionID = copyID(id) }
func (d *DonorGenie) SetSessionName(name string) { d.SessionName = name }
func (d *DonorGenie) SetSessionConfig(cfg DonorConfig) { d.SessionConfig = cfg }
func (d *DonorGenie) SetScore(score float64) { d.Score = &score }
func (d *DonorGenie) SetIsActive(active bool) { d.IsActive = active }
func (d *DonorGenie) SetIsSaving(saving bool) { d.IsSaving = saving }

// AddMessage appends a conversation turn.
func (d *DonorGenie) AddMessage(role, content string) error {
	if role != RoleUser && role != RoleAssistant {
		return fmt.Errorf("unknown message role %q", role)
	}
	d.ConversationHistory = append(d.ConversationHistory, Message{Role: role, Content: content})
	return nil
}

func (d *DonorGenie) AddCoachingTip(tip string) {
	d.CoachingTips = append(d.CoachingTips, tip)
}

// status is in_progress while a conversation is open, completed once scored
// and draft otherwise.
func (d *DonorGenie) status() models.GenieSessionStatus {
	switch {
	case d.IsActive:
		return models.GenieSessionStatusInProgress
	case d.Score != nil:
		return models.GenieSessionStatusCompleted
	default:
		return models.GenieSessionStatusDraft
	}
}

// Save creates the session on first call and updates it afterwards. A scored
// session logs an execution. Every conversation turn is stamped with the
// save time. It returns the session id, or nil when the save failed.
func (d *DonorGenie) Save(ctx context.Context) *int64 {
	d.IsSaving = true
	defer func() { d.IsSaving = false }()

	name := d.SessionName
	if name == "" {
		name = "Donor Practice - " + d.SessionConfig.DonorType
	}

	stamp := d.now().UTC()
	history := make([]Message, len(d.ConversationHistory))
	for i, m := range d.ConversationHistory {
		history[i] = Message{Role: m.Role, Content: m.Content, Timestamp: &stamp}
	}

	config, err := json.Marshal(d.SessionConfig)
	if err != nil {
		d.logger.Error("Failed to encode donor session config", zap.Error(err))
		return nil
	}
	inputData, _ := json.Marshal(map[string]string{"donorProfile": d.SessionConfig.DonorProfile})
	conversation, _ := json.Marshal(history)
	tips := d.CoachingTips
	if tips == nil {
		tips = []string{}
	}
	output, _ := json.Marshal(donorOutput{CoachingTips: tips, Score: d.Score})

	var session *models.GenieSession
	if d.SessionID == nil {
		session, err = d.api.Create(ctx, &models.CreateGenieSession{
			Name:                name,
			GenieType:           models.GenieTypeDonorMeeting,
			Config:              config,
			InputData:           inputData,
			ConversationHistory: conversation,
		})
	} else {
		status := d.status()
		session, err = d.api.Update(ctx, *d.SessionID, &models.UpdateGenieSession{
			Name:                &name,
			Status:              &status,
			Config:              config,
			InputData:           inputData,
			ConversationHistory: conversation,
			OutputMetadata:      output,
		}, d.Score != nil)
	}
	if err != nil {
		d.logger.Error("Failed to save donor genie session", zap.Error(err))
		return nil
	}

	d.SessionID = resolvedID(session, d.SessionID)
	return copyID(d.SessionID)
}

// Load replaces the local state with the stored session. On error the local
// state is left untouched.
func (d *DonorGenie) Load(ctx context.Context, id int64) error {
	session, err := d.api.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load donor genie session %d: %w", id, err)
	}

	cfg := DefaultDonorConfig()
	if hasJSON(session.Config) {
		cfg = DonorConfig{}
		if err := json.Unmarshal(session.Config, &cfg); err != nil {
			return fmt.Errorf("load donor genie session %d: decode config: %w", id, err)
		}
	}
	history := []Message{}
	if hasJSON(session.ConversationHistory) {
		if err := json.Unmarshal(session.ConversationHistory, &history); err != nil {
			return fmt.Errorf("load donor genie session %d: decode conversation: %w", id, err)
		}
	}
	var output donorOutput
	if hasJSON(session.OutputMetadata) {
		if err := json.Unmarshal(session.OutputMetadata, &output); err != nil {
			return fmt.Errorf("load donor genie session %d: decode output metadata: %w", id, err)
		}
	}
	if output.CoachingTips == nil {
		output.CoachingTips = []string{}
	}

	sessionID := session.ID
	d.SessionID = &sessionID
	d.SessionName = session.Name
	d.SessionConfig = cfg
	d.ConversationHistory = history
	d.CoachingTips = output.CoachingTips
	d.Score = output.Score
	d.IsActive = session.Status == models.GenieSessionStatusInProgress
	return nil
}

// Reset detaches from the current session and restores the default scenario.
func (d *DonorGenie) Reset() {
	*d = DonorGenie{api: d.api, logger: d.logger, now: d.now, SessionConfig: DefaultDonorConfig()}
}

// Draft returns the persistable part of the state.
func (d *DonorGenie) Draft() DonorDraft {
	return DonorDraft{
		SessionID:           copyID(d.SessionID),
		SessionName:         d.SessionName,
		SessionConfig:       d.SessionConfig,
		ConversationHistory: append([]Message(nil), d.ConversationHistory...),
		CoachingTips:        append([]string(nil), d.CoachingTips...),
		Score:               d.Score,
	}
}

// RestoreDraft replaces the persistable part of the state.
func (d *DonorGenie) RestoreDraft(draft DonorDraft) {
	d.SessionID = copyID(draft.SessionID)
	d.SessionName = draft.SessionName
	d.SessionConfig = draft.SessionConfig
	d.ConversationHistory = draft.ConversationHistory
	d.CoachingTips = draft.CoachingTips
	d.Score = draft.Score
}
