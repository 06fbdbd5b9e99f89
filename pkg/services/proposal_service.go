package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/apperrors"
	"github.com/grantgenie/genie-engine/pkg/database"
	"github.com/grantgenie/genie-engine/pkg/llm"
	"github.com/grantgenie/genie-engine/pkg/models"
	"github.com/grantgenie/genie-engine/pkg/prompts"
	"github.com/grantgenie/genie-engine/pkg/repositories"
	"github.com/grantgenie/genie-engine/pkg/retry"
	"github.com/grantgenie/genie-engine/pkg/services/workflow"
)

// WorkflowGrantGeneration is the workflow kind of the proposal pipeline.
const WorkflowGrantGeneration = "grant-generation"

const activityGrantGenerated = "grant_generated"

// ErrEmptyGeneration is returned when the model produced no text.
var ErrEmptyGeneration = errors.New("generation returned empty content")

// GrantGenerationInput is the workflow input of the proposal pipeline.
type GrantGenerationInput struct {
	GrantID           int64  `json:"grantId"`
	UserID            string `json:"userId"`
	ProjectName       string `json:"projectName"`
	FunderName        string `json:"funderName"`
	FundingAmount     string `json:"fundingAmount,omitempty"`
	Deadline          string `json:"deadline,omitempty"`
	RFPText           string `json:"rfpText,omitempty"`
	TeachingMaterials string `json:"teachingMaterials,omitempty"`
}

// GrantGenerationResult is the workflow result. Success is true once the
// proposal is persisted, even when a later side effect failed.
type GrantGenerationResult struct {
	Success          bool     `json:"success"`
	GrantID          int64    `json:"grantId"`
	ContentLength    int      `json:"contentLength"`
	Degraded         bool     `json:"degraded,omitempty"`
	SideEffectErrors []string `json:"sideEffectErrors,omitempty"`
}

type generatedProposal struct {
	Content         string `json:"content"`
	Model           string `json:"model"`
	PromptTruncated bool   `json:"promptTruncated,omitempty"`
	TotalTokens     int    `json:"totalTokens"`
}

// ProposalService generates grant proposals as a durable pipeline:
// generate, persist, log activity, notify.
type ProposalService interface {
	// StartGeneration starts a new pipeline run. Every call starts a fresh run.
	// Returns apperrors.ErrNotFound unless in.UserID owns the grant application.
	StartGeneration(ctx context.Context, in GrantGenerationInput) (*models.WorkflowRun, error)
}

type proposalService struct {
	llmClient    llm.Client
	tokenizer    prompts.TokenCounter
	promptBudget int
	grants       repositories.GrantApplicationRepository
	activity     repositories.ActivityLogRepository
	emitter      NotificationEmitter
	engine       WorkflowEngine
	scopes       database.ScopeProvider
	logger       *zap.Logger
}

// NewProposalService creates the service and registers its workflow on engine.
// promptBudget caps the prompt in tokens; zero disables trimming.
func NewProposalService(
	llmClient llm.Client,
	tokenizer prompts.TokenCounter,
	promptBudget int,
	grants repositories.GrantApplicationRepository,
	activity repositories.ActivityLogRepository,
	emitter NotificationEmitter,
	engine WorkflowEngine,
	scopes database.ScopeProvider,
	logger *zap.Logger,
) ProposalService {
	s := &proposalService{
		llmClient:    llmClient,
		tokenizer:    tokenizer,
		promptBudget: promptBudget,
		grants:       grants,
		activity:     activity,
		emitter:      emitter,
		engine:       engine,
		scopes:       scopes,
		logger:       logger.Named("proposal-service"),
	}
	engine.Register(workflow.Definition{Kind: WorkflowGrantGeneration, Run: s.generate})
	return s
}

var _ ProposalService = (*proposalService)(nil)

func (s *proposalService) StartGeneration(ctx context.Context, in GrantGenerationInput) (*models.WorkflowRun, error) {
	if err := s.checkOwner(ctx, in.GrantID, in.UserID); err != nil {
		return nil, err
	}

	run, _, err := s.engine.Start(ctx, WorkflowGrantGeneration, uuid.NewString(), in)
	if err != nil {
		return nil, fmt.Errorf("start grant generation: %w", err)
	}
	return run, nil
}

// checkOwner loads the grant application in userID's scope and reports
// apperrors.ErrNotFound when it is missing or belongs to someone else.
func (s *proposalService) checkOwner(ctx context.Context, grantID int64, userID string) error {
	if userID == "" {
		return fmt.Errorf("grant application %d: %w", grantID, apperrors.ErrNotFound)
	}

	scopedCtx, cleanup, err := s.scopes.WithUserScope(ctx, userID)
	if err != nil {
		return fmt.Errorf("acquire user scope: %w", err)
	}
	defer cleanup()

	grant, err := s.grants.GetByID(scopedCtx, grantID)
	if err != nil {
		return fmt.Errorf("load grant application: %w", err)
	}
	if grant == nil || grant.UserID != userID {
		return fmt.Errorf("grant application %d: %w", grantID, apperrors.ErrNotFound)
	}
	return nil
}

func (s *proposalService) generate(wctx *workflow.Context, raw json.RawMessage) (any, error) {
	var in GrantGenerationInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, workflow.Permanent(fmt.Errorf("decode grant generation input: %w", err))
	}
	logger := wctx.Logger().With(zap.Int64("grant_id", in.GrantID))

	var proposal generatedProposal
	if err := wctx.Step("generate", func(ctx context.Context) (any, error) {
		return s.callModel(llm.WithRunContext(ctx, wctx.RunID(), WorkflowGrantGeneration), in, logger)
	}, &proposal); err != nil {
		return nil, err
	}

	if err := wctx.StepTx("persist", func(ctx context.Context) (any, error) {
		err := s.grants.SaveProposal(ctx, in.GrantID, in.UserID, proposal.Content)
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, workflow.Permanent(fmt.Errorf("grant application %d: %w", in.GrantID, err))
		}
		return nil, err
	}, nil); err != nil {
		return nil, err
	}

	result := &GrantGenerationResult{
		Success:       true,
		GrantID:       in.GrantID,
		ContentLength: utf16Length(proposal.Content),
	}

	// Activity and notification are best effort: their failure degrades the run
	// instead of failing it.
	var sideEffects []error
	if err := wctx.StepTx("log-activity", func(ctx context.Context) (any, error) {
		details := "Generated proposal for: " + in.ProjectName
		return nil, s.activity.Create(ctx, &models.ActivityLog{
			UserID:     in.UserID,
			Action:     activityGrantGenerated,
			EntityType: models.EntityTypeGrant,
			EntityID:   &in.GrantID,
			Details:    &details,
		})
	}, nil); err != nil {
		sideEffects = append(sideEffects, err)
	}

	if err := wctx.StepTx("notify", func(ctx context.Context) (any, error) {
		return nil, s.emitter.EmitProposalReady(ctx, in.UserID, in.ProjectName)
	}, nil); err != nil {
		sideEffects = append(sideEffects, err)
	}

	if len(sideEffects) > 0 {
		result.Degraded = true
		for _, err := range sideEffects {
			result.SideEffectErrors = append(result.SideEffectErrors, err.Error())
		}
		return nil, workflow.Degraded(result, errors.Join(sideEffects...))
	}
	return result, nil
}

func (s *proposalService) callModel(ctx context.Context, in GrantGenerationInput, logger *zap.Logger) (*generatedProposal, error) {
	prompt, truncated := prompts.FitGrantProposalPrompt(prompts.GrantProposalInput{
		ProjectName:       in.ProjectName,
		FunderName:        in.FunderName,
		FundingAmount:     in.FundingAmount,
		Deadline:          in.Deadline,
		RFPText:           in.RFPText,
		TeachingMaterials: in.TeachingMaterials,
	}, s.tokenizer, s.promptBudget)
	if truncated {
		logger.Warn("Proposal prompt trimmed to fit token budget", zap.Int("budget", s.promptBudget))
	}

	resp, err := s.llmClient.GenerateText(ctx, llm.GenerateRequest{
		Prompt:        prompt,
		SystemMessage: prompts.GrantWritingSystemMessage,
	})
	if err != nil {
		if !retry.IsRetryable(err) {
			return nil, workflow.Permanent(err)
		}
		return nil, err
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return nil, workflow.Permanent(ErrEmptyGeneration)
	}

	if missing := prompts.MissingProposalSections(content); len(missing) > 0 {
		logger.Warn("Generated proposal is missing sections", zap.Strings("sections", missing))
	}

	return &generatedProposal{
		Content:         content,
		Model:           s.llmClient.Model(),
		PromptTruncated: truncated,
		TotalTokens:     resp.TotalTokens,
	}, nil
}

// utf16Length counts UTF-16 code units, the length clients in the browser see.
func utf16Length(s string) int {
	return len(utf16.Encode([]rune(s)))
}
