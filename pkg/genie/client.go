// Package genie keeps the client-side state of genie sessions and reconciles
// it with the session API. The server is the source of truth: Load overwrites
// local state and Save pushes the full local snapshot.
package genie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/apperrors"
	"github.com/grantgenie/genie-engine/pkg/auth"
	"github.com/grantgenie/genie-engine/pkg/models"
)

// DefaultTimeout is the maximum time to wait for a session API response.
const DefaultTimeout = 30 * time.Second

// ListOptions narrows a session listing. Zero values use server defaults.
type ListOptions struct {
	Page      int
	Limit     int
	GenieType models.GenieType
	Status    models.GenieSessionStatus
}

// Page is the pagination metadata of a listing.
type Page struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// SessionAPI is the session CRUD surface the coordinators talk to.
type SessionAPI interface {
	Create(ctx context.Context, req *models.CreateGenieSession) (*models.GenieSession, error)
	Get(ctx context.Context, id int64) (*models.GenieSessionWithExecutions, error)
	List(ctx context.Context, opts ListOptions) ([]*models.GenieSession, *Page, error)
	Update(ctx context.Context, id int64, patch *models.UpdateGenieSession, logExecution bool) (*models.GenieSession, error)
	Delete(ctx context.Context, id int64, permanent bool) error
}

// APIError is a non-2xx response from the session API.
type APIError struct {
	StatusCode int
	Message    string
	Details    json.RawMessage
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("session API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("session API returned status %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, apperrors.ErrNotFound) match a 404.
func (e *APIError) Is(target error) bool {
	return target == apperrors.ErrNotFound && e.StatusCode == http.StatusNotFound
}

// HTTPClient implements SessionAPI over HTTP.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ SessionAPI = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the API at baseURL. token is sent in
// the session cookie the server reads first.
func NewHTTPClient(baseURL, token string, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: logger.Named("genie-client"),
	}
}

func (c *HTTPClient) Create(ctx context.Context, req *models.CreateGenieSession) (*models.GenieSession, error) {
	var session models.GenieSession
	if err := c.do(ctx, http.MethodPost, nil, req, &session, "api", "genie-sessions"); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *HTTPClient) Get(ctx context.Context, id int64) (*models.GenieSessionWithExecutions, error) {
	var session models.GenieSessionWithExecutions
	if err := c.do(ctx, http.MethodGet, nil, nil, &session, "api", "genie-sessions", strconv.FormatInt(id, 10)); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *HTTPClient) List(ctx context.Context, opts ListOptions) ([]*models.GenieSession, *Page, error) {
	query := url.Values{}
	if opts.Page > 0 {
		query.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.GenieType != "" {
		query.Set("genieType", string(opts.GenieType))
	}
	if opts.Status != "" {
		query.Set("status", string(opts.Status))
	}

	var sessions []*models.GenieSession
	env, err := c.doEnvelope(ctx, http.MethodGet, query, nil, &sessions, "api", "genie-sessions")
	if err != nil {
		return nil, nil, err
	}
	return sessions, env.Meta, nil
}

// Update sends patch with a top-level logExecution flag.
func (c *HTTPClient) Update(ctx context.Context, id int64, patch *models.UpdateGenieSession, logExecution bool) (*models.GenieSession, error) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	body := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	body["logExecution"] = json.RawMessage(strconv.FormatBool(logExecution))

	var session models.GenieSession
	if err := c.do(ctx, http.MethodPatch, nil, body, &session, "api", "genie-sessions", strconv.FormatInt(id, 10)); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *HTTPClient) Delete(ctx context.Context, id int64, permanent bool) error {
	query := url.Values{"permanent": []string{strconv.FormatBool(permanent)}}
	return c.do(ctx, http.MethodDelete, query, nil, nil, "api", "genie-sessions", strconv.FormatInt(id, 10))
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details"`
	Meta    *Page           `json:"meta"`
}

func (c *HTTPClient) do(ctx context.Context, method string, query url.Values, in, out any, segments ...string) error {
	_, err := c.doEnvelope(ctx, method, query, in, out, segments...)
	return err
}

// doEnvelope executes a request and decodes the data field of the response
// envelope into out.
func (c *HTTPClient) doEnvelope(ctx context.Context, method string, query url.Values, in, out any, segments ...string) (*envelope, error) {
	endpoint, err := buildURL(c.baseURL, query, segments...)
	if err != nil {
		return nil, fmt.Errorf("failed to build URL: %w", err)
	}

	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: c.token})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call session API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("Session API returned error",
			zap.String("method", method),
			zap.String("url", endpoint),
			zap.Int("status", resp.StatusCode),
			zap.String("error", env.Error))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: env.Error, Details: env.Details}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to parse response: %w", decodeErr)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, fmt.Errorf("failed to parse response data: %w", err)
		}
	}
	return &env, nil
}

func buildURL(baseURL string, query url.Values, pathSegments ...string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("base URL must be absolute")
	}

	segments := append([]string{u.Path}, pathSegments...)
	u.Path = path.Join(segments...)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}
