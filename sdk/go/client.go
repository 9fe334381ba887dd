// Package greenlight is a small HTTP client for the Greenlight API.
package greenlight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a Greenlight server. Authenticate with either a JWT
// bearer token or an API key.
type Client struct {
	BaseURL    string
	Token      string
	APIKey     string
	HTTPClient *http.Client
}

// New returns a client for the given base URL, e.g.
// "http://localhost:8484/v0".
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// APIError is the server's error envelope.
type APIError struct {
	Status  int
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

type errorEnvelope struct {
	Error APIError `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	} else if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var env errorEnvelope
		if jerr := json.Unmarshal(data, &env); jerr == nil && env.Error.Code != "" {
			env.Error.Status = res.StatusCode
			return &env.Error
		}
		return &APIError{Status: res.StatusCode, Code: "http_error", Message: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// Level is one approval stage of a definition.
type Level struct {
	Level         int     `json:"level"`
	ApproverKind  string  `json:"approver_kind"`
	ApproverRef   *string `json:"approver_ref,omitempty"`
	ConditionJSON *string `json:"condition_json,omitempty"`
	Mandatory     bool    `json:"mandatory"`
	Skippable     bool    `json:"skippable"`
}

type Escalation struct {
	Enabled    bool `json:"enabled"`
	SLAMinutes int  `json:"sla_minutes,omitempty"`
}

type Definition struct {
	ID           string     `json:"id"`
	OrgID        string     `json:"org_id"`
	ModuleType   string     `json:"module_type"`
	Name         string     `json:"name"`
	Sequential   bool       `json:"sequential"`
	AutoComplete bool       `json:"auto_complete"`
	Escalation   Escalation `json:"escalation"`
	Active       bool       `json:"active"`
	Levels       []Level    `json:"levels"`
	CreatedAt    string     `json:"created_at"`
}

type Instance struct {
	ID           string         `json:"id"`
	DefinitionID string         `json:"definition_id"`
	OrgID        string         `json:"org_id"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	InitiatorID  string         `json:"initiator_id"`
	Status       string         `json:"status"`
	CurrentLevel int            `json:"current_level"`
	TotalLevels  int            `json:"total_levels"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
	CompletedAt  *string        `json:"completed_at,omitempty"`
}

type Step struct {
	ID            string  `json:"id"`
	InstanceID    string  `json:"instance_id"`
	Level         int     `json:"level"`
	Seq           int     `json:"seq"`
	ApproverID    string  `json:"approver_id"`
	Status        string  `json:"status"`
	Escalated     bool    `json:"escalated"`
	DelegatedFrom *string `json:"delegated_from,omitempty"`
	DueAt         *string `json:"due_at,omitempty"`
	Comment       string  `json:"comment,omitempty"`
	DecidedAt     *string `json:"decided_at,omitempty"`
}

type InstanceWithSteps struct {
	Instance Instance `json:"instance"`
	Steps    []Step   `json:"steps,omitempty"`
}

type HistoryEntry struct {
	ID         int64   `json:"id"`
	InstanceID string  `json:"instance_id"`
	Action     string  `json:"action"`
	ActorID    string  `json:"actor_id"`
	FromStatus string  `json:"from_status,omitempty"`
	ToStatus   string  `json:"to_status,omitempty"`
	Level      int     `json:"level,omitempty"`
	StepID     *string `json:"step_id,omitempty"`
	Comment    string  `json:"comment,omitempty"`
	TS         string  `json:"ts"`
}

type StartWorkflowRequest struct {
	DefinitionID string         `json:"definition_id,omitempty"`
	OrgID        string         `json:"org_id,omitempty"`
	ModuleType   string         `json:"module_type,omitempty"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (c *Client) StartWorkflow(ctx context.Context, req StartWorkflowRequest) (InstanceWithSteps, error) {
	var out InstanceWithSteps
	err := c.do(ctx, http.MethodPost, "/workflows", req, &out)
	return out, err
}

func (c *Client) GetWorkflow(ctx context.Context, id string) (InstanceWithSteps, error) {
	var out InstanceWithSteps
	err := c.do(ctx, http.MethodGet, "/workflows/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) WorkflowHistory(ctx context.Context, id string) ([]HistoryEntry, error) {
	var out []HistoryEntry
	err := c.do(ctx, http.MethodGet, "/workflows/"+url.PathEscape(id)+"/history", nil, &out)
	return out, err
}

func (c *Client) CancelWorkflow(ctx context.Context, id, reason string) (InstanceWithSteps, error) {
	var out InstanceWithSteps
	err := c.do(ctx, http.MethodPost, "/workflows/"+url.PathEscape(id)+"/cancel",
		map[string]string{"reason": reason}, &out)
	return out, err
}

func (c *Client) ResumeWorkflow(ctx context.Context, id string) (InstanceWithSteps, error) {
	var out InstanceWithSteps
	err := c.do(ctx, http.MethodPost, "/workflows/"+url.PathEscape(id)+"/resume", nil, &out)
	return out, err
}

type StepAction struct {
	Comment    string `json:"comment,omitempty"`
	DelegateTo string `json:"delegate_to,omitempty"`
}

func (c *Client) stepAction(ctx context.Context, stepID, action string, req StepAction) (InstanceWithSteps, error) {
	var out InstanceWithSteps
	err := c.do(ctx, http.MethodPost, "/steps/"+url.PathEscape(stepID)+"/"+action, req, &out)
	return out, err
}

func (c *Client) ApproveStep(ctx context.Context, stepID, comment string) (InstanceWithSteps, error) {
	return c.stepAction(ctx, stepID, "approve", StepAction{Comment: comment})
}

func (c *Client) RejectStep(ctx context.Context, stepID, comment string) (InstanceWithSteps, error) {
	return c.stepAction(ctx, stepID, "reject", StepAction{Comment: comment})
}

func (c *Client) DelegateStep(ctx context.Context, stepID, delegateTo, comment string) (InstanceWithSteps, error) {
	return c.stepAction(ctx, stepID, "delegate", StepAction{Comment: comment, DelegateTo: delegateTo})
}

func (c *Client) SkipStep(ctx context.Context, stepID, comment string) (InstanceWithSteps, error) {
	return c.stepAction(ctx, stepID, "skip", StepAction{Comment: comment})
}

func (c *Client) PendingApprovals(ctx context.Context, approverID string) ([]Step, error) {
	path := "/approvals/pending"
	if approverID != "" {
		path += "?approver_id=" + url.QueryEscape(approverID)
	}
	var out []Step
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) ImportDefinition(ctx context.Context, def Definition) (Definition, error) {
	var out Definition
	err := c.do(ctx, http.MethodPost, "/definitions", def, &out)
	return out, err
}

func (c *Client) ListDefinitions(ctx context.Context, orgID string) ([]Definition, error) {
	var out []Definition
	err := c.do(ctx, http.MethodGet, "/definitions?org_id="+url.QueryEscape(orgID), nil, &out)
	return out, err
}
