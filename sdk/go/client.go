package orderlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Orderline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credential is set. Servers only
	// honor it in development mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Attributes mirrors the item attribute document. Total is a decimal string.
type Attributes struct {
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	Total       *string    `json:"total,omitempty"`
	Currency    string     `json:"currency,omitempty"`
	AssigneeID  string     `json:"assignee_id,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
}

// WorkItem represents the API work item model.
type WorkItem struct {
	ID            string     `json:"id"`
	BranchID      string     `json:"branch_id"`
	Reference     string     `json:"reference,omitempty"`
	Status        string     `json:"status"`
	Attributes    Attributes `json:"attributes"`
	SchemaVersion int        `json:"schema_version"`
	CreatedAt     time.Time  `json:"created_at"`
	CreatedBy     string     `json:"created_by"`
	UpdatedAt     time.Time  `json:"updated_at"`
	UpdatedBy     string     `json:"updated_by"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// HistoryRecord is one field change in an item's audit trail.
type HistoryRecord struct {
	ID         int64     `json:"id"`
	WorkItemID string    `json:"work_item_id"`
	MutationID string    `json:"mutation_id"`
	Field      string    `json:"field"`
	OldValue   *string   `json:"old_value"`
	NewValue   *string   `json:"new_value"`
	Notes      string    `json:"notes,omitempty"`
	ActorID    string    `json:"actor_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type Comment struct {
	ID         string    `json:"id"`
	WorkItemID string    `json:"work_item_id"`
	AuthorID   string    `json:"author_id"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

type StatusCount struct {
	BranchID string `json:"branch_id"`
	Status   string `json:"status"`
	Count    int    `json:"count"`
}

// Me is the caller's resolved scope.
type Me struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source"`
	Wildcard    bool     `json:"wildcard"`
	Permissions []string `json:"permissions"`
	Branches    []string `json:"branches"`
}

// PaginatedItems wraps list responses with cursors.
type PaginatedItems struct {
	Items      []WorkItem `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// ListParams filters ListItems. Zero values are omitted.
type ListParams struct {
	BranchID       string
	Status         string
	AssigneeID     string
	IncludeDeleted bool
	Limit          int
	Cursor         string
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given envelope code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// CreateItem creates a work item in a branch.
func (c *Client) CreateItem(ctx context.Context, branchID, reference string, attrs Attributes) (WorkItem, error) {
	body := map[string]any{
		"reference":  reference,
		"attributes": attrs,
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("branches/%s/items", url.PathEscape(branchID)), body, &resp)
	return resp, err
}

// GetItem fetches a work item by id.
func (c *Client) GetItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, itemPath(id), nil, &resp)
	return resp, err
}

// ListItems returns one page of items visible to the caller.
func (c *Client) ListItems(ctx context.Context, p ListParams) (PaginatedItems, error) {
	q := url.Values{}
	if p.BranchID != "" {
		q.Set("branch_id", p.BranchID)
	}
	if p.Status != "" {
		q.Set("status", p.Status)
	}
	if p.AssigneeID != "" {
		q.Set("assignee_id", p.AssigneeID)
	}
	if p.IncludeDeleted {
		q.Set("include_deleted", "true")
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Cursor != "" {
		q.Set("cursor", p.Cursor)
	}
	endpoint := "items"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedItems
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateItem applies a JSON merge patch to the item attributes. A nil value
// removes the field.
func (c *Client) UpdateItem(ctx context.Context, id string, patch map[string]any) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPatch, itemPath(id), patch, &resp)
	return resp, err
}

// Transition moves an item to another status.
func (c *Client) Transition(ctx context.Context, id, status, notes string) (WorkItem, error) {
	body := map[string]any{
		"status": status,
		"notes":  notes,
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, itemPath(id)+"/transitions", body, &resp)
	return resp, err
}

// DeleteItem soft-deletes an item.
func (c *Client) DeleteItem(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, itemPath(id), nil, nil)
}

// History returns the audit trail of an item, oldest first.
func (c *Client) History(ctx context.Context, id string) ([]HistoryRecord, error) {
	var resp struct {
		Items []HistoryRecord `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, itemPath(id)+"/history", nil, &resp)
	return resp.Items, err
}

func (c *Client) AddComment(ctx context.Context, id, body string) (Comment, error) {
	var resp Comment
	err := c.do(ctx, http.MethodPost, itemPath(id)+"/comments", map[string]any{"body": body}, &resp)
	return resp, err
}

func (c *Client) Comments(ctx context.Context, id string) ([]Comment, error) {
	var resp struct {
		Items []Comment `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, itemPath(id)+"/comments", nil, &resp)
	return resp.Items, err
}

// Stats returns active item counts per branch and status. An empty branchID
// covers every branch in scope.
func (c *Client) Stats(ctx context.Context, branchID string) ([]StatusCount, error) {
	endpoint := "stats"
	if branchID != "" {
		endpoint += "?branch_id=" + url.QueryEscape(branchID)
	}
	var resp struct {
		Counts []StatusCount `json:"counts"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Counts, err
}

func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}

func itemPath(id string) string {
	return "items/" + url.PathEscape(id)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
