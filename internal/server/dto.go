package server

import (
	"encoding/json"
	"time"

	"orderline/internal/domain"
	"orderline/internal/engine/auth"
	"orderline/internal/repo"
)

// Request payloads

// ItemAttributes is the wire form of domain.Attributes. Totals travel as
// decimal strings so no precision is lost in transit.
type ItemAttributes struct {
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Priority    string     `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	Total       *string    `json:"total,omitempty" example:"120.50"`
	Currency    string     `json:"currency,omitempty" example:"EUR"`
	AssigneeID  string     `json:"assignee_id,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty" format:"date-time"`
}

type CreateItemRequest struct {
	Reference  string         `json:"reference,omitempty"`
	Attributes ItemAttributes `json:"attributes"`
}

type TransitionRequest struct {
	Status string `json:"status" example:"InProgress"`
	Notes  string `json:"notes,omitempty"`
}

type CommentRequest struct {
	Body string `json:"body"`
}

type BranchRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type RoleAssignmentRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type BranchAssignmentRequest struct {
	ActorID  string `json:"actor_id"`
	BranchID string `json:"branch_id"`
}

type PermissionRequest struct {
	RoleID     string `json:"role_id"`
	Permission string `json:"permission"`
}

type APIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type WorkItemResponse struct {
	ID            string         `json:"id"`
	BranchID      string         `json:"branch_id"`
	Reference     string         `json:"reference,omitempty"`
	Status        string         `json:"status"`
	Attributes    ItemAttributes `json:"attributes"`
	SchemaVersion int            `json:"schema_version"`
	CreatedAt     time.Time      `json:"created_at" format:"date-time"`
	CreatedBy     string         `json:"created_by"`
	UpdatedAt     time.Time      `json:"updated_at" format:"date-time"`
	UpdatedBy     string         `json:"updated_by"`
	DeletedAt     *time.Time     `json:"deleted_at,omitempty" format:"date-time"`
}

type paginatedItems struct {
	Items      []WorkItemResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type HistoryResponse struct {
	Items []domain.HistoryRecord `json:"items"`
}

type CommentsResponse struct {
	Items []domain.Comment `json:"items"`
}

type StatsResponse struct {
	Counts []domain.StatusCount `json:"counts"`
}

type BranchesResponse struct {
	Items []domain.Branch `json:"items"`
}

type RolesResponse struct {
	Items []domain.Role `json:"items"`
}

type MeResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source"`
	Wildcard    bool     `json:"wildcard"`
	Permissions []string `json:"permissions"`
	Branches    []string `json:"branches"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key" doc:"Shown once; only its hash is stored."`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// toDomain converts the wire attributes, parsing the total as a decimal.
func (a ItemAttributes) toDomain() (domain.Attributes, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return domain.Attributes{}, err
	}
	return domain.DecodeAttributes(raw)
}

func attributesResponse(a domain.Attributes) ItemAttributes {
	out := ItemAttributes{
		Title:       a.Title,
		Description: a.Description,
		Priority:    a.Priority,
		Currency:    a.Currency,
		AssigneeID:  a.AssigneeID,
		DueAt:       a.DueAt,
	}
	if a.Total != nil {
		out.Total = strPtr(a.Total.String())
	}
	return out
}

func itemResponse(w domain.WorkItem) WorkItemResponse {
	return WorkItemResponse{
		ID:            w.ID,
		BranchID:      w.BranchID,
		Reference:     w.Reference,
		Status:        string(w.Status),
		Attributes:    attributesResponse(w.Attributes),
		SchemaVersion: w.SchemaVersion,
		CreatedAt:     w.CreatedAt,
		CreatedBy:     w.CreatedBy,
		UpdatedAt:     w.UpdatedAt,
		UpdatedBy:     w.UpdatedBy,
		DeletedAt:     w.DeletedAt,
	}
}

func mapItems(items []domain.WorkItem) []WorkItemResponse {
	out := make([]WorkItemResponse, 0, len(items))
	for _, w := range items {
		out = append(out, itemResponse(w))
	}
	return out
}

func meResponse(p Principal, s *auth.Scope) MeResponse {
	return MeResponse{
		ActorID:     p.ActorID,
		Source:      p.Source,
		Wildcard:    s.Wildcard(),
		Permissions: nonNilSlice(s.PermissionList()),
		Branches:    nonNilSlice(s.BranchList()),
	}
}

func apiKeyResponse(secret string, k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		Key:       secret,
		CreatedAt: k.CreatedAt,
	}
}

func itemCursor(w domain.WorkItem) string {
	return composeCursor(repo.FormatTime(w.CreatedAt), w.ID)
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(in string) *string {
	return &in
}
