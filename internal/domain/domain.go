package domain

import "time"

// Status is a work item lifecycle state. The set of valid values comes from the lifecycle config.
type Status string

const (
	StatusOpen       Status = "Open"
	StatusInProgress Status = "InProgress"
	StatusCompleted  Status = "Completed"
	StatusClosed     Status = "Closed"
	StatusCancelled  Status = "Cancelled"
)

// Wildcard grants every capability in every branch.
const Wildcard = "*"

// Capabilities checked by the engine.
const (
	PermItemCreate  = "item.create"
	PermItemRead    = "item.read"
	PermItemUpdate  = "item.update"
	PermItemDelete  = "item.delete"
	PermItemComment = "item.comment"
	PermHistoryRead = "history.read"
	PermStatsRead   = "stats.read"
	PermRBACManage  = "rbac.manage"
)

type WorkItem struct {
	ID            string     `json:"id"`
	BranchID      string     `json:"branch_id"`
	Reference     string     `json:"reference,omitempty"`
	Status        Status     `json:"status"`
	Attributes    Attributes `json:"attributes"`
	SchemaVersion int        `json:"schema_version"`
	CreatedAt     time.Time  `json:"created_at" format:"date-time"`
	CreatedBy     string     `json:"created_by"`
	UpdatedAt     time.Time  `json:"updated_at" format:"date-time"`
	UpdatedBy     string     `json:"updated_by"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty" format:"date-time"`
}

// Deleted reports whether the item carries a soft delete marker.
func (w WorkItem) Deleted() bool {
	return w.DeletedAt != nil
}

type HistoryRecord struct {
	ID         int64     `json:"id"`
	WorkItemID string    `json:"work_item_id"`
	MutationID string    `json:"mutation_id"`
	Field      string    `json:"field"`
	OldValue   *string   `json:"old_value"`
	NewValue   *string   `json:"new_value"`
	Notes      string    `json:"notes,omitempty"`
	ActorID    string    `json:"actor_id"`
	CreatedAt  time.Time `json:"created_at" format:"date-time"`
}

type Comment struct {
	ID         string    `json:"id"`
	WorkItemID string    `json:"work_item_id"`
	AuthorID   string    `json:"author_id"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at" format:"date-time"`
}

type Actor struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Branch struct {
	ID        string `json:"id" db:"id"`
	Name      string `json:"name" db:"name"`
	CreatedAt string `json:"created_at" db:"created_at" format:"date-time"`
}

type Role struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// StatusCount is one row of the per-branch status aggregate.
type StatusCount struct {
	BranchID string `json:"branch_id"`
	Status   Status `json:"status"`
	Count    int    `json:"count"`
}

// Notification is handed to the outbound dispatcher after a lifecycle commit.
type Notification struct {
	Type        string `json:"type"`
	RecipientID string `json:"recipient_id"`
	Message     string `json:"message"`
	WorkItemID  string `json:"related_work_item_id"`
}
