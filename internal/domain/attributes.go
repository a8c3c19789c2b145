package domain

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AttributesSchemaVersion is bumped whenever a field is added to or removed from Attributes.
const AttributesSchemaVersion = 1

// Priority values accepted on a work item.
var priorities = map[string]bool{"low": true, "normal": true, "high": true, "urgent": true}

// Attributes are the business fields of a work item. Each JSON key is one history field.
type Attributes struct {
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Priority    string           `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	Total       *decimal.Decimal `json:"total,omitempty"`
	Currency    string           `json:"currency,omitempty"`
	AssigneeID  string           `json:"assignee_id,omitempty"`
	DueAt       *time.Time       `json:"due_at,omitempty" format:"date-time"`
}

// Validate checks business-level invariants of the attribute set.
func (a Attributes) Validate() error {
	if strings.TrimSpace(a.Title) == "" {
		return Invalid("title", "required")
	}
	if a.Priority != "" && !priorities[a.Priority] {
		return Invalid("priority", "must be one of low, normal, high, urgent")
	}
	if a.Total != nil {
		if a.Total.IsNegative() {
			return Invalid("total", "must not be negative")
		}
		if a.Currency == "" {
			return Invalid("currency", "required when total is set")
		}
	}
	if a.Currency != "" && (len(a.Currency) != 3 || strings.ToUpper(a.Currency) != a.Currency) {
		return Invalid("currency", "must be a 3-letter ISO code")
	}
	return nil
}

// DecodeAttributes parses a JSON attribute document, rejecting unknown fields.
func DecodeAttributes(data []byte) (Attributes, error) {
	var a Attributes
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return Attributes{}, Invalid("attributes", err.Error())
	}
	return a, nil
}
