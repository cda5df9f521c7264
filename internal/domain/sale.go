// Package domain defines the core interfaces and types for Pricewise.
package domain

import (
	"strings"
	"time"
)

// Shard counts for the secondary indexes of the sales store.
const (
	// WriteShardCount spreads the write-heavy category index.
	WriteShardCount = 10

	// ReadShardCount spreads the read-heavy product index.
	ReadShardCount = 5
)

// RetentionYears is how long a sale record lives after its sale date.
const RetentionYears = 2

// SaleRecord is one historical sale of a second-hand item.
type SaleRecord struct {
	TenantID      string    `json:"tenantId"`
	ProductID     string    `json:"productId"`
	SaleID        string    `json:"saleId"`
	SaleDate      time.Time `json:"saleDate"`
	SalePrice     float64   `json:"salePrice"`
	OriginalPrice float64   `json:"originalPrice"`
	Category      string    `json:"category"`
	Brand         string    `json:"brand,omitempty"`
	Condition     string    `json:"condition,omitempty"`
	ImageKey      string    `json:"imageKey,omitempty"`
	EmbeddingRef  string    `json:"embeddingRef"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// ExpiryFor returns the absolute deletion instant for a sale made at saleDate.
func ExpiryFor(saleDate time.Time) time.Time {
	return saleDate.UTC().AddDate(RetentionYears, 0, 0)
}

// NormalizeCategory lower-cases and trims a category label.
func NormalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}

// Validate checks the fields every write path depends on.
func (r *SaleRecord) Validate() error {
	if r == nil {
		return NewValidationError("record", "is required")
	}
	if err := ValidateTenantID(r.TenantID); err != nil {
		return err
	}
	switch {
	case r.ProductID == "":
		return NewValidationError("productId", "is required")
	case r.SaleID == "":
		return NewValidationError("saleId", "is required")
	case r.SaleDate.IsZero():
		return NewValidationError("saleDate", "is required")
	case NormalizeCategory(r.Category) == "":
		return NewValidationError("category", "is required")
	case r.EmbeddingRef == "":
		return NewValidationError("embeddingRef", "is required")
	case r.SalePrice <= 0:
		return NewValidationError("salePrice", "must be positive")
	case r.OriginalPrice < 0:
		return NewValidationError("originalPrice", "must not be negative")
	}
	if strings.ContainsRune(r.ProductID, KeySeparator) || strings.ContainsRune(r.SaleID, KeySeparator) {
		return NewValidationError("productId/saleId", "must not contain '#'")
	}
	return nil
}

// Well-known categories seen in the sales history.
const (
	CategoryCoats       = "coats"
	CategoryHandbags    = "handbags"
	CategoryShoes       = "shoes"
	CategoryDresses     = "dresses"
	CategoryJackets     = "jackets"
	CategoryAccessories = "accessories"
	CategoryPants       = "pants"
	CategorySweaters    = "sweaters"
)

// Condition labels assigned by the upstream condition assessment.
const (
	ConditionNewWithTags    = "new_with_tags"
	ConditionNewWithoutTags = "new_without_tags"
	ConditionLikeNew        = "like_new"
	ConditionVeryGood       = "very_good"
	ConditionGood           = "good"
	ConditionFair           = "fair"
)

// SaleEvent is the ingestion payload delivered at-least-once by the event source.
type SaleEvent struct {
	EventID   string      `json:"eventId"`
	EventType string      `json:"eventType"`
	TenantID  string      `json:"tenantId"`
	Sale      *SaleRecord `json:"sale"`
}

// EventTypeSaleRecorded is the event type of a completed sale.
const EventTypeSaleRecorded = "sale.recorded"

// BatchItemResult reports the outcome of one record in a batch write.
type BatchItemResult struct {
	SaleID string `json:"saleId"`
	Err    error  `json:"-"`
	Error  string `json:"error,omitempty"`
}

// OK reports whether the item was written.
func (r BatchItemResult) OK() bool {
	return r.Err == nil
}
