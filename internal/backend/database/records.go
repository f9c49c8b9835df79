package database

import (
	"database/sql"
	"time"
)

// ImageRecord is one categorized image. Category and Subcategory hold the
// user-assigned (ground truth) labels and may be corrected after ingestion;
// AICategory and AISubcategory hold the model prediction and never change.
type ImageRecord struct {
	ID            int64
	Filename      string
	ImageData     string // normalized JPEG payload, base64 encoded
	Category      string
	Subcategory   string
	AICategory    string
	AISubcategory string
	Confidence    float64
	TokenCost     int
	ImageSize     sql.NullInt64  // nullable for records predating size tracking
	ImageHash     sql.NullString // nullable for records predating dedup
	UserID        sql.NullInt64
	CreatedAt     time.Time
	LastAccessed  time.Time
}

// DailyUsage is the per calendar day rollup of ingestion cost.
type DailyUsage struct {
	Date        string // YYYY-MM-DD
	TotalTokens int64
	TotalImages int64
	TotalSize   int64
}

type User struct {
	ID       int64
	Username string
	Password string // bcrypt hash
	Role     string
}

// CategoryCount is one row of the per-category distribution.
type CategoryCount struct {
	Category string
	Count    int64
}

// DailyAccuracy is the per-day fraction of records whose user labels match
// the prediction.
type DailyAccuracy struct {
	Date    string
	Total   int64
	Matches int64
}

// LabelPairCount counts records per (actual, predicted) main category pair.
type LabelPairCount struct {
	Actual    string
	Predicted string
	Count     int64
}
