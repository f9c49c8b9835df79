package database

type DatabaseService interface {
	CreateDatabase() error
	DoesDatabaseExist() bool
	Close() error

	// SaveImage inserts the record and upserts the matching usage_by_day row
	// in a single transaction; both writes commit atomically or neither does.
	// Returns the assigned record id.
	SaveImage(record *ImageRecord) (int64, error)

	// UpdateCategorization overwrites only the user-assigned labels. A
	// missing id is a silent no-op.
	UpdateCategorization(id int64, category, subcategory string) error

	GetAllImages() ([]*ImageRecord, error)
	// GetImageByID also updates last_accessed, which feeds the eviction ranking.
	GetImageByID(id int64) (*ImageRecord, error)
	DeleteImage(id int64) error

	// ListContentHashes returns the hashes of all currently stored records,
	// used to seed a session's deduplication index.
	ListContentHashes() ([]string, error)

	// EvictIfOverBudget deletes records older than maxAgeDays and, if the
	// remaining payload bytes still exceed sizeBudgetMB, the least recently
	// accessed half of the remainder. Runs in one transaction and reports the
	// number of deleted records.
	EvictIfOverBudget(maxAgeDays, sizeBudgetMB int) (int, error)

	// Read-side queries consumed by the statistics aggregator.
	CountImages() (int64, error)
	CountMatchingPredictions() (int64, error)
	CategoryCounts() ([]*CategoryCount, error)
	DailyAccuracy() ([]*DailyAccuracy, error)
	LabelPairCounts() ([]*LabelPairCount, error)
	UsageByDay() ([]*DailyUsage, error)

	CreateUser(username, passwordHash, role string) (int64, error)
	GetUserByUsername(username string) (*User, error)
}
