// Package stats derives accuracy and usage aggregates from the stored
// records. All computations are read-only and tolerate an empty store by
// returning zero-valued, non-nil results.
package stats

import (
	"sort"

	"github.com/jo-hoe/carsort/internal/backend/database"
)

type Overview struct {
	TotalImages int64   `json:"total_images"`
	Accuracy    float64 `json:"accuracy"` // percent of records whose labels match the prediction
}

type CategoryCount struct {
	Category string `json:"category"`
	Count    int64  `json:"count"`
}

type DailyAccuracy struct {
	Date     string  `json:"date"`
	Total    int64   `json:"total"`
	Accuracy float64 `json:"accuracy"`
}

// ConfusionMatrix spans the union of all observed predicted and actual
// labels, not just the static taxonomy, since evicted history and the
// sentinel can introduce labels outside it.
type ConfusionMatrix struct {
	Labels []string           `json:"labels"`
	Cells  map[string]map[string]int64 `json:"cells"` // [actual][predicted] = count
}

type Misclassification struct {
	Predicted string `json:"predicted"`
	Actual    string `json:"actual"`
	Count     int64  `json:"count"`
}

type DailyTokens struct {
	Date        string `json:"date"`
	TotalTokens int64  `json:"total_tokens"`
	TotalImages int64  `json:"total_images"`
	TotalSize   int64  `json:"total_size"`
}

type TokenUsage struct {
	TotalTokens       int64         `json:"total_tokens"`
	AvgTokensPerImage float64       `json:"avg_tokens_per_image"`
	PerDay            []DailyTokens `json:"per_day"`
}

type Aggregator struct {
	db database.DatabaseService
}

func NewAggregator(db database.DatabaseService) *Aggregator {
	return &Aggregator{db: db}
}

func (a *Aggregator) Overview() (*Overview, error) {
	total, err := a.db.CountImages()
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return &Overview{}, nil
	}

	matches, err := a.db.CountMatchingPredictions()
	if err != nil {
		return nil, err
	}
	return &Overview{
		TotalImages: total,
		Accuracy:    float64(matches) / float64(total) * 100,
	}, nil
}

// CategoryDistribution returns per-category counts in descending order.
func (a *Aggregator) CategoryDistribution() ([]CategoryCount, error) {
	rows, err := a.db.CategoryCounts()
	if err != nil {
		return nil, err
	}
	counts := make([]CategoryCount, 0, len(rows))
	for _, row := range rows {
		counts = append(counts, CategoryCount{Category: row.Category, Count: row.Count})
	}
	return counts, nil
}

// AccuracyOverTime returns the per-day fraction of matching predictions.
func (a *Aggregator) AccuracyOverTime() ([]DailyAccuracy, error) {
	rows, err := a.db.DailyAccuracy()
	if err != nil {
		return nil, err
	}
	days := make([]DailyAccuracy, 0, len(rows))
	for _, row := range rows {
		accuracy := 0.0
		if row.Total > 0 {
			accuracy = float64(row.Matches) / float64(row.Total) * 100
		}
		days = append(days, DailyAccuracy{Date: row.Date, Total: row.Total, Accuracy: accuracy})
	}
	return days, nil
}

func (a *Aggregator) ConfusionMatrix() (*ConfusionMatrix, error) {
	pairs, err := a.db.LabelPairCounts()
	if err != nil {
		return nil, err
	}

	labelSet := make(map[string]struct{})
	for _, pair := range pairs {
		labelSet[pair.Actual] = struct{}{}
		labelSet[pair.Predicted] = struct{}{}
	}
	labels := make([]string, 0, len(labelSet))
	for label := range labelSet {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	cells := make(map[string]map[string]int64, len(labels))
	for _, actual := range labels {
		row := make(map[string]int64, len(labels))
		for _, predicted := range labels {
			row[predicted] = 0
		}
		cells[actual] = row
	}
	for _, pair := range pairs {
		cells[pair.Actual][pair.Predicted] = pair.Count
	}

	return &ConfusionMatrix{Labels: labels, Cells: cells}, nil
}

// TopMisclassifications returns the n most frequent (predicted, actual)
// pairs where the prediction was wrong, by count descending.
func (a *Aggregator) TopMisclassifications(n int) ([]Misclassification, error) {
	pairs, err := a.db.LabelPairCounts()
	if err != nil {
		return nil, err
	}

	misses := make([]Misclassification, 0)
	for _, pair := range pairs {
		if pair.Actual == pair.Predicted {
			continue
		}
		misses = append(misses, Misclassification{
			Predicted: pair.Predicted,
			Actual:    pair.Actual,
			Count:     pair.Count,
		})
	}
	sort.Slice(misses, func(i, j int) bool {
		if misses[i].Count != misses[j].Count {
			return misses[i].Count > misses[j].Count
		}
		if misses[i].Actual != misses[j].Actual {
			return misses[i].Actual < misses[j].Actual
		}
		return misses[i].Predicted < misses[j].Predicted
	})
	if n > 0 && len(misses) > n {
		misses = misses[:n]
	}
	return misses, nil
}

func (a *Aggregator) TokenUsage() (*TokenUsage, error) {
	rows, err := a.db.UsageByDay()
	if err != nil {
		return nil, err
	}

	usage := &TokenUsage{PerDay: make([]DailyTokens, 0, len(rows))}
	var totalImages int64
	for _, row := range rows {
		usage.TotalTokens += row.TotalTokens
		totalImages += row.TotalImages
		usage.PerDay = append(usage.PerDay, DailyTokens{
			Date:        row.Date,
			TotalTokens: row.TotalTokens,
			TotalImages: row.TotalImages,
			TotalSize:   row.TotalSize,
		})
	}
	if totalImages > 0 {
		usage.AvgTokensPerImage = float64(usage.TotalTokens) / float64(totalImages)
	}
	return usage, nil
}
