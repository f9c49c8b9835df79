// Package classifier wraps the remote vision model behind a gateway that
// never fails: any transport problem, malformed reply, unknown category pair
// or low-confidence prediction degrades to the Uncategorized sentinel.
package classifier

import (
	"context"
	"log/slog"

	"github.com/jo-hoe/carsort/internal/taxonomy"
)

// Result is the outcome of one classification call.
type Result struct {
	Category    string
	Subcategory string
	Confidence  float64
	TokenCost   int
}

// Sentinel returns the Uncategorized result carrying the given token cost.
func Sentinel(tokenCost int) Result {
	return Result{
		Category:    taxonomy.Uncategorized,
		Subcategory: taxonomy.Uncategorized,
		Confidence:  0.0,
		TokenCost:   tokenCost,
	}
}

// Client performs the raw remote call. Implementations may return a result
// whose labels are not part of the taxonomy; the Gateway validates them.
type Client interface {
	Classify(ctx context.Context, imageData []byte) (Result, error)
}

type Gateway struct {
	client              Client
	confidenceThreshold float64
}

func NewGateway(client Client, confidenceThreshold float64) *Gateway {
	return &Gateway{
		client:              client,
		confidenceThreshold: confidenceThreshold,
	}
}

// Classify runs one remote classification attempt. It never returns an
// error; failure modes map to the sentinel result.
func (g *Gateway) Classify(ctx context.Context, imageData []byte) Result {
	result, err := g.client.Classify(ctx, imageData)
	if err != nil {
		slog.Warn("classification call failed, using sentinel", "error", err)
		return Sentinel(0)
	}

	if !taxonomy.ValidCategoryPair(result.Category, result.Subcategory) {
		slog.Warn("classification returned unknown category pair, using sentinel",
			"category", result.Category, "subcategory", result.Subcategory)
		return Sentinel(result.TokenCost)
	}

	if result.Confidence < g.confidenceThreshold {
		slog.Debug("classification below confidence threshold, using sentinel",
			"confidence", result.Confidence, "threshold", g.confidenceThreshold)
		return Sentinel(result.TokenCost)
	}

	return result
}
