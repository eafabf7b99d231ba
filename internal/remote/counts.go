package remote

import (
	"context"
	"time"
)

// ChangeCountsPath is the delta-count endpoint.
const ChangeCountsPath = "/sync/changes/count"

type changeCountsRequest struct {
	Since map[string]string `json:"since"`
}

// CountsSource asks the remote API how many records changed per entity
// type. It satisfies deltas.CountsSource.
type CountsSource struct {
	client *Client
}

// NewCountsSource creates a CountsSource backed by client.
func NewCountsSource(client *Client) *CountsSource {
	return &CountsSource{client: client}
}

// ChangedCounts posts the watermarks and returns the counts reported by
// the server. Types missing from the answer are absent from the result.
func (s *CountsSource) ChangedCounts(ctx context.Context, since map[string]time.Time) (map[string]int, error) {
	req := changeCountsRequest{Since: make(map[string]string, len(since))}
	for entityType, t := range since {
		req.Since[entityType] = t.UTC().Format(time.RFC3339)
	}

	counts := make(map[string]int)
	if err := s.client.Post(ctx, ChangeCountsPath, req, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}
