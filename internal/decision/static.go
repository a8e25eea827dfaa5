package decision

import (
	"context"

	"github.com/rendis/contextmesh/pkg/schema"
)

// Static serves pre-computed logic values: useful for tests, replays, and
// one-off runs where the decision was made out of band.
type Static struct {
	Values map[string]any
}

// Decide returns the stored value for each required key.
func (s *Static) Decide(_ context.Context, operationID string, required []string, _ map[string]any) (map[string]any, error) {
	values := make(map[string]any, len(required))
	for _, key := range required {
		value, ok := s.Values[key]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDecision,
				"no value provided for logic key %q", key).
				WithOperation(operationID)
		}
		values[key] = value
	}
	return values, nil
}
