package classifier

import (
	"encoding/json"
	"fmt"
	"os"

	"btc-wallet-intel/internal/domain/service"
)

// FeatureRange is the fitted range of one feature
type FeatureRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// MinMaxScaler maps each feature onto [0, 1] using ranges fitted offline
type MinMaxScaler struct {
	ranges []FeatureRange
}

// LoadMinMaxScaler reads a JSON object keyed by feature name
func LoadMinMaxScaler(path string) (*MinMaxScaler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scaler file: %w", err)
	}
	return ParseMinMaxScaler(data)
}

// ParseMinMaxScaler builds a scaler from its JSON form. Every classifier
// feature must have a range.
func ParseMinMaxScaler(data []byte) (*MinMaxScaler, error) {
	var byName map[string]FeatureRange
	if err := json.Unmarshal(data, &byName); err != nil {
		return nil, fmt.Errorf("failed to parse scaler: %w", err)
	}

	ranges := make([]FeatureRange, len(service.FeatureNames))
	for i, name := range service.FeatureNames {
		r, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("scaler has no range for feature %q", name)
		}
		ranges[i] = r
	}
	return &MinMaxScaler{ranges: ranges}, nil
}

// Transform scales features in place order. A feature with an empty range maps to 0.
func (s *MinMaxScaler) Transform(features []float64) ([]float64, error) {
	if len(features) != len(s.ranges) {
		return nil, fmt.Errorf("expected %d features, got %d", len(s.ranges), len(features))
	}

	scaled := make([]float64, len(features))
	for i, value := range features {
		r := s.ranges[i]
		if r.Max == r.Min {
			continue
		}
		scaled[i] = (value - r.Min) / (r.Max - r.Min)
	}
	return scaled, nil
}
