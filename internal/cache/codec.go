package cache

import (
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func baselineKey(key string) string {
	return "baseline:" + key
}

func encodeBaseline(b *domain.DriverBaseline) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("baseline is nil")
	}
	return json.Marshal(b)
}

func decodeBaseline(data []byte) (*domain.DriverBaseline, error) {
	var b domain.DriverBaseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode cached baseline: %w", err)
	}
	return &b, nil
}
