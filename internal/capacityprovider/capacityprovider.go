// Copyright 2025 James Ross

// Package capacityprovider resolves each model's enqueued-token capacity
// limit for Admission and CapacityDispatcher (spec.md §4.4, §4.5).
package capacityprovider

import "context"

// Provider returns the provider's enqueued-token capacity ceiling for a
// model.
type Provider interface {
	GetBatchLimitTokens(ctx context.Context, model string) (int64, error)
}

// Static serves fixed per-model limits from configuration, with a
// fallback for models it wasn't told about.
type Static struct {
	Limits  map[string]int64
	Default int64
}

func (s Static) GetBatchLimitTokens(ctx context.Context, model string) (int64, error) {
	if limit, ok := s.Limits[model]; ok {
		return limit, nil
	}
	return s.Default, nil
}

var _ Provider = Static{}
