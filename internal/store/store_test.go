package store

import (
	"testing"

	"github.com/officesync/office-sync/internal/config"
	"github.com/officesync/office-sync/internal/pkg/errors"
)

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(config.StoreConfig{})
	if err == nil {
		t.Fatal("expected error for empty DSN")
	}
	if !errors.IsCode(err, errors.CodeValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestPoolStatsOccupancy(t *testing.T) {
	tests := []struct {
		name  string
		stats PoolStats
		want  float64
	}{
		{"empty pool", PoolStats{InUse: 0, MaxOpen: 20}, 0},
		{"half full", PoolStats{InUse: 10, MaxOpen: 20}, 50},
		{"full", PoolStats{InUse: 20, MaxOpen: 20}, 100},
		{"unlimited pool reports zero", PoolStats{InUse: 5, MaxOpen: 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.stats.Occupancy(); got != tt.want {
				t.Errorf("Occupancy() = %f, want %f", got, tt.want)
			}
		})
	}
}
