package sweeper

import (
	"context"
	"time"

	"github.com/mattjoyce/payhook/internal/dedup"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/mattjoyce/payhook/internal/sweeper Store

// Store defines the dedup store operations used by the sweeper.
type Store interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Orphans(ctx context.Context, cutoff time.Time, limit int) ([]dedup.Record, error)
}
