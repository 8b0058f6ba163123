// Package cache provides the bounded, expiring lookaside caches consulted by
// the assignment coordinator. Caches hold plain values and are never the
// system of record: a miss, a stale entry, or a backend failure only costs a
// storage round trip.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/ILLUVRSE/experiment-engine/internal/models"
)

// Cache is one namespace of key/value entries. Implementations must be safe
// for concurrent use. Values returned by Get must be treated as read-only.
type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Set(ctx context.Context, key string, value V)
	Delete(ctx context.Context, key string)
}

// Config sizes the two namespaces independently.
type Config struct {
	AssignmentSize int
	AssignmentTTL  time.Duration
	ExperimentSize int
	ExperimentTTL  time.Duration
}

// Set groups the assignment and experiment-metadata namespaces.
type Set struct {
	Assignments Cache[models.Assignment]
	Experiments Cache[models.Experiment]
}

// NewLocalSet builds an in-process Set from cfg.
func NewLocalSet(cfg Config) Set {
	return Set{
		Assignments: NewLocal[models.Assignment](cfg.AssignmentSize, cfg.AssignmentTTL),
		Experiments: NewLocal[models.Experiment](cfg.ExperimentSize, cfg.ExperimentTTL),
	}
}

func AssignmentKey(experimentID int64, userID string) string {
	return fmt.Sprintf("assignment:%d:%s", experimentID, userID)
}

func ExperimentKey(experimentID int64) string {
	return fmt.Sprintf("experiment:%d", experimentID)
}
