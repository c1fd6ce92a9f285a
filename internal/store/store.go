package store

import (
	"context"
	"errors"

	"github.com/seantiz/anvil/internal/model"
)

// ErrInvalidTransition is returned when a conversion status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ConversionStats holds aggregate conversion statistics.
type ConversionStats struct {
	Total               int            `json:"total"`
	CountByStatus       map[string]int `json:"count_by_status"`
	CountByTargetFormat map[string]int `json:"count_by_target_format"`
	AvgDurationMS       float64        `json:"avg_duration_ms"`
	AvgQueueWaitMS      float64        `json:"avg_queue_wait_ms"`
	TotalInputBytes     int64          `json:"total_input_bytes"`
	TotalOutputBytes    int64          `json:"total_output_bytes"`
}

// Store defines the persistence operations for conversions.
type Store interface {
	CreateConversion(ctx context.Context, c *model.Conversion) error
	// GetConversion returns the record without its output bytes.
	GetConversion(ctx context.Context, id string) (*model.Conversion, error)
	GetConversionOutput(ctx context.Context, id string) ([]byte, error)
	ListConversions(ctx context.Context, limit, offset int) ([]*model.Conversion, int, error)
	UpdateConversionStatus(ctx context.Context, id, status string) error
	// UpdateConversion applies c's status and every non-zero result field.
	UpdateConversion(ctx context.Context, c *model.Conversion) error
	GetConversionStats(ctx context.Context) (*ConversionStats, error)
	Close() error
}
