package mesh

import (
	"strings"
	"time"
)

// SortOrder defines how results should be ordered when listing intents.
type SortOrder int

const (
	// SortByUpdatedDesc orders intents by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders intents by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

// ListOptions controls how intents are selected when querying the store.
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []IntentStatus
	FromAgent  string
	ToAgent    string
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Order      SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.FromAgent = strings.TrimSpace(opts.FromAgent)
	opts.ToAgent = strings.TrimSpace(opts.ToAgent)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of intents returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching intents before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters intents by the provided statuses.
func WithStatuses(statuses ...IntentStatus) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithFromAgent filters intents by initiator address (hex).
func WithFromAgent(addr string) ListOption {
	return func(opts *ListOptions) {
		opts.FromAgent = addr
	}
}

// WithToAgent filters intents by counterparty address (hex).
func WithToAgent(addr string) ListOption {
	return func(opts *ListOptions) {
		opts.ToAgent = addr
	}
}

// WithUpdatedSince filters intents updated after the provided instant (inclusive).
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedGTE = 0
			return
		}
		opts.UpdatedGTE = ts.Unix()
	}
}

// WithUpdatedUntil filters intents updated before the provided instant (inclusive).
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedLTE = 0
			return
		}
		opts.UpdatedLTE = ts.Unix()
	}
}

// WithResultPresence filters intents by whether a result has been recorded.
func WithResultPresence(present bool) ListOption {
	return func(opts *ListOptions) {
		opts.HasResult = &present
	}
}

// WithOrder sets the sort order of the listing.
func WithOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

func buildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// IntentStats aggregates intents matching a filter.
type IntentStats struct {
	Total           int64  `json:"total"`
	Pending         int64  `json:"pending"`
	Accepted        int64  `json:"accepted"`
	Completed       int64  `json:"completed"`
	Failed          int64  `json:"failed"`
	EscrowedAmount  uint64 `json:"escrowed_amount"`
	OldestUpdatedAt int64  `json:"oldest_updated_at"`
	NewestUpdatedAt int64  `json:"newest_updated_at"`
}
