// Package repository holds list options shared by paginated repositories.
package repository

import "fmt"

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// ListOptions carries offset pagination for list queries.
type ListOptions struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Validate applies the default limit and rejects out-of-range values.
func (o *ListOptions) Validate() error {
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.Limit > MaxLimit {
		return fmt.Errorf("%w: limit exceeds maximum allowed value of %d", ErrInvalidInput, MaxLimit)
	}
	if o.Offset < 0 {
		return fmt.Errorf("%w: offset must be non-negative", ErrInvalidInput)
	}
	return nil
}

// SetPagination converts a 1-based page and page size into offset and limit.
func (o *ListOptions) SetPagination(page, pageSize int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultLimit
	}
	o.Offset = (page - 1) * pageSize
	o.Limit = pageSize
}

// PaginationResult represents one page of a list query.
type PaginationResult[T any] struct {
	Items      []*T  `json:"items"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
	HasMore    bool  `json:"has_more"`
}

// NewPaginationResult builds a page from items, the total row count and the
// options used to query them. opts must have been validated.
func NewPaginationResult[T any](items []*T, total int64, opts ListOptions) *PaginationResult[T] {
	if items == nil {
		items = []*T{}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	page := (opts.Offset / limit) + 1
	totalPages := int((total + int64(limit) - 1) / int64(limit))

	return &PaginationResult[T]{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   limit,
		TotalPages: totalPages,
		HasMore:    page < totalPages,
	}
}
