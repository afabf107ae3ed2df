package repository

import (
	"errors"
	"testing"
)

func TestListOptionsValidate(t *testing.T) {
	cases := []struct {
		name      string
		opts      ListOptions
		wantLimit int
		wantErr   bool
	}{
		{name: "default limit", opts: ListOptions{}, wantLimit: DefaultLimit},
		{name: "explicit limit", opts: ListOptions{Limit: 5}, wantLimit: 5},
		{name: "limit too large", opts: ListOptions{Limit: MaxLimit + 1}, wantErr: true},
		{name: "negative offset", opts: ListOptions{Offset: -1, Limit: 5}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.opts.Validate()
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidInput) {
					t.Fatalf("expected ErrInvalidInput, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.opts.Limit != tc.wantLimit {
				t.Fatalf("limit = %d, want %d", tc.opts.Limit, tc.wantLimit)
			}
		})
	}
}

func TestSetPagination(t *testing.T) {
	var opts ListOptions
	opts.SetPagination(3, 10)
	if opts.Offset != 20 || opts.Limit != 10 {
		t.Fatalf("unexpected options %+v", opts)
	}
	opts.SetPagination(0, 0)
	if opts.Offset != 0 || opts.Limit != DefaultLimit {
		t.Fatalf("unexpected defaults %+v", opts)
	}
}

func TestNewPaginationResult(t *testing.T) {
	a, b := 1, 2
	res := NewPaginationResult([]*int{&a, &b}, 25, ListOptions{Offset: 10, Limit: 10})
	if res.Page != 2 || res.TotalPages != 3 || !res.HasMore || res.PageSize != 10 {
		t.Fatalf("unexpected page %+v", res)
	}
	last := NewPaginationResult[int](nil, 25, ListOptions{Offset: 20, Limit: 10})
	if last.HasMore || last.Items == nil {
		t.Fatalf("last page should have no more and non-nil items: %+v", last)
	}
}
