package records

import (
	"errors"
	"fmt"
	"math"
)

// MaxPageLimit bounds the page size accepted by history queries.
const MaxPageLimit = 10000

var (
	// ErrInvalidPage indicates that a page number is below 1 or its offset overflows.
	ErrInvalidPage = errors.New("records: invalid page")
	// ErrInvalidLimit indicates that a page size is not positive or exceeds MaxPageLimit.
	ErrInvalidLimit = errors.New("records: invalid limit")
	// ErrInvalidTimeRange indicates that the from bound is after the to bound.
	ErrInvalidTimeRange = errors.New("records: invalid time range")
)

// PageRequest is a validated 1-based page query over one room's history.
type PageRequest struct {
	roomID string
	page   int
	limit  int
	from   *int64
	to     *int64
}

// PageRequestConfig describes the inputs required to build a PageRequest.
type PageRequestConfig struct {
	RoomID string
	Page   int
	Limit  int
	From   *int64
	To     *int64
}

// NewPageRequest rejects out-of-range values instead of clamping them.
func NewPageRequest(cfg PageRequestConfig) (PageRequest, error) {
	if cfg.Page < 1 {
		return PageRequest{}, fmt.Errorf("%w: %d", ErrInvalidPage, cfg.Page)
	}
	if cfg.Limit <= 0 || cfg.Limit > MaxPageLimit {
		return PageRequest{}, fmt.Errorf("%w: %d", ErrInvalidLimit, cfg.Limit)
	}
	if cfg.Page-1 > math.MaxInt/cfg.Limit {
		return PageRequest{}, fmt.Errorf("%w: %d overflows offset at limit %d", ErrInvalidPage, cfg.Page, cfg.Limit)
	}
	if cfg.From != nil && cfg.To != nil && *cfg.From > *cfg.To {
		return PageRequest{}, fmt.Errorf("%w: %d > %d", ErrInvalidTimeRange, *cfg.From, *cfg.To)
	}
	return PageRequest{
		roomID: cfg.RoomID,
		page:   cfg.Page,
		limit:  cfg.Limit,
		from:   cfg.From,
		to:     cfg.To,
	}, nil
}

// RoomID returns the room the page is scoped to.
func (request PageRequest) RoomID() string {
	return request.roomID
}

// Page returns the 1-based page number.
func (request PageRequest) Page() int {
	return request.page
}

// Limit returns the page size.
func (request PageRequest) Limit() int {
	return request.limit
}

// Offset returns the number of records preceding the page.
func (request PageRequest) Offset() int {
	return (request.page - 1) * request.limit
}

// From returns the inclusive lower timestamp bound, if any.
func (request PageRequest) From() *int64 {
	return request.from
}

// To returns the inclusive upper timestamp bound, if any.
func (request PageRequest) To() *int64 {
	return request.to
}

// Pagination describes where a page sits within the full ordered record set.
type Pagination struct {
	CurrentPage  int   `json:"current_page"`
	PageSize     int   `json:"page_size"`
	TotalRecords int64 `json:"total_records"`
	TotalPages   int   `json:"total_pages"`
	HasNext      bool  `json:"has_next"`
	HasPrev      bool  `json:"has_prev"`
}

// NewPagination computes total_pages = ceil(totalRecords / limit).
func NewPagination(request PageRequest, totalRecords int64) Pagination {
	limit := int64(request.limit)
	totalPages := 0
	if totalRecords > 0 && limit > 0 {
		totalPages = int((totalRecords + limit - 1) / limit)
	}
	return Pagination{
		CurrentPage:  request.page,
		PageSize:     request.limit,
		TotalRecords: totalRecords,
		TotalPages:   totalPages,
		HasNext:      request.page < totalPages,
		HasPrev:      request.page > 1,
	}
}
