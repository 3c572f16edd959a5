// Package pagination extracts and validates paging parameters for list
// endpoints. Audit exports page by sequence cursor rather than offset, so
// Params carries both styles.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds paging parameters extracted from a request.
type Params struct {
	Limit int
	// After is the exclusive sequence cursor for cursor-style endpoints.
	After uint64
}

// FromContext extracts paging parameters from the echo context.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	after, _ := strconv.ParseUint(c.QueryParam("after"), 10, 64)

	return Params{Limit: limit, After: after}
}

// Response wraps one page of results. Next is the cursor to pass as
// `after` for the following page; it equals After when the page is empty.
type Response struct {
	Data    interface{} `json:"data"`
	Limit   int         `json:"limit"`
	After   uint64      `json:"after"`
	Next    uint64      `json:"next"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, p Params, next uint64, count int) *Response {
	return &Response{
		Data:    data,
		Limit:   p.Limit,
		After:   p.After,
		Next:    next,
		HasMore: count == p.Limit,
	}
}
