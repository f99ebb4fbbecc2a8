// Package pagination reads limit/offset query parameters and wraps list
// responses with their paging metadata.
package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit and offset. Missing values take the defaults and a
// limit above MaxLimit is capped; anything that is not a number, a zero or
// negative limit, or a negative offset is an error.
func FromContext(c echo.Context) (Params, error) {
	p := Params{Limit: DefaultLimit}

	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Params{}, fmt.Errorf("limit must be a positive integer, got %q", raw)
		}
		p.Limit = min(n, MaxLimit)
	}
	if raw := c.QueryParam("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Params{}, fmt.Errorf("offset must be a non-negative integer, got %q", raw)
		}
		p.Offset = n
	}
	return p, nil
}

// Page is one slice of a list response. NextOffset is set when more items
// follow.
type Page[T any] struct {
	Data       []T  `json:"data"`
	Total      int  `json:"total"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
	NextOffset *int `json:"next_offset,omitempty"`
}

func NewPage[T any](data []T, total int, p Params) Page[T] {
	if data == nil {
		data = []T{}
	}
	page := Page[T]{Data: data, Total: total, Limit: p.Limit, Offset: p.Offset}
	if next := p.Offset + len(data); len(data) > 0 && next < total {
		page.HasMore = true
		page.NextOffset = &next
	}
	return page
}
