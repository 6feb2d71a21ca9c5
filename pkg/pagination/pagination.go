// Package pagination applies optional limit/offset windows to list
// responses. Lists stay plain JSON arrays so existing clients keep working;
// the unwindowed total is reported in the X-Total-Count header.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	MaxLimit    = 500
	TotalHeader = "X-Total-Count"
)

// Params holds the requested window. Limit 0 means no window.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads "limit" and "offset" query parameters. Missing or
// invalid values fall back to an unbounded window starting at 0.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 0 {
		limit = 0
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

// Windowed reports whether the request asked for a subset.
func (p Params) Windowed() bool {
	return p.Limit > 0 || p.Offset > 0
}

// HasNext returns true if there are more results after the current window.
func (p Params) HasNext(total int) bool {
	return p.Limit > 0 && p.Offset+p.Limit < total
}

// Apply returns the window of items selected by p.
func Apply[T any](items []T, p Params) []T {
	if p.Offset >= len(items) {
		return items[:0]
	}
	items = items[p.Offset:]
	if p.Limit > 0 && p.Limit < len(items) {
		items = items[:p.Limit]
	}
	return items
}

// JSON writes the windowed list as a JSON array, setting the total header
// when a window was requested.
func JSON[T any](c echo.Context, code int, items []T) error {
	if items == nil {
		items = []T{}
	}
	p := FromContext(c)
	if p.Windowed() {
		c.Response().Header().Set(TotalHeader, strconv.Itoa(len(items)))
	}
	return c.JSON(code, Apply(items, p))
}
