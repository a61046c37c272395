package service

import (
	"strconv"
)

// PageDefaults bounds user-supplied page parameters.
type PageDefaults struct {
	Limit    int
	MaxLimit int
}

// MaxPage caps page numbers so offsets stay far from int overflow.
const MaxPage = 1 << 20

// DefaultPageDefaults matches the documented 1/50/100 behavior.
var DefaultPageDefaults = PageDefaults{Limit: 50, MaxLimit: 100}

// ParsePage coerces raw query values into a positive page and limit. Missing,
// non-numeric or non-positive values fall back to the defaults rather than
// failing; limit is capped at MaxLimit and page at MaxPage.
func ParsePage(rawPage, rawLimit string, d PageDefaults) (page, limit int) {
	page = 1
	if v, err := strconv.Atoi(rawPage); err == nil && v > 0 {
		page = v
	}
	limit = d.Limit
	if v, err := strconv.Atoi(rawLimit); err == nil && v > 0 {
		limit = v
	}
	if d.MaxLimit > 0 && limit > d.MaxLimit {
		limit = d.MaxLimit
	}
	return min(page, MaxPage), limit
}

// normalizePage applies the same coercion to already-parsed values.
func normalizePage(page, limit int, d PageDefaults) (int, int) {
	page = max(1, min(page, MaxPage))
	if limit < 1 {
		limit = d.Limit
	}
	if d.MaxLimit > 0 && limit > d.MaxLimit {
		limit = d.MaxLimit
	}
	return page, limit
}

type pageWindow struct {
	page, limit, totalPages int
	hasNext, hasPrev        bool
}

func (w pageWindow) offset() int { return (w.page - 1) * w.limit }

func newPageWindow(page, limit int, total int64) pageWindow {
	totalPages := int((total + int64(limit) - 1) / int64(limit))
	return pageWindow{
		page:       page,
		limit:      limit,
		totalPages: totalPages,
		hasNext:    page < totalPages,
		hasPrev:    page > 1,
	}
}

// MessagePagination is the metadata returned with a page of messages.
type MessagePagination struct {
	CurrentPage   int   `json:"currentPage"`
	TotalPages    int   `json:"totalPages"`
	TotalMessages int64 `json:"totalMessages"`
	Limit         int   `json:"limit"`
	HasNextPage   bool  `json:"hasNextPage"`
	HasPrevPage   bool  `json:"hasPrevPage"`
}

// NotificationPagination is the metadata returned with a page of notifications.
type NotificationPagination struct {
	CurrentPage        int   `json:"currentPage"`
	TotalPages         int   `json:"totalPages"`
	TotalNotifications int64 `json:"totalNotifications"`
	Limit              int   `json:"limit"`
	HasNextPage        bool  `json:"hasNextPage"`
	HasPrevPage        bool  `json:"hasPrevPage"`
}
