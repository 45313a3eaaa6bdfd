// Package display renders domain values for the terminal: names, relative
// ages, clock times and the dashboard sort orders.
package display

import (
	"fmt"
	"strings"
	"time"

	"github.com/zoravur/passerby/internal/live"
	"github.com/zoravur/passerby/internal/social"
)

// DisplayName is "First Last", else the username, else "Unknown".
func DisplayName(u *social.User) string {
	if u == nil {
		return "Unknown"
	}
	if full := strings.TrimSpace(u.FirstName + " " + u.LastName); full != "" {
		return full
	}
	if u.Username != "" {
		return u.Username
	}
	return "Unknown"
}

// RelativeTime renders the age of t at now: "now", "5m", "3h", "2d". Future
// times count as now.
func RelativeTime(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	}
}

// ClockTime renders t as a local 12-hour clock ("3:04 PM").
func ClockTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format("3:04 PM")
}

// Sort names a dashboard ordering.
type Sort string

const (
	SortRecent Sort = "recent"
	SortAlpha  Sort = "alpha"
	SortUnread Sort = "unread"
)

// ParseSort accepts a sort name; unknown names are recent.
func ParseSort(s string) Sort {
	switch Sort(strings.ToLower(strings.TrimSpace(s))) {
	case SortAlpha:
		return SortAlpha
	case SortUnread:
		return SortUnread
	default:
		return SortRecent
	}
}

func lastActivity(p social.ConversationPreview) int64 {
	if p.Last != nil && !p.Last.CreatedAt.IsZero() {
		return p.Last.CreatedAt.UnixMicro()
	}
	return p.LastMessageAt.UnixMicro()
}

func unreadFirst(a, b social.ConversationPreview) int {
	switch {
	case a.Unread == b.Unread:
		return 0
	case a.Unread:
		return -1
	default:
		return 1
	}
}

// Compare returns the comparator for a sort. Every ordering falls back to
// recency and then id, so it is total.
func (s Sort) Compare() func(a, b social.ConversationPreview) int {
	recent := live.Descending(lastActivity)
	byID := live.Ascending(social.ConversationPreview.Key)
	switch s {
	case SortAlpha:
		return live.Then(
			live.Ascending(func(p social.ConversationPreview) string { return strings.ToLower(DisplayName(p.Other)) }),
			recent, byID)
	case SortUnread:
		return live.Then(unreadFirst, recent, byID)
	default:
		return live.Then(recent, byID)
	}
}
