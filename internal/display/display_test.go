package display

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zoravur/passerby/internal/social"
)

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name string
		user *social.User
		want string
	}{
		{"nil", nil, "Unknown"},
		{"full", &social.User{FirstName: "Ada", LastName: "Lovelace", Username: "ada"}, "Ada Lovelace"},
		{"first only", &social.User{FirstName: "Ada", Username: "ada"}, "Ada"},
		{"username", &social.User{Username: "ada"}, "ada"},
		{"blank", &social.User{FirstName: " "}, "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DisplayName(tt.user))
		})
	}
}

func TestRelativeTime(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{0, "now"},
		{-time.Hour, "now"},
		{59 * time.Second, "now"},
		{5 * time.Minute, "5m"},
		{59 * time.Minute, "59m"},
		{3 * time.Hour, "3h"},
		{49 * time.Hour, "2d"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RelativeTime(now.Add(-tt.ago), now), "ago %v", tt.ago)
	}
	assert.Empty(t, RelativeTime(time.Time{}, now))
}

func TestClockTime(t *testing.T) {
	at := time.Date(2025, 5, 1, 15, 4, 0, 0, time.UTC)
	assert.Equal(t, "3:04 PM", ClockTime(at, time.UTC))
	assert.Equal(t, "5:04 PM", ClockTime(at, time.FixedZone("CEST", 2*60*60)))
	assert.Empty(t, ClockTime(time.Time{}, nil))
}

func preview(id, other string, unread bool, at time.Time) social.ConversationPreview {
	return social.ConversationPreview{
		Conversation: social.Conversation{ID: id, LastMessageAt: social.Timestamp{Time: at}},
		Other:        &social.User{Username: other},
		Unread:       unread,
	}
}

func ids(ps []social.ConversationPreview) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

func TestSortComparators(t *testing.T) {
	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	list := []social.ConversationPreview{
		preview("a", "zed", false, base),
		preview("b", "amy", true, base.Add(-time.Hour)),
		preview("c", "bob", false, base.Add(time.Hour)),
		preview("d", "Amy", true, base.Add(time.Minute)),
	}

	sorted := func(s Sort) []string {
		l := slices.Clone(list)
		slices.SortStableFunc(l, s.Compare())
		return ids(l)
	}
	assert.Equal(t, []string{"c", "d", "a", "b"}, sorted(SortRecent))
	assert.Equal(t, []string{"d", "b", "c", "a"}, sorted(SortAlpha))
	assert.Equal(t, []string{"d", "b", "c", "a"}, sorted(SortUnread))

	assert.Equal(t, SortAlpha, ParseSort(" Alpha "))
	assert.Equal(t, SortRecent, ParseSort("bogus"))
}
