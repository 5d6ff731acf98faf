package imap

import (
	"testing"
	"time"
)

func TestSinceWindow(t *testing.T) {
	now := time.Date(2024, 6, 10, 15, 30, 0, 0, time.UTC)

	cases := []struct {
		name  string
		since time.Time
		want  time.Time
	}{
		{
			"recent cursor searches from its own day",
			time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC),
			time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			"cursor inside the floor is kept",
			time.Date(2024, 6, 9, 20, 0, 0, 0, time.UTC),
			time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC),
		},
		{
			"stale cursor is floored to 24 hours back",
			time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC),
		},
		{
			"zero cursor is floored too",
			time.Time{},
			time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sinceWindow(tc.since, now); !got.Equal(tc.want) {
				t.Errorf("sinceWindow(%v) = %v, want %v", tc.since, got, tc.want)
			}
		})
	}
}
