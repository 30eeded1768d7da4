package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/BioHazard786/Warpdrop/conference/internal/conference"
)

func TestRoomTableView(t *testing.T) {
	if got := NewRoomTable(nil).View(); !strings.Contains(got, "No rooms") {
		t.Errorf("empty view = %q", got)
	}

	view := NewRoomTable([]conference.RoomInfo{{
		Name:      "standup",
		CreatedAt: time.Now().Add(-90 * time.Second),
		Participants: []conference.UserInfo{
			{ID: "1", Name: "alice"},
			{ID: "2", Name: "bob"},
		},
	}}).View()

	for _, want := range []string{"standup", "alice, bob", "2"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate(strings.Repeat("x", 20), 10); got != "xxxxxxx..." {
		t.Errorf("truncate = %q", got)
	}
}
