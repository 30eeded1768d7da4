package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/BioHazard786/Warpdrop/conference/internal/conference"
)

const maxNamesWidth = 50

// RoomTable renders live rooms using lipgloss/table
type RoomTable struct {
	rooms []conference.RoomInfo
	now   time.Time
}

// NewRoomTable creates a new room table
func NewRoomTable(rooms []conference.RoomInfo) *RoomTable {
	return &RoomTable{rooms: rooms, now: time.Now()}
}

// View renders the table as a string
func (t *RoomTable) View() string {
	if len(t.rooms) == 0 {
		return MutedStyle.Render("No rooms")
	}

	headers := []string{"Room", "Users", "Participants", "Age"}

	var rows [][]string
	for _, r := range t.rooms {
		names := make([]string, 0, len(r.Participants))
		for _, p := range r.Participants {
			names = append(names, p.Name)
		}
		rows = append(rows, []string{
			r.Name,
			fmt.Sprintf("%d", len(r.Participants)),
			truncate(strings.Join(names, ", "), maxNamesWidth),
			t.now.Sub(r.CreatedAt).Truncate(time.Second).String(),
		})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

// RenderRoomTable outputs the table directly to stdout
func RenderRoomTable(rooms []conference.RoomInfo) {
	fmt.Println(NewRoomTable(rooms).View())
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
