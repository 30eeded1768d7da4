package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/Warpdrop/conference/internal/conference"
	"github.com/BioHazard786/Warpdrop/conference/internal/ui"
)

var flagServer string

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List the live rooms of a running server",
	Long: `List the live rooms of a running server.

Examples:
  conference rooms
  conference rooms --server http://conference.internal:3000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		rooms, err := fetchRooms(ctx, flagServer)
		if err != nil {
			return err
		}

		fmt.Printf("%s %s\n\n", ui.IconWeb, ui.MutedStyle.Render(flagServer))
		ui.RenderRoomTable(rooms)
		if len(rooms) > 0 {
			fmt.Println()
			ui.PrintSuccessf("%s %d room(s) live", ui.IconRoom, len(rooms))
		}
		return nil
	},
}

func fetchRooms(ctx context.Context, base string) ([]conference.RoomInfo, error) {
	url := strings.TrimSuffix(base, "/") + "/rooms"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}

	var rooms []conference.RoomInfo
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		return nil, fmt.Errorf("failed to decode rooms: %w", err)
	}
	return rooms, nil
}

func init() {
	rootCmd.AddCommand(roomsCmd)

	roomsCmd.Flags().StringVar(&flagServer, "server", "http://localhost:3000", "Server base URL")
}
