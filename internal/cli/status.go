package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dkeye/Party/internal/app"
	"github.com/spf13/cobra"
)

func newStatusCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the server's broadcast status and the local party state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.runStatus(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func fetchStatus(ctx context.Context, statusURL string) (app.Status, error) {
	var st app.Status
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return st, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("status: server answered %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("status: %w", err)
	}
	return st, nil
}

func (e *env) runStatus(ctx context.Context, out io.Writer) error {
	statusURL, err := endpoint(e.cfg.Server, "/api/party/status", false)
	if err != nil {
		return err
	}
	st, err := fetchStatus(ctx, statusURL)
	if err != nil {
		return err
	}

	if !st.Active {
		fmt.Fprintln(out, "server: no party")
	} else {
		fmt.Fprintf(out, "server: party active, listeners: %d, playing: %t\n", st.ListenerCount, st.IsPlaying)
		if st.CurrentTrack != nil {
			fmt.Fprintf(out, "track: %s - %s\n", st.CurrentTrack.ArtistName, st.CurrentTrack.Title)
		}
	}

	local, err := e.store().Load()
	if err != nil {
		return err
	}
	if local.SessionActive {
		fmt.Fprintf(out, "local: %s in %s\n", local.Role, local.InviteLink)
	} else {
		fmt.Fprintln(out, "local: not in a party")
	}
	return nil
}
