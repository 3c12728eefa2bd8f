package cli

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dkeye/Party/internal/client"
	"github.com/dkeye/Party/internal/client/audio"
	"github.com/pion/rtp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newListenCommand(e *env) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "listen <invite-link-or-session-id>",
		Short: "Join a party and follow the host's playback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.runListen(cmd.Context(), cmd.OutOrStdout(), args[0], outPath)
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "record the received audio to this Ogg file")
	return cmd
}

// discard is the audio output when nothing is recorded.
type discard struct{}

func (discard) WriteRTP(*rtp.Packet) error { return nil }
func (discard) SetPlaying(bool)            {}

func (e *env) runListen(ctx context.Context, out io.Writer, invite, outPath string) error {
	sid, err := client.ParseInvite(invite)
	if err != nil {
		return err
	}
	signalURL, err := e.signalURL()
	if err != nil {
		return err
	}
	media, err := e.media()
	if err != nil {
		return err
	}

	var output client.AudioOutput = discard{}
	if outPath != "" {
		sink, err := audio.NewOggSink(outPath)
		if err != nil {
			return err
		}
		defer sink.Close()
		output = sink
	}

	lc := client.NewListenerClient(client.ListenerOptions{
		URL:               signalURL,
		Dial:              e.dialer(),
		Media:             media,
		Output:            output,
		Store:             e.store(),
		PublicURL:         e.cfg.PublicURL,
		ReconnectDelay:    e.cfg.ReconnectDelay,
		ReconnectMaxDelay: e.cfg.ReconnectMaxDelay,
	})
	defer lc.Leave()

	ended := make(chan struct{})
	var once sync.Once
	lc.OnStateChange(func(s client.ListenerState) {
		fmt.Fprintf(out, "listener: %s\n", s)
		if s == client.ListenerEnded {
			once.Do(func() { close(ended) })
		}
	})
	if err := lc.Connect(ctx, sid); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.NewTicker(progressEvery)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ended:
				return nil
			case now := <-t.C:
				snap := lc.Snapshot()
				if snap.Track == nil {
					fmt.Fprintln(out, "waiting for the host")
					continue
				}
				fmt.Fprintf(out, "%s  %6.1fs  playing: %t\n", snap.Track.Title, lc.DisplayPosition(now), snap.IsPlaying)
			}
		}
	})
	_ = g.Wait()

	if reason := lc.EndReason(); reason != "" {
		fmt.Fprintf(out, "session ended: %s\n", reason)
	}
	return nil
}
