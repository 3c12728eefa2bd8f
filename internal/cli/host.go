package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/dkeye/Party/internal/catalog"
	"github.com/dkeye/Party/internal/client"
	"github.com/dkeye/Party/internal/client/audio"
	"github.com/dkeye/Party/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	reconcileEvery = 5 * time.Second
	progressEvery  = 10 * time.Second
)

func newHostCommand(e *env) *cobra.Command {
	var trackID string
	cmd := &cobra.Command{
		Use:   "host <file.ogg>",
		Short: "Broadcast a local Ogg/Opus file to listeners",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.runHost(cmd.Context(), cmd.OutOrStdout(), args[0], trackID)
		},
	}
	cmd.Flags().StringVar(&trackID, "track-id", "", "catalog track id (default: looked up by file path)")
	cmd.Flags().String("catalog-driver", "", "catalog database: postgres or sqlite")
	cmd.Flags().String("catalog-dsn", "", "catalog connection string")
	_ = e.v.BindPFlag(keyCatalogDriver, cmd.Flags().Lookup("catalog-driver"))
	_ = e.v.BindPFlag(keyCatalogDSN, cmd.Flags().Lookup("catalog-dsn"))
	return cmd
}

func (e *env) runHost(ctx context.Context, out io.Writer, path, trackID string) error {
	el, err := audio.OpenFile(path, nil)
	if err != nil {
		return err
	}
	defer el.Close()

	media, err := e.media()
	if err != nil {
		return err
	}
	cat, err := e.openCatalog(ctx)
	if err != nil {
		return err
	}
	var tracks client.TrackResolver
	if cat != nil {
		defer cat.Close()
		tracks = cat
	}
	signalURL, err := e.signalURL()
	if err != nil {
		return err
	}

	host := client.NewHostController(client.HostOptions{
		URL:       signalURL,
		Dial:      e.dialer(),
		Media:     media,
		Element:   el,
		Store:     e.store(),
		Tracks:    tracks,
		PublicURL: e.cfg.PublicURL,
	})
	defer host.Close()
	host.OnStateChange(func(s client.HostState) { fmt.Fprintf(out, "host: %s\n", s) })

	if err := host.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "invite: %s\n", host.InviteLink())

	if err := host.OnTrackChange(ctx, localTrack(ctx, cat, path, trackID)); err != nil {
		log.Warn().Err(err).Msg("announce track")
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	el.OnEnded(stop)
	el.OnPlayingChange(func(playing bool) {
		// called with the element lock released; the controller may block on the network
		go func() {
			var err error
			if playing {
				err = host.OnPlay(ctx)
			} else {
				err = host.OnPause()
			}
			if err != nil {
				log.Warn().Err(err).Bool("playing", playing).Msg("playback transition")
			}
		}()
	})
	if err := el.Play(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.NewTicker(reconcileEvery)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				switch host.State() {
				case client.HostEnded:
					stop()
					return nil
				case client.HostFaulted, client.HostAwaitingPlayback:
					if err := host.Reconcile(gctx); err != nil {
						log.Warn().Err(err).Msg("reconcile")
					}
				}
			}
		}
	})
	g.Go(func() error {
		t := time.NewTicker(progressEvery)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				fmt.Fprintf(out, "%6.1fs / %.1fs  listeners: %d\n", el.CurrentTime(), el.Duration(), host.ListenerCount())
			}
		}
	})
	_ = g.Wait()

	if host.State() == client.HostEnded {
		return nil
	}
	endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return host.EndSession(endCtx)
}

// localTrack names the file's track, preferring the catalog entry.
func localTrack(ctx context.Context, cat catalog.Catalog, path, trackID string) *domain.Track {
	if trackID != "" {
		return &domain.Track{ID: domain.TrackID(trackID)}
	}
	if cat != nil {
		abs, err := filepath.Abs(path)
		if err == nil {
			if t, err := cat.TrackByPath(ctx, abs); err == nil {
				return t
			}
		}
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	id := name
	if len(id) > domain.MaxTrackIDLen {
		id = id[:domain.MaxTrackIDLen]
	}
	return &domain.Track{ID: domain.TrackID(id), Title: name}
}
