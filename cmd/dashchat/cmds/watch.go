package cmds

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/go-go-golems/dashchat/pkg/events"
	"github.com/go-go-golems/dashchat/pkg/mirror"
	"github.com/go-go-golems/dashchat/pkg/session"
)

func newWatchCommand(root *rootFlags) *cobra.Command {
	var (
		addr     string
		interval time.Duration
		perSec   float64
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Serve the live timeline of the current session over HTTP and websockets",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(root)
			if err != nil {
				return err
			}
			pub, sub, err := events.BuildPubSub(settings.Events)
			if err != nil {
				return err
			}
			defer func() { _ = pub.Close() }()
			defer func() { _ = sub.Close() }()

			a, err := buildApp(settings, root.sessionID, session.WithPublisher(events.NewTimelinePublisher(pub)))
			if err != nil {
				return err
			}
			defer a.Close()
			sessionID, err := a.requireSession()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.settings.MirrorAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			if settings.Events.Enabled {
				if err := events.EnsureGroupAtTail(ctx, settings.Events.Addr, events.TopicTimeline, settings.Events.Group); err != nil {
					return err
				}
			}

			m := mirror.NewServer(a.controller,
				mirror.WithBroadcastRate(rate.Limit(perSec), 1),
				mirror.WithBlobs(a.resolver),
				mirror.WithIdleCallback(time.Minute, func() {
					log.Info().Str("component", "cli").Str("session_id", sessionID).Msg("no viewers connected")
				}),
			)
			srv := &http.Server{Addr: addr, Handler: m.Handler(), ReadHeaderTimeout: 10 * time.Second}

			eg, egCtx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				log.Info().Str("component", "cli").Str("addr", addr).Str("session_id", sessionID).Msg("mirror listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return errors.Wrap(err, "mirror server")
				}
				return nil
			})
			eg.Go(func() error {
				<-egCtx.Done()
				m.Close()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			eg.Go(func() error {
				return m.Run(egCtx, sub)
			})
			eg.Go(func() error {
				return refreshLoop(egCtx, a.controller, sessionID, interval)
			})
			return eg.Wait()
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&addr, "addr", "", "listen address (defaults to mirror_addr from settings)")
	fl.DurationVar(&interval, "interval", 0, "reload the session periodically (0 relies on running-session rehydration)")
	fl.Float64Var(&perSec, "max-rate", 20, "maximum snapshot broadcasts per second")
	return cmd
}

// refreshLoop hydrates once and then on every tick. Failures are logged; the
// mirror keeps serving the last good timeline.
func refreshLoop(ctx context.Context, c *session.Controller, sessionID string, interval time.Duration) error {
	if err := c.LoadSession(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("component", "cli").Str("session_id", sessionID).Msg("initial load failed")
	}
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.LoadSession(ctx, c.SessionID()); err != nil && !errors.Is(err, session.ErrClosed) {
				log.Warn().Err(err).Str("component", "cli").Str("session_id", sessionID).Msg("refresh failed")
			}
		}
	}
}
