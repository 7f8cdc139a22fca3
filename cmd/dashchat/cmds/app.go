package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/dashchat/pkg/api"
	"github.com/go-go-golems/dashchat/pkg/attachments"
	"github.com/go-go-golems/dashchat/pkg/config"
	"github.com/go-go-golems/dashchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/dashchat/pkg/prefs"
	"github.com/go-go-golems/dashchat/pkg/session"
)

// app bundles everything a command needs to talk to one session.
type app struct {
	settings   *config.Settings
	prefs      *prefs.Store
	client     *api.Client
	resolver   *attachments.Resolver
	store      chatstore.TimelineStore
	controller *session.Controller
}

func newApp(flags *rootFlags, extra ...session.Option) (*app, error) {
	settings, err := loadSettings(flags)
	if err != nil {
		return nil, err
	}
	return buildApp(settings, flags.sessionID, extra...)
}

func buildApp(settings *config.Settings, sessionFlag string, extra ...session.Option) (*app, error) {
	store := prefs.NewStore(settings.PrefsFile)

	var tokens api.TokenSource = store
	if settings.Token != "" {
		tokens = api.StaticToken(settings.Token)
	}
	client, err := api.NewClient(settings.BaseURL,
		api.WithTokenSource(tokens),
		api.WithTimeout(settings.HTTPTimeout),
	)
	if err != nil {
		return nil, err
	}

	blobs, err := openBlobStore(settings.BlobDir)
	if err != nil {
		return nil, err
	}
	resolver := attachments.NewResolver(client, blobs)

	cache, err := openTimelineStore(settings.CacheDB)
	if err != nil {
		_ = resolver.Close()
		return nil, err
	}

	sessionID, err := resolveSessionID(sessionFlag, store)
	if err != nil {
		_ = resolver.Close()
		if cache != nil {
			_ = cache.Close()
		}
		return nil, err
	}

	opts := []session.Option{
		session.WithSessionID(sessionID),
		session.WithPreferences(store),
		session.WithRehydrateDelay(settings.RehydrateDelay),
		session.WithNotifier(terminalNotifier{w: os.Stderr}),
		session.WithTitleUpdater(terminalTitles{w: os.Stderr}),
	}
	if cache != nil {
		opts = append(opts, session.WithTimelineStore(cache))
	}
	opts = append(opts, extra...)

	return &app{
		settings:   settings,
		prefs:      store,
		client:     client,
		resolver:   resolver,
		store:      cache,
		controller: session.NewController(client, resolver, opts...),
	}, nil
}

func (a *app) Close() {
	if err := a.controller.Close(); err != nil {
		log.Warn().Err(err).Str("component", "cli").Msg("failed to release attachments")
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Str("component", "cli").Msg("failed to close timeline cache")
		}
	}
}

// requireSession fails when no session was selected.
func (a *app) requireSession() (string, error) {
	id := a.controller.SessionID()
	if id == "" {
		return "", errors.New("no session selected: pass --session")
	}
	return id, nil
}

// resolveSessionID prefers the flag and remembers it; otherwise the last used
// session from the prefs file is reused.
func resolveSessionID(flag string, store *prefs.Store) (string, error) {
	if flag = strings.TrimSpace(flag); flag != "" {
		if err := store.SetSessionID(flag); err != nil {
			log.Warn().Err(err).Str("component", "cli").Msg("failed to remember session id")
		}
		return flag, nil
	}
	p, err := store.Load()
	if err != nil {
		return "", errors.Wrap(err, "read preferences")
	}
	return p.SessionID, nil
}

func openBlobStore(dir string) (attachments.BlobStore, error) {
	if dir == "" {
		return attachments.NewMemoryBlobStore(), nil
	}
	s, err := attachments.NewDirBlobStore(dir)
	if err != nil {
		return nil, errors.Wrap(err, "open blob dir")
	}
	return s, nil
}

func openTimelineStore(target string) (chatstore.TimelineStore, error) {
	switch target {
	case "":
		return nil, nil
	case "memory":
		return chatstore.NewInMemoryTimelineStore(0), nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, errors.Wrap(err, "create cache dir")
	}
	dsn, err := chatstore.SQLiteTimelineDSNForFile(target)
	if err != nil {
		return nil, err
	}
	s, err := chatstore.NewSQLiteTimelineStore(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open timeline cache")
	}
	return s, nil
}

// stopOnCancel asks the backend to stop generating once ctx is cancelled. The
// returned function detaches it.
func stopOnCancel(ctx context.Context, c *session.Controller) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.Stop(stopCtx); err != nil {
				log.Warn().Err(err).Str("component", "cli").Msg("stop request failed")
			}
		case <-done:
		}
	}()
	return func() { close(done) }
}

type terminalNotifier struct {
	w io.Writer
}

func (n terminalNotifier) Notify(level session.Level, message string, _ time.Duration) {
	_, _ = fmt.Fprintf(n.w, "[%s] %s\n", level, message)
}

type terminalTitles struct {
	w io.Writer
}

func (t terminalTitles) UpdateSessionTitle(sessionID string, title string) {
	log.Debug().Str("component", "cli").Str("session_id", sessionID).Str("title", title).Msg("title updated")
	_, _ = fmt.Fprintf(t.w, "title: %s\n", title)
}
