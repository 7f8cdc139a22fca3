package cmds

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/dashchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/dashchat/pkg/render"
)

func newHistoryCommand(root *rootFlags) *cobra.Command {
	var (
		offline  bool
		sessions bool
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the timeline of the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			if sessions {
				return listCachedSessions(cmd, a, limit)
			}

			sessionID, err := a.requireSession()
			if err != nil {
				return err
			}
			r, err := render.ForFile(os.Stdout)
			if err != nil {
				return err
			}

			if offline {
				if a.store == nil {
					return errors.New("the timeline cache is disabled")
				}
				snap, ok, err := a.store.LoadHistory(cmd.Context(), sessionID)
				if err != nil {
					return err
				}
				if !ok {
					return errors.Errorf("session %s is not cached", sessionID)
				}
				saved := time.UnixMilli(snap.SavedAtMs).Format(time.RFC3339)
				_, _ = fmt.Fprintf(os.Stderr, "cached copy from %s\n", saved)
				return r.RenderTimeline(os.Stdout, snap.Messages)
			}

			if err := a.controller.LoadSession(cmd.Context(), sessionID); err != nil {
				return err
			}
			if p := a.controller.Project(); p != nil && p.Title != "" {
				_, _ = fmt.Fprintf(os.Stderr, "project: %s %s\n", p.Emoji, p.Title)
			}
			if a.controller.IsConvRunning() {
				_, _ = fmt.Fprintln(os.Stderr, "the session is still generating; showing what is stored so far")
			}
			return r.RenderTimeline(os.Stdout, a.controller.Timeline().Snapshot())
		},
	}
	fl := cmd.Flags()
	fl.BoolVar(&offline, "offline", false, "read the local cache instead of the backend")
	fl.BoolVar(&sessions, "sessions", false, "list sessions known to the local cache")
	fl.IntVar(&limit, "limit", 20, "maximum number of sessions to list")
	return cmd
}

func listCachedSessions(cmd *cobra.Command, a *app, limit int) error {
	if a.store == nil {
		return errors.New("the timeline cache is disabled")
	}
	records, err := a.store.ListSessions(cmd.Context(), limit, 0)
	if err != nil {
		return err
	}
	r, err := render.ForFile(os.Stdout)
	if err != nil {
		return err
	}
	_, err = io.WriteString(cmd.OutOrStdout(), r.Table(sessionTable(records)))
	return err
}

func sessionTable(records []chatstore.SessionRecord) ([]string, [][]string) {
	headers := []string{"SESSION", "TITLE", "PROJECT", "MESSAGES", "STATUS", "LAST ACTIVITY"}
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.SessionID, rec.Title, rec.ProjectTitle, strconv.Itoa(rec.MessageCount), rec.Status,
			time.UnixMilli(rec.LastActivityMs).Format(time.RFC3339),
		})
	}
	return headers, rows
}
