package cmds

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"

	"github.com/go-go-golems/dashchat/pkg/render"
	"github.com/go-go-golems/dashchat/pkg/session"
)

const chatHelp = `commands:
  /history    reload and print the session
  /streaming  toggle streaming responses
  /quit       leave the chat`

func newChatCommand(root *rootFlags) *cobra.Command {
	var provider, model string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat on the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.Close()
			sessionID, err := a.requireSession()
			if err != nil {
				return err
			}

			r, err := render.ForFile(os.Stdout)
			if err != nil {
				return err
			}
			if err := a.controller.LoadSession(cmd.Context(), sessionID); err != nil {
				return err
			}
			if err := r.RenderTimeline(os.Stdout, a.controller.Timeline().Snapshot()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stderr, chatHelp)

			ui := &input.UI{Writer: os.Stderr, Reader: os.Stdin}
			for {
				line, err := ui.Ask("you", &input.Options{HideOrder: true, Loop: false})
				if err != nil {
					if errors.Is(err, input.ErrInterrupted) {
						return nil
					}
					return errors.Wrap(err, "read prompt")
				}
				line = strings.TrimSpace(line)
				switch line {
				case "":
					continue
				case "/quit", "/exit":
					return nil
				case "/history":
					if err := a.controller.LoadSession(cmd.Context(), sessionID); err != nil {
						_, _ = fmt.Fprintln(os.Stderr, r.Failure(err))
						continue
					}
					if err := r.RenderTimeline(os.Stdout, a.controller.Timeline().Snapshot()); err != nil {
						return err
					}
					continue
				case "/streaming":
					enabled, err := a.controller.ToggleStreaming()
					if err != nil {
						_, _ = fmt.Fprintln(os.Stderr, r.Failure(err))
						continue
					}
					_, _ = fmt.Fprintf(os.Stderr, "streaming: %t\n", enabled)
					continue
				}

				in := session.SendInput{
					Prompt:     line,
					ProviderID: firstNonEmpty(provider, a.settings.Provider),
					Model:      firstNonEmpty(model, a.settings.Model),
				}
				if _, err := sendAndPrint(cmd.Context(), a, in, true); err != nil {
					_, _ = fmt.Fprintln(os.Stderr, r.Failure(err))
				}
			}
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "provider id (defaults to settings)")
	cmd.Flags().StringVar(&model, "model", "", "model name (defaults to settings)")
	return cmd
}
