package cmds

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newStopCommand(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the backend to stop generating for the current session",
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
			if err := a.controller.Stop(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stop requested for %s\n", sessionID)
			return nil
		},
	}
}

func newStreamingCommand(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "streaming [on|off]",
		Short:     "Show, toggle or set the streaming preference",
		Long:      "Without an argument the preference is toggled.",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			var enabled bool
			if len(args) == 0 {
				enabled, err = a.controller.ToggleStreaming()
				if err != nil {
					return err
				}
			} else {
				switch strings.ToLower(args[0]) {
				case "on", "true":
					enabled = true
				case "off", "false":
					enabled = false
				default:
					return errors.Errorf("expected on or off, got %q", args[0])
				}
				if err := a.prefs.SetEnableStreaming(enabled); err != nil {
					return err
				}
			}
			state := "off"
			if enabled {
				state = "on"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "streaming %s\n", state)
			return nil
		},
	}
}
