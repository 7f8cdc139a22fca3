// Package cmds holds the cobra commands of the dashchat CLI.
package cmds

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/dashchat/pkg/config"
)

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	logLevel   string
	withCaller bool
	sessionID  string
}

func NewRootCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "dashchat",
		Short:         "Chat with a dashboard backend from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return InitLogger(flags.logLevel, flags.withCaller, os.Stderr)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", defaultConfigPath(), "path to the YAML settings file")
	pf.StringVar(&flags.logLevel, "log-level", "warn", "log level (trace, debug, info, warn, error)")
	pf.BoolVar(&flags.withCaller, "with-caller", false, "include caller information in log lines")
	pf.StringVar(&flags.sessionID, "session", "", "session id (defaults to the last used session)")

	root.AddCommand(
		newSendCommand(flags),
		newChatCommand(flags),
		newHistoryCommand(flags),
		newStopCommand(flags),
		newStreamingCommand(flags),
		newWatchCommand(flags),
	)
	return root
}

// InitLogger configures the global zerolog logger. Terminals get the console
// writer; anything else gets JSON lines.
func InitLogger(level string, withCaller bool, out *os.File) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)

	var w io.Writer = out
	if isatty.IsTerminal(out.Fd()) {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	lctx := zerolog.New(w).With().Timestamp()
	if withCaller {
		lctx = lctx.Caller()
	}
	log.Logger = lctx.Logger()
	return nil
}

func defaultConfigPath() string {
	if v := os.Getenv(config.EnvPrefix + "CONFIG"); v != "" {
		return v
	}
	return filepath.Join(config.Defaults().StateDir, "config.yaml")
}

func loadSettings(flags *rootFlags) (*config.Settings, error) {
	s, err := config.Load(flags.configPath)
	if err != nil {
		return nil, errors.Wrap(err, "load settings")
	}
	return s, nil
}
