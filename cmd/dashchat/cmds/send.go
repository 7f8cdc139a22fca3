package cmds

import (
	"context"
	"os"
	"os/signal"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/dashchat/pkg/chat"
	"github.com/go-go-golems/dashchat/pkg/render"
	"github.com/go-go-golems/dashchat/pkg/session"
)

type sendFlags struct {
	images   []string
	files    []string
	audio    string
	replyTo  int64
	quote    string
	provider string
	model    string
	copy     bool
	live     bool
}

func newSendCommand(root *rootFlags) *cobra.Command {
	f := &sendFlags{}
	cmd := &cobra.Command{
		Use:   "send [prompt...]",
		Short: "Send a message to the current session and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.Close()
			if _, err := a.requireSession(); err != nil {
				return err
			}

			in := f.input(a, strings.Join(args, " "))
			reply, err := sendAndPrint(cmd.Context(), a, in, f.live)
			if err != nil {
				return err
			}
			if f.copy && reply != "" {
				if err := clipboard.WriteAll(reply); err != nil {
					return errors.Wrap(err, "copy reply to clipboard")
				}
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringSliceVar(&f.images, "image", nil, "attachment id of an uploaded image (repeatable)")
	fl.StringSliceVar(&f.files, "file", nil, "attachment id of an uploaded file, optionally id=name (repeatable)")
	fl.StringVar(&f.audio, "audio", "", "name of a recorded audio clip to show with the message")
	fl.Int64Var(&f.replyTo, "reply-to", 0, "id of the message this one replies to")
	fl.StringVar(&f.quote, "quote", "", "quoted text of the replied-to message")
	fl.StringVar(&f.provider, "provider", "", "provider id (defaults to settings)")
	fl.StringVar(&f.model, "model", "", "model name (defaults to settings)")
	fl.BoolVar(&f.copy, "copy", false, "copy the final reply to the clipboard")
	fl.BoolVar(&f.live, "live", true, "print the reply while it streams")
	return cmd
}

func (f *sendFlags) input(a *app, prompt string) session.SendInput {
	in := session.SendInput{
		Prompt:     prompt,
		AudioName:  f.audio,
		ProviderID: firstNonEmpty(f.provider, a.settings.Provider),
		Model:      firstNonEmpty(f.model, a.settings.Model),
	}
	for _, id := range f.images {
		in.Files = append(in.Files, session.StagedFile{AttachmentID: id, OriginalName: id, Type: "image"})
	}
	for _, spec := range f.files {
		id, name, ok := strings.Cut(spec, "=")
		if !ok {
			name = id
		}
		in.Files = append(in.Files, session.StagedFile{AttachmentID: id, OriginalName: name, Type: "file"})
	}
	if f.replyTo > 0 {
		in.ReplyTo = &chat.ReplyInfo{MessageID: f.replyTo, SelectedText: f.quote}
	}
	return in
}

// sendAndPrint runs one send. Interrupts stop generation instead of killing
// the process. It returns the plain text of the final bot reply.
func sendAndPrint(parent context.Context, a *app, in session.SendInput, live bool) (string, error) {
	if parent == nil {
		parent = context.Background()
	}
	sigCtx, stopSignals := signal.NotifyContext(parent, os.Interrupt)
	defer stopSignals()
	detach := stopOnCancel(sigCtx, a.controller)
	defer detach()

	var printer *livePrinter
	if live {
		printer = newLivePrinter(os.Stdout, a.controller.Timeline())
		unobserve := a.controller.Timeline().Observe(printer.observe)
		defer unobserve()
	}

	// The send itself must not be cancelled by the signal; Stop handles that.
	err := a.controller.Send(context.WithoutCancel(parent), in)
	if printer != nil {
		printer.Finish()
	}
	if err != nil {
		return "", err
	}

	msgs := a.controller.Timeline().Snapshot()
	reply := render.LastBotText(msgs)
	if !live {
		r, err := render.ForFile(os.Stdout)
		if err != nil {
			return "", err
		}
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].IsBot() {
				if err := r.RenderMessage(os.Stdout, msgs[i]); err != nil {
					return "", err
				}
				break
			}
		}
	}
	return reply, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
