// Package render prints timelines to a terminal.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"golang.org/x/term"

	"github.com/go-go-golems/dashchat/pkg/chat"
)

var (
	userHeader   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7DCFFF"))
	botHeader    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#9ECE6A"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#737AA2"))
	toolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#E0AF68"))
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7768E"))
)

// Renderer writes messages either styled (markdown through glamour, colored
// headers) or as plain text.
type Renderer struct {
	styled bool
	width  int
	theme  string
	md     *glamour.TermRenderer
}

type Option func(*Renderer)

func WithStyled(styled bool) Option {
	return func(r *Renderer) { r.styled = styled }
}

func WithWidth(width int) Option {
	return func(r *Renderer) {
		if width > 0 {
			r.width = width
		}
	}
}

// WithTheme selects the glamour standard style ("dark" or "light").
func WithTheme(theme string) Option {
	return func(r *Renderer) {
		if theme != "" {
			r.theme = theme
		}
	}
}

func New(opts ...Option) (*Renderer, error) {
	r := &Renderer{width: 100, theme: "dark"}
	for _, opt := range opts {
		opt(r)
	}
	if r.styled {
		md, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle(r.theme),
			glamour.WithWordWrap(r.width),
		)
		if err != nil {
			return nil, errors.Wrap(err, "create markdown renderer")
		}
		r.md = md
	}
	return r, nil
}

// ForFile picks styled output when f is a terminal, sized to its width and
// themed for its background.
func ForFile(f *os.File, opts ...Option) (*Renderer, error) {
	if f == nil || !isatty.IsTerminal(f.Fd()) {
		return New(append([]Option{WithStyled(false)}, opts...)...)
	}
	base := []Option{WithStyled(true)}
	if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 20 {
		base = append(base, WithWidth(w-2))
	}
	if !termenv.HasDarkBackground() {
		base = append(base, WithTheme("light"))
	}
	return New(append(base, opts...)...)
}

func (r *Renderer) RenderTimeline(w io.Writer, msgs []*chat.Message) error {
	for i, m := range msgs {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		if err := r.RenderMessage(w, m); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renderer) RenderMessage(w io.Writer, m *chat.Message) error {
	if m == nil || m.Content == nil {
		return nil
	}
	var b strings.Builder
	b.WriteString(r.header(m))
	b.WriteString("\n")

	if m.Content.Reasoning != "" {
		for _, line := range strings.Split(strings.TrimRight(m.Content.Reasoning, "\n"), "\n") {
			b.WriteString(r.style(dimStyle, "  | "+line))
			b.WriteString("\n")
		}
	}
	if m.IsLoading() {
		b.WriteString(r.style(dimStyle, "..."))
		b.WriteString("\n")
	}

	var text strings.Builder
	flush := func() error {
		if text.Len() == 0 {
			return nil
		}
		out, err := r.markdown(text.String())
		if err != nil {
			return err
		}
		b.WriteString(out)
		if !strings.HasSuffix(out, "\n") {
			b.WriteString("\n")
		}
		text.Reset()
		return nil
	}

	for _, p := range m.Content.Parts {
		if p == nil {
			continue
		}
		if p.Type == chat.PartPlain {
			text.WriteString(p.Text)
			continue
		}
		if err := flush(); err != nil {
			return err
		}
		for _, line := range r.partLines(p) {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	if err := flush(); err != nil {
		return err
	}

	if stats := m.Content.AgentStats; stats != nil {
		b.WriteString(r.style(dimStyle, StatsLine(stats)))
		b.WriteString("\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func (r *Renderer) header(m *chat.Message) string {
	label := string(m.Content.Role)
	if m.ID != nil {
		label = fmt.Sprintf("%s #%d", label, *m.ID)
	}
	if m.CreatedAt != "" {
		label += " " + m.CreatedAt
	}
	if m.Content.Role == chat.RoleUser {
		return r.style(userHeader, label)
	}
	return r.style(botHeader, label)
}

func (r *Renderer) partLines(p *chat.MessagePart) []string {
	switch p.Type {
	case chat.PartImage:
		return []string{"[image] " + handle(p.EmbeddedURL)}
	case chat.PartRecord:
		return []string{"[audio] " + handle(p.EmbeddedURL)}
	case chat.PartVideo:
		return []string{"[video] " + handle(p.EmbeddedURL)}
	case chat.PartFile:
		if p.EmbeddedFile == nil {
			return []string{"[file] " + p.Filename}
		}
		return []string{fmt.Sprintf("[file] %s %s", p.EmbeddedFile.Filename, handle(p.EmbeddedFile.URL))}
	case chat.PartReply:
		line := fmt.Sprintf("> reply to #%d", p.MessageID)
		if p.SelectedText != "" {
			line += ": " + p.SelectedText
		}
		return []string{r.style(dimStyle, line)}
	case chat.PartToolCall:
		lines := make([]string, 0, len(p.ToolCalls))
		for _, tc := range p.ToolCalls {
			lines = append(lines, r.toolLine(tc))
		}
		return lines
	default:
		return nil
	}
}

func (r *Renderer) toolLine(tc *chat.ToolCall) string {
	if tc == nil {
		return ""
	}
	args := ""
	if len(tc.Args) > 0 {
		if b, err := json.Marshal(tc.Args); err == nil {
			args = string(b)
		}
	}
	line := fmt.Sprintf("tool %s(%s)", tc.Name, args)
	if !tc.Finished() {
		return r.style(toolStyle, line+" running")
	}
	result := *tc.Result
	if len(result) > 120 {
		result = result[:117] + "..."
	}
	return r.style(toolStyle, line+" -> ") + result
}

func (r *Renderer) markdown(text string) (string, error) {
	if r.md == nil {
		return text, nil
	}
	out, err := r.md.Render(text)
	if err != nil {
		return "", errors.Wrap(err, "render markdown")
	}
	return out, nil
}

func (r *Renderer) style(s lipgloss.Style, text string) string {
	if !r.styled {
		return text
	}
	return s.Render(text)
}

// Failure formats an error line for the terminal.
func (r *Renderer) Failure(err error) string {
	return r.style(failureStyle, "error: "+err.Error())
}

func handle(url string) string {
	if url == "" {
		return "(not downloaded)"
	}
	return url
}

// StatsLine summarizes token usage and timing.
func StatsLine(s *chat.AgentStats) string {
	line := fmt.Sprintf("tokens in=%d cached=%d out=%d",
		s.TokenUsage.InputOther, s.TokenUsage.InputCached, s.TokenUsage.Output)
	if s.EndTime > s.StartTime && s.StartTime > 0 {
		line += fmt.Sprintf(" took=%.1fs", s.EndTime-s.StartTime)
	}
	if s.TimeToFirstToken > 0 {
		line += fmt.Sprintf(" ttft=%.2fs", s.TimeToFirstToken)
	}
	return line
}

// PlainText returns the concatenated plain text of m, for copying.
func PlainText(m *chat.Message) string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m.Content.Text())
}

// LastBotText returns the plain text of the most recent bot message.
func LastBotText(msgs []*chat.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsBot() && !msgs[i].IsLoading() {
			return PlainText(msgs[i])
		}
	}
	return ""
}
