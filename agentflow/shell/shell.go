// Package shell implements the interactive chat prompt that drives the turn loop.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/agentflow/agentflow/harness"
	ports "github.com/ZanzyTHEbar/agentflow/agentflow/harness/ports"
)

// PreviewLength is how many characters of a tool result are echoed.
const PreviewLength = 100

// Runner starts one turn loop run.
type Runner interface {
	Run(ctx context.Context, req harness.RunRequest) <-chan harness.Event
}

// Options configures a Shell.
type Options struct {
	MaxIterations int // per submission; 0 uses the runner default
	Logger        zerolog.Logger
}

// Shell reads user lines, runs them through the loop and renders the events.
// It owns the in-memory history between runs.
type Shell struct {
	runner  Runner
	turnLog ports.TurnLog
	in      io.Reader
	out     io.Writer
	opts    Options
	styles  styles
	history []harness.Turn
}

// New creates a shell reading from in and writing to out.
func New(runner Runner, turnLog ports.TurnLog, in io.Reader, out io.Writer, opts Options) *Shell {
	return &Shell{
		runner:  runner,
		turnLog: turnLog,
		in:      in,
		out:     out,
		opts:    opts,
		styles:  newStyles(out),
	}
}

type line struct {
	text string
	err  error
}

// Run loads the persisted history and serves the prompt until exit, EOF or
// ctx cancellation. A run in progress always completes; cancellation is only
// observed at the prompt. Persistence failures end the shell with an error.
func (s *Shell) Run(ctx context.Context) error {
	history, err := s.turnLog.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	s.history = history

	s.printWelcome()

	lines := make(chan line)
	go s.readLines(lines)

	for {
		fmt.Fprint(s.out, "\n"+s.styles.prompt.Render("👤 You:")+" ")

		var next line
		var ok bool
		select {
		case <-ctx.Done():
			s.goodbye()
			return nil
		case next, ok = <-lines:
		}
		if !ok || next.err != nil {
			if next.err != nil && !errors.Is(next.err, io.EOF) {
				return fmt.Errorf("failed to read input: %w", next.err)
			}
			s.goodbye()
			return nil
		}

		input := strings.TrimSpace(next.text)
		if input == "" {
			continue
		}

		switch strings.ToLower(input) {
		case "exit", "quit", "q":
			s.goodbye()
			return nil
		case "clear":
			if err := s.clear(ctx); err != nil {
				return err
			}
			continue
		case "history":
			s.printHistory()
			continue
		}

		if err := s.submit(context.WithoutCancel(ctx), input); err != nil {
			return err
		}
	}
}

// readLines feeds lines until the reader ends. The goroutine outlives Run if
// the reader never returns, which only happens for an interactive stdin at
// process exit.
func (s *Shell) readLines(lines chan<- line) {
	defer close(lines)
	reader := bufio.NewReader(s.in)
	for {
		text, err := reader.ReadString('\n')
		if text != "" {
			lines <- line{text: text}
		}
		if err != nil {
			lines <- line{err: err}
			return
		}
	}
}

// submit drives one run to completion and renders its events.
func (s *Shell) submit(ctx context.Context, input string) error {
	fmt.Fprintln(s.out, "\n"+s.styles.assistant.Render("🤖 AgentFlow:"))

	events := s.runner.Run(ctx, harness.RunRequest{
		History:       s.history,
		Input:         input,
		MaxIterations: s.opts.MaxIterations,
	})

	var fatal error
	for e := range events {
		switch e.Kind {
		case harness.EventContentDelta:
			fmt.Fprint(s.out, e.Text)

		case harness.EventToolCallStarted:
			fmt.Fprintln(s.out, "\n\n"+s.styles.tool.Render("⚙️  using tool: "+e.Call.Name))

		case harness.EventToolResult:
			fmt.Fprintln(s.out, s.styles.result.Render("✅ tool result: "+preview(e.Turn.Content, PreviewLength)))

		case harness.EventStateChanged:
			s.opts.Logger.Debug().Str("state", string(e.State)).Int("iteration", e.Iteration).Msg("loop state")

		case harness.EventRunFinished:
			s.history = e.History
			fmt.Fprintln(s.out)

		case harness.EventRunFailed:
			s.history = e.History
			if errors.Is(e.Err, harness.ErrPersistence) {
				fatal = e.Err
				fmt.Fprintln(s.out, "\n"+s.styles.err.Render("❌ could not save the conversation: "+e.Err.Error()))
				continue
			}
			fmt.Fprintln(s.out, "\n"+s.styles.err.Render("❌ an error occurred: "+e.Err.Error()))
			fmt.Fprintln(s.out, s.styles.muted.Render("Please try again."))
		}
	}

	return fatal
}

func (s *Shell) clear(ctx context.Context) error {
	if err := s.turnLog.Clear(ctx); err != nil {
		return fmt.Errorf("%w: %w", harness.ErrPersistence, err)
	}
	s.history = nil
	fmt.Fprintln(s.out, s.styles.muted.Render("🧹 Conversation history cleared."))
	return nil
}

func (s *Shell) printHistory() {
	if len(s.history) == 0 {
		fmt.Fprintln(s.out, s.styles.muted.Render("(no conversation history)"))
		return
	}
	PrintTurns(s.out, s.history)
}

// PrintTurns writes a one-line summary per turn.
func PrintTurns(w io.Writer, turns []harness.Turn) {
	st := newStyles(w)
	for _, t := range turns {
		stamp := t.CreatedAt.Local().Format(time.DateTime)
		label := string(t.Role)
		if t.Role == harness.RoleTool && t.Metadata.ToolName != "" {
			label += ":" + t.Metadata.ToolName
		}
		body := t.Content
		if t.Role == harness.RoleAssistant && len(t.Metadata.ToolCalls) > 0 {
			names := make([]string, len(t.Metadata.ToolCalls))
			for i, c := range t.Metadata.ToolCalls {
				names[i] = c.Name
			}
			body = strings.TrimSpace(body + " [calls " + strings.Join(names, ", ") + "]")
		}
		fmt.Fprintf(w, "%s %s %s\n", st.muted.Render(stamp), st.banner.Render(label+":"), preview(body, PreviewLength))
	}
}

func (s *Shell) printWelcome() {
	fmt.Fprintln(s.out, s.styles.banner.Render("🤖 Welcome to the AgentFlow CLI chatbot!"))
	fmt.Fprintln(s.out, "💬 Type a message to talk to the agent.")
	fmt.Fprintln(s.out, "🚪 Type 'exit', 'quit' or 'q' to leave.")
	fmt.Fprintln(s.out, "🔄 Type 'clear' to erase the conversation history.")
	fmt.Fprintln(s.out, "📜 Type 'history' to list the saved conversation.")
	if n := len(s.history); n > 0 {
		fmt.Fprintln(s.out, s.styles.muted.Render(fmt.Sprintf("Resumed %d saved turns.", n)))
	}
	fmt.Fprintln(s.out, strings.Repeat("-", 50))
}

func (s *Shell) goodbye() {
	fmt.Fprintln(s.out, "\n\n👋 Goodbye!")
}

// preview shortens s to n characters, marking the cut with "...".
func preview(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
