package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/fatih/color"
	"github.com/iksnae/chattabs/internal"
	"github.com/iksnae/chattabs/internal/tabs"
	"github.com/spf13/cobra"
)

var (
	promptColor    = color.New(color.FgGreen, color.Bold)
	assistantColor = color.New(color.FgCyan)
	userColor      = color.New(color.FgBlue, color.Bold)
	noticeColor    = color.New(color.FgYellow)
	errorColor     = color.New(color.FgRed)
	activeTabColor = color.New(color.FgMagenta, color.Bold)
)

var (
	defaultWriteClipboard = clipboard.WriteAll
	writeClipboard        = defaultWriteClipboard
)

const replHelp = `Commands:
  /tabs              List open tabs
  /new               Open a new tab
  /switch <n|id>     Switch to tab number n or the tab whose id starts with id
  /rename <title>    Rename the active tab
  /close             Close the active tab
  /history           Print the messages of the active tab
  /copy              Copy the last reply to the clipboard
  /help              Show this help
  /exit              Quit
Anything else is sent as a message in the active tab.`

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open the interactive tabbed chat",
	Long: `Open an interactive client. Every tab is one chat on the server; replies are
printed as they stream in. Type /help for the list of commands.

If the server cannot be reached after a few retries a local tab is opened
so drafts can still be typed; sending from it reports the connection error.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r := newREPL(cmd.OutOrStdout())
		r.mgr = tabs.New(newGateway(),
			tabs.WithRetry(cfg.RetryAttempts, cfg.RetryDelay()),
			tabs.WithDefaultTitle(cfg.DefaultTitle),
			tabs.WithListener(r.onChange),
		)
		return r.run(cmd.Context(), cmd.InOrStdin())
	},
}

// repl is the line-oriented front end of a tabs.Manager
type repl struct {
	mgr *tabs.Manager
	out io.Writer

	// streaming state, guarded by mu
	mu        sync.Mutex
	streaming string
	started   bool
	printed   int
}

func newREPL(out io.Writer) *repl {
	return &repl{out: out}
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	if err := r.mgr.Load(ctx); err != nil {
		noticeColor.Fprintf(r.out, "Server unavailable, working in a local tab: %v\n", err)
	}
	r.mgr.Wait()
	r.printTabs()
	fmt.Fprintln(r.out, "Type /help for commands.")

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		r.prompt()
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !r.handle(ctx, line) {
			break
		}
	}
	fmt.Fprintln(r.out)

	r.mgr.Wait()
	r.saveTranscripts(ctx)

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}

func (r *repl) prompt() {
	title := "?"
	if sess, ok := r.mgr.Snapshot().Active(); ok {
		title = sess.Title
	}
	promptColor.Fprintf(r.out, "[%s]> ", title)
}

// handle executes one input line and reports whether the loop continues
func (r *repl) handle(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, "/") {
		r.send(ctx, line)
		return true
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/exit", "/quit":
		return false
	case "/help":
		fmt.Fprintln(r.out, replHelp)
	case "/tabs":
		r.printTabs()
	case "/new":
		sess, err := r.mgr.Create(ctx)
		if err != nil {
			r.printError(err)
			return true
		}
		noticeColor.Fprintf(r.out, "Opened %q\n", sess.Title)
	case "/switch":
		r.switchTab(ctx, arg)
	case "/rename":
		if err := r.mgr.Rename(ctx, r.activeID(), arg); err != nil {
			r.printError(err)
			return true
		}
		noticeColor.Fprintf(r.out, "Renamed to %q\n", strings.TrimSpace(arg))
	case "/close":
		if err := r.mgr.Close(ctx, r.activeID()); err != nil {
			r.printError(err)
			return true
		}
		r.mgr.Wait()
		r.printTabs()
	case "/history":
		r.printHistory()
	case "/copy":
		r.copyLastReply()
	default:
		errorColor.Fprintf(r.out, "Unknown command %s, type /help\n", name)
	}
	return true
}

func (r *repl) activeID() string {
	return r.mgr.Snapshot().ActiveID
}

func (r *repl) send(ctx context.Context, text string) {
	id := r.activeID()
	if err := r.mgr.SetDraft(id, text); err != nil {
		r.printError(err)
		return
	}

	r.mu.Lock()
	r.streaming, r.started, r.printed = id, false, 0
	r.mu.Unlock()

	assistantColor.Fprint(r.out, "Assistant: ")
	start := time.Now()
	err := r.mgr.Send(ctx, id)

	r.mu.Lock()
	r.streaming = ""
	r.mu.Unlock()
	fmt.Fprintln(r.out)

	if err != nil {
		r.printError(err)
		return
	}
	internal.LogDebug("Reply received in %v", time.Since(start))
}

// onChange prints newly streamed text of the reply being received
func (r *repl) onChange(snap tabs.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.streaming == "" {
		return
	}
	sess, _, ok := snap.Find(r.streaming)
	if !ok || len(sess.Messages) == 0 {
		return
	}
	// the placeholder is the last message from the first pending update on,
	// and the update that clears Pending may still add text
	if sess.Pending {
		r.started = true
	}
	last := sess.Messages[len(sess.Messages)-1]
	if !r.started || last.Role != internal.RoleAssistant || strings.HasPrefix(last.Content, "Error: ") {
		return
	}
	reply := last.Content
	if len(reply) > r.printed {
		fmt.Fprint(r.out, reply[r.printed:])
		r.printed = len(reply)
	}
}

func (r *repl) switchTab(ctx context.Context, arg string) {
	snap := r.mgr.Snapshot()
	id := ""
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(snap.Sessions) {
		id = snap.Sessions[n-1].ID
	} else if arg != "" {
		for _, sess := range snap.Sessions {
			if strings.HasPrefix(sess.ID, arg) {
				id = sess.ID
				break
			}
		}
	}
	if id == "" {
		errorColor.Fprintf(r.out, "No tab %q, see /tabs\n", arg)
		return
	}

	if err := r.mgr.Activate(ctx, id); err != nil {
		r.printError(err)
	}
	r.printHistory()
}

func (r *repl) printTabs() {
	snap := r.mgr.Snapshot()
	for i, sess := range snap.Sessions {
		label := fmt.Sprintf("%d. %s", i+1, sess.Title)
		if sess.Local {
			label += " (local)"
		}
		short := sess.ID
		if len(short) > 8 {
			short = short[:8]
		}
		if sess.ID == snap.ActiveID {
			activeTabColor.Fprintf(r.out, "* %s", label)
		} else {
			fmt.Fprintf(r.out, "  %s", label)
		}
		fmt.Fprintf(r.out, "  %s\n", short)
	}
}

func (r *repl) printHistory() {
	sess, ok := r.mgr.Snapshot().Active()
	if !ok {
		return
	}
	if len(sess.Messages) == 0 {
		noticeColor.Fprintf(r.out, "%s has no messages yet\n", sess.Title)
		return
	}
	for _, msg := range sess.Messages {
		if msg.Role == internal.RoleUser {
			userColor.Fprint(r.out, "You: ")
		} else {
			assistantColor.Fprint(r.out, "Assistant: ")
		}
		fmt.Fprintln(r.out, msg.Content)
	}
}

func (r *repl) copyLastReply() {
	sess, ok := r.mgr.Snapshot().Active()
	if !ok {
		return
	}
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		msg := sess.Messages[i]
		if msg.Role != internal.RoleAssistant || msg.Content == "" {
			continue
		}
		if err := writeClipboard(msg.Content); err != nil {
			r.printError(fmt.Errorf("failed to copy to clipboard: %w", err))
			return
		}
		noticeColor.Fprintln(r.out, "Copied last reply to the clipboard")
		return
	}
	noticeColor.Fprintln(r.out, "Nothing to copy yet")
}

func (r *repl) printError(err error) {
	switch {
	case errors.Is(err, tabs.ErrLastSession):
		errorColor.Fprintln(r.out, "Cannot close the last tab")
	case errors.Is(err, tabs.ErrSendInFlight):
		errorColor.Fprintln(r.out, "Wait for the current reply to finish")
	default:
		errorColor.Fprintf(r.out, "Error: %v\n", err)
	}
}

// saveTranscripts caches every tab whose history was loaded from the server
func (r *repl) saveTranscripts(ctx context.Context) {
	cache, err := openCache()
	if err != nil {
		internal.LogWarn("%v", err)
		return
	}
	defer cache.Close()

	now := time.Now()
	for _, sess := range r.mgr.Snapshot().Sessions {
		if sess.Local || !sess.Loaded {
			continue
		}
		chat := &internal.ChatRecord{
			ChatSummary: internal.ChatSummary{ID: sess.ID, Title: sess.Title, UpdatedAt: now},
			Messages:    sess.Messages,
		}
		if err := cache.SaveChat(ctx, chat); err != nil {
			internal.LogWarn("Failed to cache chat %s: %v", sess.ID, err)
		}
	}
}

func init() {
	rootCmd.AddCommand(chatCmd)
}
