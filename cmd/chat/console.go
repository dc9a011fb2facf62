package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"lingo-chat/domain/conversation"
	"lingo-chat/realtime"
	"lingo-chat/runtime"
	"log/slog"
	"strings"
	"sync"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
)

const help = "commands: /call, /to <id>, /retry, /status, /quit, anything else is sent as a message"

// session is the part of the SessionController the console drives.
type session interface {
	SetTarget(targetID string)
	Retry()
	Snapshot() runtime.Snapshot
	Changes() <-chan struct{}
	SendCallInvite(ctx context.Context) error
}

// Terminal serialises writes of the console, the notifier and the message handler.
type Terminal struct {
	mu  sync.Mutex
	out io.Writer
}

func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{out: out}
}

func (t *Terminal) Println(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprintln(t.out, line)
}

func (t *Terminal) Success(message string) {
	t.Println(color.New(color.FgGreen).Render("✔ " + message))
}

func (t *Terminal) Error(message string) {
	t.Println(color.New(color.FgRed).Render("✘ " + message))
}

// Incoming prints messages pushed by the backend, except our own echoes.
func (t *Terminal) Incoming(identity conversation.Identity, message realtime.Message) {
	if message.UserID == identity.ID {
		return
	}
	author := color.New(color.FgCyan, color.OpBold).Render(message.UserID)
	t.Println(fmt.Sprintf("%s [%s] %s", author, message.Lang, message.Text))
}

func (t *Terminal) Status(snapshot runtime.Snapshot, target string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	table := tablewriter.NewWriter(t.out)
	table.SetHeader([]string{"State", "Channel", "Target", "Error"})
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.Append([]string{snapshot.State.String(), snapshot.ChannelKey.String(), target, snapshot.ErrorMessage})
	table.Render()
}

// Console reads commands from in and renders the session state changes.
type Console struct {
	log      *slog.Logger
	in       io.Reader
	terminal *Terminal
	session  session
	quit     func()
	target   string
}

func NewConsole(log *slog.Logger, in io.Reader, terminal *Terminal,
	session session, target string, quit func()) *Console {
	return &Console{log: log, in: in, terminal: terminal, session: session, target: target, quit: quit}
}

func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.terminal.Println(help)
	last := c.session.Snapshot().State
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.session.Changes():
			snapshot := c.session.Snapshot()
			if snapshot.State != last {
				last = snapshot.State
				c.render(snapshot)
			}
		case line, ok := <-lines:
			if !ok {
				c.log.Debug("Input closed")
				c.quit()
				return nil
			}
			if done := c.handle(ctx, strings.TrimSpace(line)); done {
				c.quit()
				return nil
			}
		}
	}
}

func (c *Console) render(snapshot runtime.Snapshot) {
	switch snapshot.State {
	case conversation.Initializing:
		c.terminal.Println("Connecting to chat...")
	case conversation.Ready:
		c.terminal.Println(fmt.Sprintf("Connected to %s", snapshot.ChannelKey))
	case conversation.AwaitingInputs:
		c.terminal.Println("Waiting for a signed-in user and a chat partner (/to <id>)")
	case conversation.Error:
		c.terminal.Println(fmt.Sprintf("Chat unavailable: %s (/retry)", snapshot.ErrorMessage))
	}
}

// handle runs one input line and reports whether the console should stop.
func (c *Console) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	command, arg, _ := strings.Cut(line, " ")
	switch command {
	case "/quit":
		return true
	case "/call":
		if err := c.session.SendCallInvite(ctx); err != nil {
			c.terminal.Error(err.Error())
		}
	case "/to":
		c.target = strings.TrimSpace(arg)
		c.session.SetTarget(c.target)
	case "/retry":
		c.session.Retry()
	case "/status":
		c.terminal.Status(c.session.Snapshot(), c.target)
	case "/help":
		c.terminal.Println(help)
	default:
		c.send(ctx, line)
	}
	return false
}

func (c *Console) send(ctx context.Context, text string) {
	snapshot := c.session.Snapshot()
	if !snapshot.IsReady() || snapshot.Channel == nil {
		c.terminal.Error("Chat is not ready yet")
		return
	}
	if err := snapshot.Channel.SendMessage(ctx, text); err != nil {
		c.log.Warn("Message not sent", "channel", snapshot.ChannelKey, "error", err)
		c.terminal.Error(err.Error())
	}
}
