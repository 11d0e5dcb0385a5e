package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/PaulBabatuyi/chatview/internal/client"
	"github.com/PaulBabatuyi/chatview/internal/data"
	"github.com/PaulBabatuyi/chatview/internal/normalize"
	"github.com/PaulBabatuyi/chatview/internal/notify"
	"github.com/PaulBabatuyi/chatview/internal/state"
	"github.com/PaulBabatuyi/chatview/internal/view"
)

const helpText = `commands:
  /list            show conversations
  /with <user>     open the conversation with user
  /away, /back     toggle window focus
  /quit            exit
anything else is sent to the open conversation
`

// directory is the part of the HTTP client the commands use.
type directory interface {
	ListConversations(ctx context.Context) ([]data.Conversation, error)
	UserProfile(ctx context.Context, query string) (*data.User, error)
}

type sender interface {
	Send(ctx context.Context, text string) error
}

type app struct {
	api       directory
	view      sender
	selection *state.Atom[data.Selection]
	convs     *state.Atom[[]data.Conversation]
	focus     *notify.FocusFlag
	toaster   notify.Toaster
	screen    *screen
	logger    *slog.Logger
}

// handleLine runs one line of input and reports whether to quit.
func (a *app) handleLine(ctx context.Context, line string, out io.Writer) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		a.send(ctx, line, out)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/list":
		a.printConversations(out)
	case "/with":
		if arg == "" {
			fmt.Fprintln(out, "usage: /with <user>")
			return false
		}
		if err := a.open(ctx, arg); err != nil {
			fmt.Fprintf(out, "cannot open %s: %v\n", arg, err)
		}
	case "/away":
		a.focus.Set(false)
	case "/back":
		a.focus.Set(true)
	default:
		fmt.Fprint(out, helpText)
	}
	return false
}

// open selects the conversation with username, or a mock one when the two
// users have never talked.
func (a *app) open(ctx context.Context, username string) error {
	if conv, ok := a.findByUsername(username); ok {
		a.selection.Set(data.SelectionFor(conv))
		return nil
	}

	u, err := a.api.UserProfile(ctx, username)
	if err != nil {
		return err
	}
	if conv, ok := a.findByUserID(u.ID); ok {
		a.selection.Set(data.SelectionFor(conv))
		return nil
	}
	a.selection.Set(data.Selection{
		ID:             uuid.NewString(),
		UserID:         u.ID,
		Username:       u.Username,
		UserProfilePic: u.ProfilePic,
		Mock:           true,
	})
	return nil
}

func (a *app) send(ctx context.Context, text string, out io.Writer) {
	sel := a.selection.Get()
	if sel.Empty() {
		fmt.Fprintln(out, "no conversation open, use /with <user>")
		return
	}

	if err := a.view.Send(ctx, text); err != nil {
		var apiErr *client.APIError
		if !errors.As(err, &apiErr) && !errors.Is(err, view.ErrEmptyMessage) {
			a.logger.Warn("send failed", "error", err)
		}
		return
	}

	if sel.Mock {
		// the first message created the conversation; switch to it
		a.refresh(ctx)
		if conv, ok := a.findByUserID(sel.UserID); ok {
			a.selection.Set(data.SelectionFor(conv))
			notify.Success(a.toaster, "started a conversation with "+sel.Username)
		}
	}
}

func (a *app) refresh(ctx context.Context) {
	convs, err := a.api.ListConversations(ctx)
	if err != nil {
		a.logger.Warn("refresh conversations failed", "error", err)
		return
	}
	a.convs.Set(convs)
}

func (a *app) findByUsername(username string) (data.Conversation, bool) {
	username = normalize.Username(username)
	for _, c := range a.convs.Get() {
		if normalize.Username(c.Username) == username {
			return c, true
		}
	}
	return data.Conversation{}, false
}

func (a *app) findByUserID(userID string) (data.Conversation, bool) {
	for _, c := range a.convs.Get() {
		if normalize.SameID(c.UserID, userID) {
			return c, true
		}
	}
	return data.Conversation{}, false
}

func (a *app) printConversations(out io.Writer) {
	convs := a.convs.Get()
	if len(convs) == 0 {
		fmt.Fprintln(out, "no conversations yet, use /with <user>")
		return
	}
	active := a.selection.Get().ID
	for _, c := range convs {
		marker := " "
		if c.ID == active {
			marker = "*"
		}
		preview := c.LastMessage.Text
		if !c.LastMessage.Seen && normalize.SameID(c.LastMessage.Sender, c.UserID) {
			preview += " •"
		}
		fmt.Fprintf(out, "%s %-16s %s\n", marker, c.Username, preview)
	}
}

// screen redraws the view on every change.
type screen struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *screen) draw(snap view.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.w, "\033[H\033[2J")
	_ = view.WriteText(s.w, view.Render(snap))
}
