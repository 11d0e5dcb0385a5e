package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/PaulBabatuyi/chatview/internal/data"
	"github.com/PaulBabatuyi/chatview/internal/notify"
	"github.com/PaulBabatuyi/chatview/internal/state"
	"github.com/PaulBabatuyi/chatview/internal/view"
)

type fakeDirectory struct {
	users map[string]data.User
	convs []data.Conversation
}

func (f *fakeDirectory) ListConversations(context.Context) ([]data.Conversation, error) {
	return f.convs, nil
}

func (f *fakeDirectory) UserProfile(_ context.Context, q string) (*data.User, error) {
	u, ok := f.users[q]
	if !ok {
		return nil, data.ErrNotFound
	}
	return &u, nil
}

type fakeSender struct {
	sent []string
	// onSend runs after a successful send
	onSend func()
}

func (f *fakeSender) Send(_ context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return view.ErrEmptyMessage
	}
	f.sent = append(f.sent, text)
	if f.onSend != nil {
		f.onSend()
	}
	return nil
}

func newTestApp(dir *fakeDirectory, s *fakeSender) *app {
	return &app{
		api:       dir,
		view:      s,
		selection: state.NewAtom(data.Selection{}),
		convs:     state.NewAtom(dir.convs),
		focus:     notify.NewFocusFlag(true),
		screen:    &screen{w: io.Discard},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestHandleLine_WithExistingConversation(t *testing.T) {
	dir := &fakeDirectory{convs: []data.Conversation{{ID: "C1", UserID: "u2", Username: "bob"}}}
	a := newTestApp(dir, &fakeSender{})

	if quit := a.handleLine(context.Background(), "/with Bob", io.Discard); quit {
		t.Fatalf("unexpected quit")
	}
	sel := a.selection.Get()
	if sel.ID != "C1" || sel.UserID != "u2" || sel.Mock {
		t.Fatalf("unexpected selection %+v", sel)
	}
}

func TestHandleLine_WithNewUserCreatesMock(t *testing.T) {
	dir := &fakeDirectory{users: map[string]data.User{"carol": {ID: "u3", Username: "carol"}}}
	s := &fakeSender{}
	a := newTestApp(dir, s)
	var toasts []notify.Toast
	a.toaster = notify.ToasterFunc(func(t notify.Toast) { toasts = append(toasts, t) })
	ctx := context.Background()

	a.handleLine(ctx, "/with carol", io.Discard)
	sel := a.selection.Get()
	if !sel.Mock || sel.UserID != "u3" || sel.ID == "" {
		t.Fatalf("expected mock selection for carol, got %+v", sel)
	}

	// the first send creates the conversation; the view moves onto it
	s.onSend = func() {
		dir.convs = []data.Conversation{{ID: "C9", UserID: "u3", Username: "carol"}}
	}
	a.handleLine(ctx, "hello carol", io.Discard)
	if len(s.sent) != 1 {
		t.Fatalf("expected one send, got %v", s.sent)
	}
	if sel := a.selection.Get(); sel.ID != "C9" || sel.Mock {
		t.Fatalf("expected the real conversation after the first send, got %+v", sel)
	}
	if len(toasts) != 1 || toasts[0].Status != notify.StatusSuccess {
		t.Fatalf("expected one success toast, got %+v", toasts)
	}
}

func TestHandleLine_UnknownUser(t *testing.T) {
	a := newTestApp(&fakeDirectory{}, &fakeSender{})
	var out bytes.Buffer

	a.handleLine(context.Background(), "/with ghost", &out)
	if !strings.Contains(out.String(), "cannot open ghost") {
		t.Fatalf("expected an error line, got %q", out.String())
	}
	if !a.selection.Get().Empty() {
		t.Fatalf("selection should stay empty")
	}
}

func TestHandleLine_SendRequiresSelection(t *testing.T) {
	s := &fakeSender{}
	a := newTestApp(&fakeDirectory{}, s)
	var out bytes.Buffer

	a.handleLine(context.Background(), "hi", &out)
	if len(s.sent) != 0 || !strings.Contains(out.String(), "no conversation open") {
		t.Fatalf("send without selection should be refused: %v %q", s.sent, out.String())
	}
}

func TestHandleLine_FocusAndQuit(t *testing.T) {
	a := newTestApp(&fakeDirectory{}, &fakeSender{})
	ctx := context.Background()

	a.handleLine(ctx, "/away", io.Discard)
	if a.focus.HasFocus() {
		t.Fatalf("expected focus lost")
	}
	a.handleLine(ctx, "/back", io.Discard)
	if !a.focus.HasFocus() {
		t.Fatalf("expected focus regained")
	}
	if !a.handleLine(ctx, "/quit", io.Discard) {
		t.Fatalf("expected quit")
	}
}

func TestPrintConversations_MarksUnread(t *testing.T) {
	dir := &fakeDirectory{convs: []data.Conversation{
		{ID: "C1", UserID: "u2", Username: "bob", LastMessage: data.LastMessage{Text: "yo", Sender: "u2"}},
		{ID: "C2", UserID: "u3", Username: "carol", LastMessage: data.LastMessage{Text: "sent", Sender: "u1"}},
	}}
	a := newTestApp(dir, &fakeSender{})
	a.selection.Set(data.SelectionFor(dir.convs[0]))

	var out bytes.Buffer
	a.printConversations(&out)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out.String())
	}
	if !strings.HasPrefix(lines[0], "*") || !strings.HasSuffix(lines[0], "yo •") {
		t.Fatalf("unexpected first line %q", lines[0])
	}
	if strings.HasSuffix(lines[1], "•") {
		t.Fatalf("own last message is not unread: %q", lines[1])
	}
}
