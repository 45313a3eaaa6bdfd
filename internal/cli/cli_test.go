package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoravur/passerby/internal/app"
	"github.com/zoravur/passerby/internal/backend"
	"github.com/zoravur/passerby/internal/config"
	"github.com/zoravur/passerby/internal/social"
)

type harness struct {
	t *testing.T
	e *env
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &config.Config{Backend: config.BackendConfig{Driver: config.DriverMemory}}
	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return &harness{t: t, e: &env{app: a, now: time.Now}}
}

// run executes one command line with stdin and returns its output.
func (h *harness) run(stdin string, args ...string) (string, error) {
	h.t.Helper()
	var out bytes.Buffer
	root := newRootCmd(h.e)
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (h *harness) must(stdin string, args ...string) string {
	h.t.Helper()
	out, err := h.run(stdin, args...)
	require.NoError(h.t, err, "passerby %s: %s", strings.Join(args, " "), message(err))
	return out
}

// register signs up, signs in and picks a username.
func (h *harness) register(name string) {
	h.t.Helper()
	email := name + "@example.com"
	h.must("", "signup", email, "--password", "secret1", "--confirm", "secret1")
	h.must("secret1\n", "login", email)
	h.must("", "username", name)
}

func (h *harness) login(name string) {
	h.t.Helper()
	h.must("", "login", name+"@example.com", "--password", "secret1")
}

func TestAccountAndFeed(t *testing.T) {
	h := newHarness(t)

	out := h.must("", "signup", "ann@example.com", "--password", "secret1", "--confirm", "secret1")
	assert.Contains(t, out, "Account created")
	out = h.must("secret1\n", "login", "ann@example.com")
	assert.Equal(t, "Signed in as ann@example.com\n", out)
	assert.Equal(t, "Username set to @ann\n", h.must("", "username", "Ann"))
	assert.Equal(t, "ann (@ann)\n", h.must("", "whoami"))

	assert.Contains(t, h.must("", "post", "hello", "world"), "Posted ")
	out = h.must("", "feed")
	assert.Contains(t, out, "hello world")
	assert.Contains(t, out, "now")

	_, err := h.run("", "post", "   ")
	assert.Equal(t, "Post cannot be empty", message(err))

	assert.Equal(t, "Signed out\n", h.must("", "logout"))
	_, err = h.run("", "post", "hi")
	assert.Equal(t, "Sign in first", message(err))
}

func TestDriverHelpNotesMemoryIsPerProcess(t *testing.T) {
	root := NewRootCmd()
	f := root.PersistentFlags().Lookup("driver")
	require.NotNil(t, f)
	assert.Contains(t, f.Usage, "memory keeps accounts and data for one process only")
}

func TestSignUpPasswordMismatch(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("secret1\nsecret2\n", "signup", "ann@example.com")
	assert.Equal(t, "Passwords do not match", message(err))
}

func TestFriendRequestFlow(t *testing.T) {
	h := newHarness(t)
	h.register("bob")
	h.register("ann")

	_, err := h.run("", "friends", "add", "ann")
	assert.Equal(t, "You can't add yourself as a friend", message(err))
	assert.Equal(t, "Friend request sent to @bob\n", h.must("", "friends", "add", " Bob "))
	_, err = h.run("", "friends", "add", "bob")
	assert.Error(t, err, "second request is rejected")

	h.login("bob")
	out := h.must("bogus\naccept 7\naccept 1\n", "requests")
	assert.Contains(t, out, "Friend requests (1):")
	assert.Contains(t, out, "1. ann (@ann)")
	assert.Contains(t, out, "Commands: accept N, decline N, quit")
	assert.Contains(t, out, `No request "7"`)

	assert.Equal(t, "ann (@ann)\n", h.must("", "friends"))
	h.login("ann")
	assert.Equal(t, "bob (@bob)\n", h.must("", "friends"))
}

func TestChatAndInbox(t *testing.T) {
	h := newHarness(t)
	h.register("ann")
	h.register("bob")
	h.must("", "friends", "add", "ann")
	h.login("ann")
	h.must("accept 1\n", "requests")

	out := h.must("", "inbox")
	assert.Equal(t, "No conversations yet\n", out)

	h.login("bob")
	out = h.must("hey ann\n/quit\nnot sent\n", "chat", "ann")
	assert.Contains(t, out, "Chatting with ann")

	mem, ok := h.e.app.Memory()
	require.True(t, ok)
	recs, err := mem.Query(context.Background(), backend.Query{Collection: social.Messages})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "hey ann", recs[0].String("body"))

	h.login("ann")
	out = h.must("", "inbox", "--sort", "unread")
	assert.Contains(t, out, "* bob")
	assert.Contains(t, out, "hey ann")

	out = h.must("", "chat", "bob")
	assert.Contains(t, out, "bob: hey ann")
}

func TestInboxText(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	ps := []social.ConversationPreview{{
		Conversation: social.Conversation{ID: "c1", LastMessageAt: social.Timestamp{Time: now.Add(-5 * time.Minute)}},
		Other:        &social.User{FirstName: "Bob", LastName: "Ray"},
		Last:         &social.Message{Body: "yo", CreatedAt: social.Timestamp{Time: now.Add(-5 * time.Minute)}},
		Unread:       true,
	}, {
		Conversation: social.Conversation{ID: "c2"},
	}}
	assert.Equal(t, "* Bob Ray  5m  yo\n  Unknown\n", inboxText(ps, now))
}

func TestTailTopic(t *testing.T) {
	f := backend.Eq("conversation_id", "c1")
	want := backend.Topic{Collection: "messages", Filter: &f, Events: []backend.EventKind{backend.EventInsert}}

	got, err := tailTopic([]string{"messages"}, "", "conversation_id=eq.c1", "insert")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = tailTopic(nil, backend.EncodeTopic("public", want), "", "")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = tailTopic(nil, "", "", "")
	assert.Equal(t, "Name a collection or pass --handle", message(err))
	_, err = tailTopic([]string{"messages"}, "", "nonsense", "")
	var ve *backend.ValidationError
	assert.ErrorAs(t, err, &ve)
}
