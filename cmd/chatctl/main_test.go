package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"livechat/internal/api"
	"livechat/internal/config"
	"livechat/internal/filestore"
	lchttp "livechat/internal/http"
	"livechat/internal/identity"
	"livechat/internal/logging"
	"livechat/internal/models"
	"livechat/internal/relay"
	"livechat/internal/storage"

	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T) (*storage.BboltStorage, string) {
	t.Helper()
	dir := t.TempDir()

	st, err := storage.NewBboltStorage(filepath.Join(dir, "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	files, err := filestore.NewLocalFileStore(filepath.Join(dir, "uploads"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := relay.NewHub(logging.Discard())
	handlers := api.New(ctx, api.Config{MaxUploadBytes: 1 << 20}, st, files, hub, nil)
	srv := httptest.NewServer(lchttp.NewAPIHandler(handlers, hub, logging.Discard()))
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	t.Setenv("API_URL", srv.URL)
	t.Setenv("RELAY_URL", "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/realtime")
	return st, srv.URL
}

func runCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, strings.NewReader(stdin), &out)
	return out.String(), err
}

func TestRun_Usage(t *testing.T) {
	t.Setenv("SESSION_DB", filepath.Join(t.TempDir(), "session.db"))

	_, err := runCommand(t, "")
	require.ErrorIs(t, err, errUsage)

	_, err = runCommand(t, "", "dance")
	require.ErrorIs(t, err, errUsage)
}

func TestRun_LoginLogout(t *testing.T) {
	t.Setenv("SESSION_DB", filepath.Join(t.TempDir(), "session.db"))

	out, err := runCommand(t, "", "whoami")
	require.NoError(t, err)
	require.Equal(t, "not logged in\n", out)

	_, err = runCommand(t, "", "login", "bad_id")
	require.Error(t, err)

	out, err = runCommand(t, "", "login", "alice", "--name", "Alice Liddell")
	require.NoError(t, err)
	require.Equal(t, "logged in as alice\n", out)

	out, err = runCommand(t, "", "whoami")
	require.NoError(t, err)
	require.Equal(t, "alice (Alice Liddell)\n", out)

	_, err = runCommand(t, "", "logout")
	require.NoError(t, err)

	_, err = runCommand(t, "", "send", "bob", "hello")
	require.ErrorContains(t, err, "not logged in")
}

func TestRun_VAPIDKeys(t *testing.T) {
	out, err := runCommand(t, "", "vapid-keys")
	require.NoError(t, err)
	require.Contains(t, out, "VAPID_PUBLIC_KEY=")
	require.Contains(t, out, "VAPID_PRIVATE_KEY=")
}

func TestRun_Send(t *testing.T) {
	st, _ := startRelay(t)
	t.Setenv("SESSION_DB", filepath.Join(t.TempDir(), "session.db"))

	_, err := runCommand(t, "", "login", "alice")
	require.NoError(t, err)

	attachment := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(attachment, []byte("remember the milk"), 0o600))

	out, err := runCommand(t, "", "send", "bob", "see", "attached", "--attach", attachment)
	require.NoError(t, err)
	require.Contains(t, out, "attached /api/files/")
	require.True(t, strings.HasSuffix(out, "sent\n"))

	msgs, err := st.ListMessages("dm_alice_bob", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "see attached", msgs[0].Text)
	require.Equal(t, "notes.txt", msgs[0].AttachmentName)
}

func TestRun_Chat(t *testing.T) {
	st, _ := startRelay(t)
	t.Setenv("SESSION_DB", filepath.Join(t.TempDir(), "session.db"))
	t.Setenv("DELIVERY", "relay")

	_, err := runCommand(t, "", "login", "alice")
	require.NoError(t, err)

	_, err = runCommand(t, "\nhello room\n/quit\n", "chat", "room_general")
	require.NoError(t, err)

	// Relay delivery does not persist.
	msgs, err := st.ListMessages("room_general", 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

// syncBuffer lets the test read chat output while chat is still writing it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// startChat runs chat for alice against a fresh relay until it returns.
func startChat(t *testing.T) (*identity.Store, string, *syncBuffer, <-chan error) {
	t.Helper()
	startRelay(t)
	path := filepath.Join(t.TempDir(), "session.db")
	t.Setenv("SESSION_DB", path)

	cfg, err := config.LoadClient()
	require.NoError(t, err)

	store, err := identity.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Save(models.Identity{ID: "alice", Username: "alice"}))

	// stdin stays open so only a logout can end the chat.
	stdin, stdinW := io.Pipe()
	t.Cleanup(func() { _ = stdinW.Close() })

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- chat(context.Background(), cfg, store, []string{"bob"}, stdin, out) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "* open") }, 5*time.Second, 10*time.Millisecond)
	return store, path, out, done
}

func waitChatExit(t *testing.T, done <-chan error, out *syncBuffer) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("chat kept running after logout")
	}
	require.Contains(t, out.String(), "* closed")
	require.Contains(t, out.String(), "logged out\n")
}

func TestChat_EndsOnLogout(t *testing.T) {
	store, _, out, done := startChat(t)

	require.NoError(t, store.Clear())
	waitChatExit(t, done, out)
}

func TestChat_EndsOnLogoutFromAnotherProcess(t *testing.T) {
	sessionCheckInterval = 20 * time.Millisecond
	t.Cleanup(func() { sessionCheckInterval = time.Second })

	_, path, out, done := startChat(t)

	// A separate handle on the same file stands in for "chatctl logout".
	other, err := identity.Open(path)
	require.NoError(t, err)
	defer func() { _ = other.Close() }()
	require.NoError(t, other.Clear())

	waitChatExit(t, done, out)
}
