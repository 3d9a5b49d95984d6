package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-lending/library"
)

func newTestManager(t *testing.T) *library.LibraryManager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	guard, err := library.NewGuard("test-secret", time.Hour, logger)
	require.NoError(t, err)
	mgr, err := library.NewLibraryManager(filepath.Join(t.TempDir(), "repl.db"), guard, logger)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	_, err = mgr.CreateAdmin(context.Background(), "root", "root@example.com", "rootpass")
	require.NoError(t, err)
	return mgr
}

func runScript(t *testing.T, mgr *library.LibraryManager, lines ...string) string {
	t.Helper()
	var out bytes.Buffer
	r := newREPL(context.Background(), strings.NewReader(strings.Join(lines, "\n")+"\n"), &out, mgr)
	require.NoError(t, r.run())
	return out.String()
}

func TestREPLRequiresLogin(t *testing.T) {
	mgr := newTestManager(t)
	out := runScript(t, mgr, "list books", "exit")
	assert.Contains(t, out, "Not logged in.")
	assert.Contains(t, out, "Goodbye!")
}

func TestREPLAdminAndMemberFlow(t *testing.T) {
	mgr := newTestManager(t)
	out := runScript(t, mgr,
		"login", "root", "rootpass",
		"add book", "Dune", "Frank Herbert", "123", "1",
		"list books",
		"logout",
		"register", "alice", "alice@example.com", "secret1",
		"add book", "Emma", "Jane Austen", "456", "1",
		"borrow", "1",
		"search book", "dun",
		"my borrowings",
		"return", "1",
		"stats",
		"whoami",
		"bogus",
		"exit",
	)

	assert.Contains(t, out, "Logged in as root (ADMIN)")
	assert.Contains(t, out, "Added book ID 1.")
	assert.Contains(t, out, "Logged out.")
	assert.Contains(t, out, "Registered and logged in as alice")
	assert.Contains(t, out, "Error: user 2: not authorized")
	assert.Contains(t, out, "Borrowed 'Dune'")
	assert.Contains(t, out, "Found 1 book(s) matching 'dun'")
	assert.Contains(t, out, "Returned 'Dune' (borrowed by alice).")
	assert.Contains(t, out, "1. Dune by Frank Herbert (1)")
	assert.Contains(t, out, "alice <alice@example.com>")
	assert.Contains(t, out, "Unknown command.")
}

func TestREPLAdminReturnsByBorrowingID(t *testing.T) {
	mgr := newTestManager(t)
	out := runScript(t, mgr,
		"register", "bob", "bob@example.com", "secret1",
		"logout",
		"login", "root", "rootpass",
		"add book", "Dune", "Frank Herbert", "123", "1",
		"logout",
		"login", "bob", "secret1",
		"borrow", "1",
		"logout",
		"login", "root", "rootpass",
		"active borrowings",
		"return", "1",
		"active borrowings",
		"exit",
	)
	assert.Contains(t, out, "Returned 'Dune' (borrowed by bob).")
	assert.Contains(t, out, "No borrowings.")
}

func TestREPLEndsRevokedSession(t *testing.T) {
	mgr := newTestManager(t)
	var out bytes.Buffer
	in := strings.NewReader("login\nroot\nrootpass\n")
	r := newREPL(context.Background(), in, &out, mgr)
	require.NoError(t, r.run())
	require.Equal(t, library.StateAuthenticated, r.holder.State())

	// Revoke the session behind the holder's back.
	sess, err := r.holder.Current()
	require.NoError(t, err)
	require.NoError(t, mgr.Logout(context.Background(), sess))

	r.sc = bufioScanner("list books\nlist books\nexit\n")
	require.NoError(t, r.run())
	assert.Contains(t, out.String(), "Your session is no longer valid. Please log in again.")
	assert.Contains(t, out.String(), "Not logged in. Use 'login' or 'register' first.")
	assert.Equal(t, library.StateUnauthenticated, r.holder.State())
}

// unreachableRevocations answers lookups but cannot record a logout.
type unreachableRevocations struct {
	*library.MemoryRevocations
}

func (unreachableRevocations) Revoke(context.Context, string, time.Time) error {
	return errors.New("revocation store unreachable")
}

func TestREPLLogoutKeepsSessionWhenRevokeFails(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	guard, err := library.NewGuard("test-secret", time.Hour, logger,
		library.WithRevocationStore(unreachableRevocations{library.NewMemoryRevocations()}))
	require.NoError(t, err)
	mgr, err := library.NewLibraryManager(filepath.Join(t.TempDir(), "repl.db"), guard, logger)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	_, err = mgr.CreateAdmin(context.Background(), "root", "root@example.com", "rootpass")
	require.NoError(t, err)

	var out bytes.Buffer
	r := newREPL(context.Background(), strings.NewReader("login\nroot\nrootpass\nlogout\n"), &out, mgr)
	require.NoError(t, r.run())

	assert.Contains(t, out.String(), "revocation store unreachable")
	assert.Contains(t, out.String(), "Logout failed; you are still logged in.")
	assert.NotContains(t, out.String(), "Logged out.")
	assert.Equal(t, library.StateAuthenticated, r.holder.State())
}

func TestREPLLogoutAfterRevocation(t *testing.T) {
	mgr := newTestManager(t)
	var out bytes.Buffer
	r := newREPL(context.Background(), strings.NewReader("login\nroot\nrootpass\n"), &out, mgr)
	require.NoError(t, r.run())
	sess, err := r.holder.Current()
	require.NoError(t, err)
	require.NoError(t, mgr.Logout(context.Background(), sess))

	r.sc = bufioScanner("logout\n")
	require.NoError(t, r.run())
	assert.Contains(t, out.String(), "Your session is no longer valid.")
	assert.NotContains(t, out.String(), "Logged out.")
	assert.Equal(t, library.StateUnauthenticated, r.holder.State())
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"Dune", 10, "Dune"},
		{"Émile ou De l'éducation", 23, "Émile ou De l'éducation"},
		{"Émile ou De l'éducation", 17, "Émile ou De l'..."},
		{"Éléphant", 3, "Élé"},
		{"Война и мир", 8, "Война..."},
	}
	for _, tt := range tests {
		got := truncateString(tt.in, tt.max)
		assert.Equal(t, tt.want, got)
		assert.True(t, utf8.ValidString(got))
		assert.LessOrEqual(t, utf8.RuneCountInString(got), tt.max)
	}
}

func bufioScanner(s string) *bufio.Scanner { return bufio.NewScanner(strings.NewReader(s)) }
