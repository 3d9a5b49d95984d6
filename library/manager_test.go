package library

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *LibraryManager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	guard, err := NewGuard("test-secret", time.Hour, logger)
	require.NoError(t, err)
	mgr, err := NewLibraryManager(filepath.Join(t.TempDir(), "lib.db"), guard, logger)
	if err != nil {
		t.Fatalf("mgr: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func adminSession(t *testing.T, mgr *LibraryManager) *Session {
	t.Helper()
	ctx := context.Background()
	_, err := mgr.CreateAdmin(ctx, "root", "root@example.com", "rootpass")
	require.NoError(t, err)
	res, err := mgr.Login(ctx, "root", "rootpass")
	require.NoError(t, err)
	return &res.Session
}

func memberSession(t *testing.T, mgr *LibraryManager, name string) *Session {
	t.Helper()
	res, err := mgr.Register(context.Background(), name, name+"@example.com", "secret1")
	require.NoError(t, err)
	return &res.Session
}

func TestRegisterAndLogin(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()

	res, err := mgr.Register(ctx, "alice", "alice@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, RoleMember, res.User.Role)
	assert.Equal(t, RoleMember, res.Session.Role)
	assert.Equal(t, res.User.ID, res.Session.UserID)
	assert.NotEmpty(t, res.Session.Token)
	assert.NotEqual(t, "secret1", res.User.PasswordHash)

	_, err = mgr.Register(ctx, "alice", "other@example.com", "secret1")
	assert.ErrorIs(t, err, ErrConflict)
	_, err = mgr.Register(ctx, "bob", "bob@example.com", "short")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = mgr.Register(ctx, "", "bob@example.com", "secret1")
	assert.ErrorIs(t, err, ErrValidation)

	login, err := mgr.Login(ctx, "alice", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "alice", login.User.Username)

	_, err = mgr.Login(ctx, "alice", "wrong-password")
	assert.ErrorIs(t, err, ErrAuthentication)
	_, err = mgr.Login(ctx, "nobody", "secret1")
	assert.ErrorIs(t, err, ErrAuthentication)
	_, err = mgr.Login(ctx, "", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCommandsNeedSession(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()

	_, err := mgr.ListBooks(ctx, nil)
	assert.ErrorIs(t, err, ErrAuthentication)
	_, err = mgr.Borrow(ctx, &Session{Token: "bogus"}, 1)
	assert.ErrorIs(t, err, ErrAuthentication)
	_, err = mgr.GeneralStats(ctx, &Session{})
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestMemberCannotCreateBook(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	admin := adminSession(t, mgr)
	member := memberSession(t, mgr, "alice")
	in := BookInput{Title: "Dune", Author: "Herbert", ISBN: "123", Stock: 2}

	_, err := mgr.CreateBook(ctx, member, in)
	assert.ErrorIs(t, err, ErrAuthorization)

	b, err := mgr.CreateBook(ctx, admin, in)
	require.NoError(t, err)

	title := "x"
	_, err = mgr.UpdateBook(ctx, member, b.ID, BookUpdate{Title: &title})
	assert.ErrorIs(t, err, ErrAuthorization)
	assert.ErrorIs(t, mgr.DeleteBook(ctx, member, b.ID), ErrAuthorization)
	_, err = mgr.AllBorrowings(ctx, member)
	assert.ErrorIs(t, err, ErrAuthorization)
	_, err = mgr.ActiveBorrowings(ctx, member)
	assert.ErrorIs(t, err, ErrAuthorization)
	_, err = mgr.ListUsers(ctx, member)
	assert.ErrorIs(t, err, ErrAuthorization)
	_, err = mgr.GetUser(ctx, member, 1)
	assert.ErrorIs(t, err, ErrAuthorization)

	got, err := mgr.GetBook(ctx, member, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dune", got.Title)
}

func TestEveryCommandHasARole(t *testing.T) {
	for _, cmd := range []Command{
		CmdLogout, CmdListBooks, CmdGetBook, CmdSearchBooks, CmdCreateBook, CmdUpdateBook, CmdDeleteBook,
		CmdBorrow, CmdReturn, CmdMyBorrowings, CmdAllBorrowings, CmdActiveBorrowings,
		CmdListUsers, CmdGetUser, CmdUpdateUser, CmdGeneralStats, CmdTopBooks, CmdTopUsers,
	} {
		role, ok := RequiredRole(cmd)
		assert.True(t, ok, cmd)
		assert.True(t, role.Valid(), cmd)
	}
}

func TestBorrowAndReturnThroughManager(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	admin := adminSession(t, mgr)
	alice := memberSession(t, mgr, "alice")
	bob := memberSession(t, mgr, "bob")

	b, err := mgr.CreateBook(ctx, admin, BookInput{Title: "Dune", Author: "Herbert", ISBN: "123", Stock: 2})
	require.NoError(t, err)

	brA, err := mgr.Borrow(ctx, alice, b.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.UserID, brA.UserID)
	brB, err := mgr.Borrow(ctx, bob, b.ID)
	require.NoError(t, err)

	// Members return by book, never by borrowing id.
	_, err = mgr.Return(ctx, alice, ReturnRequest{BorrowingID: brB.ID})
	assert.ErrorIs(t, err, ErrAuthorization)
	_, err = mgr.Return(ctx, alice, ReturnRequest{})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = mgr.Return(ctx, alice, ReturnRequest{BookID: b.ID, BorrowingID: brA.ID})
	assert.ErrorIs(t, err, ErrValidation)

	ret, err := mgr.Return(ctx, alice, ReturnRequest{BookID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, brA.ID, ret.ID)

	// Admins close anyone's loan by id.
	ret, err = mgr.Return(ctx, admin, ReturnRequest{BorrowingID: brB.ID})
	require.NoError(t, err)
	assert.Equal(t, bob.UserID, ret.UserID)
	_, err = mgr.Return(ctx, admin, ReturnRequest{BorrowingID: brB.ID})
	assert.ErrorIs(t, err, ErrNotFound)

	mine, err := mgr.MyBorrowings(ctx, alice)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.False(t, mine[0].Active())

	book, err := mgr.GetBook(ctx, alice, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, book.Stock)

	stats, err := mgr.GeneralStats(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalBorrowings)
	assert.Equal(t, int64(0), stats.ActiveBorrowings)

	top, err := mgr.TopUsers(ctx, bob, 10)
	require.NoError(t, err)
	assert.Len(t, top, 2)
	topBooks, err := mgr.TopBooks(ctx, bob, 10)
	require.NoError(t, err)
	require.Len(t, topBooks, 1)
	assert.Equal(t, int64(2), topBooks[0].Count)
}

func TestLogoutRevokesSession(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	alice := memberSession(t, mgr, "alice")

	_, err := mgr.ListBooks(ctx, alice)
	require.NoError(t, err)
	require.NoError(t, mgr.Logout(ctx, alice))

	_, err = mgr.ListBooks(ctx, alice)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.ErrorIs(t, mgr.Logout(ctx, alice), ErrAuthentication)

	// A new login works.
	res, err := mgr.Login(ctx, "alice", "secret1")
	require.NoError(t, err)
	_, err = mgr.ListBooks(ctx, &res.Session)
	assert.NoError(t, err)
}

func TestRoleChangeAppliesAtNextLogin(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	admin := adminSession(t, mgr)
	alice := memberSession(t, mgr, "alice")

	role := RoleAdmin
	u, err := mgr.UpdateUser(ctx, admin, alice.UserID, UserUpdate{Role: &role})
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, u.Role)

	_, err = mgr.ListUsers(ctx, alice)
	assert.ErrorIs(t, err, ErrAuthorization)

	res, err := mgr.Login(ctx, "alice", "secret1")
	require.NoError(t, err)
	users, err := mgr.ListUsers(ctx, &res.Session)
	require.NoError(t, err)
	assert.Len(t, users, 2)

	got, err := mgr.GetUser(ctx, &res.Session, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, got.Role)
}

func TestSearchThroughManager(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	admin := adminSession(t, mgr)
	for _, in := range []BookInput{
		{Title: "Dune", Author: "Herbert", ISBN: "123", Stock: 2},
		{Title: "Emma", Author: "Austen", ISBN: "456", Stock: 0},
	} {
		_, err := mgr.CreateBook(ctx, admin, in)
		require.NoError(t, err)
	}
	alice := memberSession(t, mgr, "alice")

	got, err := mgr.SearchBooks(ctx, alice, "dun")
	require.NoError(t, err)
	assert.Equal(t, []string{"Dune"}, titles(got))

	got, err = mgr.SearchBooks(ctx, alice, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"Dune", "Emma"}, titles(got))
}
