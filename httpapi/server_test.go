package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-lending/library"
)

type testAPI struct {
	t     *testing.T
	srv   *Server
	admin string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	guard, err := library.NewGuard("test-secret", time.Hour, logger)
	require.NoError(t, err)
	mgr, err := library.NewLibraryManager(filepath.Join(t.TempDir(), "api.db"), guard, logger)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	ctx := context.Background()
	_, err = mgr.CreateAdmin(ctx, "root", "root@example.com", "rootpass")
	require.NoError(t, err)
	res, err := mgr.Login(ctx, "root", "rootpass")
	require.NoError(t, err)

	return &testAPI{t: t, srv: NewServer(mgr, logger), admin: res.Session.Token}
}

func (a *testAPI) do(method, path, token string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(a.t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (a *testAPI) register(name string) string {
	a.t.Helper()
	w := a.do("POST", "/api/auth/register", "", gin.H{
		"username": name, "email": name + "@example.com", "password": "secret1",
	})
	require.Equal(a.t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[library.AuthResult](a.t, w)
	assert.Equal(a.t, library.RoleMember, res.User.Role)
	return res.Session.Token
}

func (a *testAPI) createBook(title, isbn string, stock int) library.Book {
	a.t.Helper()
	w := a.do("POST", "/api/books", a.admin, gin.H{"title": title, "author": "Author", "isbn": isbn, "stock": stock})
	require.Equal(a.t, http.StatusCreated, w.Code, w.Body.String())
	return decode[library.Book](a.t, w)
}

func TestHealthCheck(t *testing.T) {
	a := newTestAPI(t)
	w := a.do("GET", "/manage/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "UP", decode[map[string]string](t, w)["status"])
}

func TestMissingToken(t *testing.T) {
	a := newTestAPI(t)
	w := a.do("GET", "/api/books", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	w = a.do("GET", "/api/books", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "not authenticated", decode[map[string]any](t, w)["error"])
}

func TestLoginFlow(t *testing.T) {
	a := newTestAPI(t)
	a.register("alice")

	w := a.do("POST", "/api/auth/login", "", gin.H{"username": "alice", "password": "nope123"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.do("POST", "/api/auth/login", "", gin.H{"username": "alice", "password": "secret1"})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[library.AuthResult](t, w)
	assert.Equal(t, "alice", res.User.Username)
	assert.NotContains(t, w.Body.String(), "password")

	w = a.do("POST", "/api/auth/logout", res.Session.Token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = a.do("GET", "/api/books", res.Session.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.do("POST", "/api/auth/register", "", gin.H{"username": "alice", "email": "x@example.com", "password": "secret1"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestBookEndpoints(t *testing.T) {
	a := newTestAPI(t)
	member := a.register("alice")

	w := a.do("POST", "/api/books", member, gin.H{"title": "Dune", "author": "Herbert", "isbn": "123", "stock": 2})
	assert.Equal(t, http.StatusForbidden, w.Code)

	dune := a.createBook("Dune", "123", 2)
	a.createBook("Emma", "456", 0)

	w = a.do("POST", "/api/books", a.admin, gin.H{"title": "Dup", "author": "X", "isbn": "123", "stock": 1})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = a.do("POST", "/api/books", a.admin, gin.H{"title": "", "author": "X", "isbn": "9", "stock": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "title", decode[map[string]any](t, w)["field"])

	w = a.do("GET", "/api/books", member, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]library.Book](t, w), 2)

	w = a.do("GET", "/api/books/search?q=dun", member, nil)
	require.Equal(t, http.StatusOK, w.Code)
	found := decode[[]library.Book](t, w)
	require.Len(t, found, 1)
	assert.Equal(t, "Dune", found[0].Title)

	w = a.do("GET", fmt.Sprintf("/api/books/%d", dune.ID), member, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = a.do("GET", "/api/books/999", member, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = a.do("GET", "/api/books/abc", member, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do("PUT", fmt.Sprintf("/api/books/%d", dune.ID), a.admin, gin.H{"stock": 5})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, decode[library.Book](t, w).Stock)

	w = a.do("DELETE", fmt.Sprintf("/api/books/%d", dune.ID), member, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = a.do("DELETE", fmt.Sprintf("/api/books/%d", dune.ID), a.admin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = a.do("GET", fmt.Sprintf("/api/books/%d", dune.ID), member, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCirculationEndpoints(t *testing.T) {
	a := newTestAPI(t)
	alice := a.register("alice")
	bob := a.register("bob")
	carol := a.register("carol")
	dune := a.createBook("Dune", "123", 2)

	w := a.do("POST", "/api/borrowings/borrow", alice, gin.H{"bookId": dune.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	loan := decode[library.Borrowing](t, w)
	assert.Nil(t, loan.ReturnedAt)
	assert.Equal(t, "Dune", loan.BookTitle)

	w = a.do("POST", "/api/borrowings/borrow", alice, gin.H{"bookId": dune.ID})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already borrowed", decode[map[string]any](t, w)["error"])

	w = a.do("POST", "/api/borrowings/borrow", bob, gin.H{"bookId": dune.ID})
	require.Equal(t, http.StatusCreated, w.Code)
	bobLoan := decode[library.Borrowing](t, w)

	w = a.do("POST", "/api/borrowings/borrow", carol, gin.H{"bookId": dune.ID})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "out of stock", decode[map[string]any](t, w)["error"])

	w = a.do("POST", "/api/borrowings/borrow", carol, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do("POST", "/api/borrowings/return", alice, gin.H{"borrowingId": bobLoan.ID})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do("POST", "/api/borrowings/return", alice, gin.H{"bookId": dune.ID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, decode[library.Borrowing](t, w).ReturnedAt)

	w = a.do("POST", "/api/borrowings/return", alice, gin.H{"bookId": dune.ID})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do("GET", "/api/borrowings/active", alice, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = a.do("GET", "/api/borrowings/active", a.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]library.Borrowing](t, w), 1)

	w = a.do("POST", "/api/borrowings/return", a.admin, gin.H{"borrowingId": bobLoan.ID})
	assert.Equal(t, http.StatusOK, w.Code)

	w = a.do("GET", "/api/borrowings", a.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]library.Borrowing](t, w), 2)

	w = a.do("GET", "/api/borrowings/my", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]library.Borrowing](t, w), 1)

	w = a.do("GET", "/api/stats/general", carol, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[library.GeneralStats](t, w)
	assert.Equal(t, int64(2), stats.TotalBorrowings)
	assert.Equal(t, int64(0), stats.ActiveBorrowings)
	assert.Equal(t, int64(1), stats.AvailableBooks)

	w = a.do("GET", "/api/stats/top-books?limit=1", carol, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]library.BookRanking](t, w), 1)
	w = a.do("GET", "/api/stats/top-users", carol, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]library.UserRanking](t, w), 2)
	w = a.do("GET", "/api/stats/top-users?limit=-2", carol, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUserEndpoints(t *testing.T) {
	a := newTestAPI(t)
	alice := a.register("alice")

	w := a.do("GET", "/api/users", alice, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do("GET", "/api/users", a.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	users := decode[[]library.User](t, w)
	require.Len(t, users, 2)
	aliceID := users[1].ID

	w = a.do("PUT", fmt.Sprintf("/api/users/%d", aliceID), a.admin, gin.H{"role": "ADMIN"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, library.RoleAdmin, decode[library.User](t, w).Role)

	w = a.do("PUT", fmt.Sprintf("/api/users/%d", aliceID), a.admin, gin.H{"role": "GOD"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do("GET", "/api/users/999", a.admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestAPI(t)
	a.do("GET", "/manage/health", "", nil)
	w := a.do("GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "library_http_requests_total")
}

func TestWriteErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := &Server{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	tests := []struct {
		err  error
		code int
	}{
		{&library.Error{Kind: library.ErrValidation}, http.StatusBadRequest},
		{&library.Error{Kind: library.ErrNotFound, Entity: "book", ID: 3}, http.StatusNotFound},
		{&library.Error{Kind: library.ErrConflict}, http.StatusConflict},
		{&library.Error{Kind: library.ErrOutOfStock}, http.StatusConflict},
		{&library.Error{Kind: library.ErrAlreadyBorrowed}, http.StatusConflict},
		{&library.Error{Kind: library.ErrAuthorization}, http.StatusForbidden},
		{&library.Error{Kind: library.ErrAuthentication}, http.StatusUnauthorized},
		{fmt.Errorf("wrapped: %w", &library.Error{Kind: library.ErrNotFound}), http.StatusNotFound},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest("GET", "/", nil)

		s.writeError(c, tt.err)

		assert.Equal(t, tt.code, w.Code, tt.err.Error())
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/", nil)
	s.writeError(c, errors.New("secret detail"))
	assert.NotContains(t, w.Body.String(), "secret detail")
}
