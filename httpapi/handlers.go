package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"library-lending/library"
)

func badRequest(field, msg string) error {
	return &library.Error{Kind: library.ErrValidation, Field: field, Msg: msg}
}

func (s *Server) bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		s.writeError(c, badRequest("", "invalid JSON body: "+err.Error()))
		return false
	}
	return true
}

func (s *Server) pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(c, badRequest("id", "must be a positive integer"))
		return 0, false
	}
	return id, true
}

// ------------------ Auth ------------------

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) register(c *gin.Context) {
	var req registerRequest
	if !s.bind(c, &req) {
		return
	}
	res, err := s.lib.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if !s.bind(c, &req) {
		return
	}
	res, err := s.lib.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) logout(c *gin.Context) {
	if err := s.lib.Logout(c.Request.Context(), session(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ------------------ Books ------------------

func (s *Server) listBooks(c *gin.Context) {
	books, err := s.lib.ListBooks(c.Request.Context(), session(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, books)
}

func (s *Server) searchBooks(c *gin.Context) {
	books, err := s.lib.SearchBooks(c.Request.Context(), session(c), c.Query("q"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, books)
}

func (s *Server) getBook(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	book, err := s.lib.GetBook(c.Request.Context(), session(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (s *Server) createBook(c *gin.Context) {
	var in library.BookInput
	if !s.bind(c, &in) {
		return
	}
	book, err := s.lib.CreateBook(c.Request.Context(), session(c), in)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, book)
}

func (s *Server) updateBook(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	var upd library.BookUpdate
	if !s.bind(c, &upd) {
		return
	}
	book, err := s.lib.UpdateBook(c.Request.Context(), session(c), id, upd)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (s *Server) deleteBook(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	if err := s.lib.DeleteBook(c.Request.Context(), session(c), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ------------------ Borrowings ------------------

type borrowRequest struct {
	BookID int64 `json:"bookId"`
}

func (s *Server) borrow(c *gin.Context) {
	var req borrowRequest
	if !s.bind(c, &req) {
		return
	}
	if req.BookID <= 0 {
		s.writeError(c, badRequest("bookId", "is required"))
		return
	}
	br, err := s.lib.Borrow(c.Request.Context(), session(c), req.BookID)
	observeCirculation("borrow", err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, br)
}

func (s *Server) returnBook(c *gin.Context) {
	var req library.ReturnRequest
	if !s.bind(c, &req) {
		return
	}
	br, err := s.lib.Return(c.Request.Context(), session(c), req)
	observeCirculation("return", err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, br)
}

func (s *Server) myBorrowings(c *gin.Context) {
	list, err := s.lib.MyBorrowings(c.Request.Context(), session(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) allBorrowings(c *gin.Context) {
	list, err := s.lib.AllBorrowings(c.Request.Context(), session(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) activeBorrowings(c *gin.Context) {
	list, err := s.lib.ActiveBorrowings(c.Request.Context(), session(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// ------------------ Users ------------------

func (s *Server) listUsers(c *gin.Context) {
	users, err := s.lib.ListUsers(c.Request.Context(), session(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (s *Server) getUser(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	u, err := s.lib.GetUser(c.Request.Context(), session(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) updateUser(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	var upd library.UserUpdate
	if !s.bind(c, &upd) {
		return
	}
	u, err := s.lib.UpdateUser(c.Request.Context(), session(c), id, upd)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// ------------------ Stats ------------------

func (s *Server) generalStats(c *gin.Context) {
	stats, err := s.lib.GeneralStats(c.Request.Context(), session(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// limit reads ?limit=; absent means every ranked entry.
func (s *Server) limit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		s.writeError(c, badRequest("limit", "must be a non-negative integer"))
		return 0, false
	}
	return n, true
}

func (s *Server) topBooks(c *gin.Context) {
	n, ok := s.limit(c)
	if !ok {
		return
	}
	list, err := s.lib.TopBooks(c.Request.Context(), session(c), n)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) topUsers(c *gin.Context) {
	n, ok := s.limit(c)
	if !ok {
		return
	}
	list, err := s.lib.TopUsers(c.Request.Context(), session(c), n)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}
