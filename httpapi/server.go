package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"library-lending/library"
)

// Library is the command surface the HTTP layer serves.
type Library interface {
	Register(ctx context.Context, username, email, password string) (*library.AuthResult, error)
	Login(ctx context.Context, username, password string) (*library.AuthResult, error)
	Logout(ctx context.Context, sess *library.Session) error

	ListBooks(ctx context.Context, sess *library.Session) ([]*library.Book, error)
	GetBook(ctx context.Context, sess *library.Session, id int64) (*library.Book, error)
	SearchBooks(ctx context.Context, sess *library.Session, q string) ([]*library.Book, error)
	CreateBook(ctx context.Context, sess *library.Session, in library.BookInput) (*library.Book, error)
	UpdateBook(ctx context.Context, sess *library.Session, id int64, upd library.BookUpdate) (*library.Book, error)
	DeleteBook(ctx context.Context, sess *library.Session, id int64) error

	Borrow(ctx context.Context, sess *library.Session, bookID int64) (*library.Borrowing, error)
	Return(ctx context.Context, sess *library.Session, req library.ReturnRequest) (*library.Borrowing, error)
	MyBorrowings(ctx context.Context, sess *library.Session) ([]*library.Borrowing, error)
	AllBorrowings(ctx context.Context, sess *library.Session) ([]*library.Borrowing, error)
	ActiveBorrowings(ctx context.Context, sess *library.Session) ([]*library.Borrowing, error)

	ListUsers(ctx context.Context, sess *library.Session) ([]*library.User, error)
	GetUser(ctx context.Context, sess *library.Session, id int64) (*library.User, error)
	UpdateUser(ctx context.Context, sess *library.Session, id int64, upd library.UserUpdate) (*library.User, error)

	GeneralStats(ctx context.Context, sess *library.Session) (*library.GeneralStats, error)
	TopBooks(ctx context.Context, sess *library.Session, n int) ([]library.BookRanking, error)
	TopUsers(ctx context.Context, sess *library.Session, n int) ([]library.UserRanking, error)

	Ping(ctx context.Context) error
}

// Server exposes a Library over JSON.
type Server struct {
	lib    Library
	logger *slog.Logger
	engine *gin.Engine
}

func NewServer(lib Library, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{lib: lib, logger: logger, engine: gin.New()}
	s.engine.Use(gin.Recovery(), observeRequests())
	s.routes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	r := s.engine
	r.GET("/manage/health", s.healthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := r.Group("/api/auth")
	auth.POST("/register", s.register)
	auth.POST("/login", s.login)
	auth.POST("/logout", withSession, s.logout)

	api := r.Group("/api", withSession)

	books := api.Group("/books")
	books.GET("", s.listBooks)
	books.GET("/search", s.searchBooks)
	books.GET("/:id", s.getBook)
	books.POST("", s.createBook)
	books.PUT("/:id", s.updateBook)
	books.DELETE("/:id", s.deleteBook)

	borrowings := api.Group("/borrowings")
	borrowings.POST("/borrow", s.borrow)
	borrowings.POST("/return", s.returnBook)
	borrowings.GET("/my", s.myBorrowings)
	borrowings.GET("", s.allBorrowings)
	borrowings.GET("/active", s.activeBorrowings)

	users := api.Group("/users")
	users.GET("", s.listUsers)
	users.GET("/:id", s.getUser)
	users.PUT("/:id", s.updateUser)

	stats := api.Group("/stats")
	stats.GET("/general", s.generalStats)
	stats.GET("/top-books", s.topBooks)
	stats.GET("/top-users", s.topUsers)
}

const sessionKey = "session"

// withSession attaches the bearer token as the request's Session. The
// Library validates it; this only rejects requests that carry none.
func withSession(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		c.Header("WWW-Authenticate", `Bearer realm="library"`)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   library.ErrAuthentication.Error(),
			"message": "missing bearer token",
		})
		return
	}
	c.Set(sessionKey, &library.Session{Token: strings.TrimSpace(token)})
	c.Next()
}

func session(c *gin.Context) *library.Session {
	sess, _ := c.MustGet(sessionKey).(*library.Session)
	return sess
}

func (s *Server) healthCheck(c *gin.Context) {
	if err := s.lib.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DOWN", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}
