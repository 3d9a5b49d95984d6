package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Command names an operation of the command surface.
type Command string

const (
	CmdLogout           Command = "logout"
	CmdListBooks        Command = "listBooks"
	CmdGetBook          Command = "getBook"
	CmdSearchBooks      Command = "searchBooks"
	CmdCreateBook       Command = "createBook"
	CmdUpdateBook       Command = "updateBook"
	CmdDeleteBook       Command = "deleteBook"
	CmdBorrow           Command = "borrow"
	CmdReturn           Command = "return"
	CmdMyBorrowings     Command = "myBorrowings"
	CmdAllBorrowings    Command = "allBorrowings"
	CmdActiveBorrowings Command = "activeBorrowings"
	CmdListUsers        Command = "listUsers"
	CmdGetUser          Command = "getUser"
	CmdUpdateUser       Command = "updateUser"
	CmdGeneralStats     Command = "generalStats"
	CmdTopBooks         Command = "topBooks"
	CmdTopUsers         Command = "topUsers"
)

// commandRoles is the role each command requires, checked once by authorize
// before dispatch. register and login need no session.
var commandRoles = map[Command]Role{
	CmdLogout:           RoleMember,
	CmdListBooks:        RoleMember,
	CmdGetBook:          RoleMember,
	CmdSearchBooks:      RoleMember,
	CmdCreateBook:       RoleAdmin,
	CmdUpdateBook:       RoleAdmin,
	CmdDeleteBook:       RoleAdmin,
	CmdBorrow:           RoleMember,
	CmdReturn:           RoleMember,
	CmdMyBorrowings:     RoleMember,
	CmdAllBorrowings:    RoleAdmin,
	CmdActiveBorrowings: RoleAdmin,
	CmdListUsers:        RoleAdmin,
	CmdGetUser:          RoleAdmin,
	CmdUpdateUser:       RoleAdmin,
	CmdGeneralStats:     RoleMember,
	CmdTopBooks:         RoleMember,
	CmdTopUsers:         RoleMember,
}

// RequiredRole reports the role a command needs.
func RequiredRole(cmd Command) (Role, bool) {
	r, ok := commandRoles[cmd]
	return r, ok
}

const minPasswordLen = 6

// LibraryManager is the command surface. Every command except Register and
// Login takes the caller's Session and passes it through the Guard first.
type LibraryManager struct {
	db     *Database
	guard  *Guard
	logger *slog.Logger
}

// NewLibraryManager opens (or creates) the SQLite database at dbPath.
func NewLibraryManager(dbPath string, guard *Guard, logger *slog.Logger) (*LibraryManager, error) {
	if guard == nil {
		return nil, errors.New("library manager: nil guard")
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}
	return &LibraryManager{db: db, guard: guard, logger: logger}, nil
}

// Close closes the underlying database.
func (lm *LibraryManager) Close() error { return lm.db.Close() }

// Ping checks the database.
func (lm *LibraryManager) Ping(ctx context.Context) error { return lm.db.Ping(ctx) }

func (lm *LibraryManager) authorize(ctx context.Context, cmd Command, sess *Session) (*Session, error) {
	required, ok := commandRoles[cmd]
	if !ok {
		return nil, fmt.Errorf("unknown command %q", cmd)
	}
	s, err := lm.guard.Authorize(ctx, sess, required)
	if errors.Is(err, ErrAuthorization) {
		lm.logger.Warn("authorization denied",
			slog.String("command", string(cmd)),
			slog.String("error", err.Error()),
		)
	}
	return s, err
}

// ------------------ Sessions ------------------

func hashPassword(password string) (string, error) {
	if len(password) < minPasswordLen {
		return "", validationErr("user", "password", fmt.Sprintf("must be at least %d characters", minPasswordLen))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func (lm *LibraryManager) createUser(ctx context.Context, username, email, password string, role Role) (*User, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}
	u := &User{Username: username, Email: email, PasswordHash: hash, Role: role}
	if err := lm.db.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Register creates a MEMBER account and logs it in.
func (lm *LibraryManager) Register(ctx context.Context, username, email, password string) (*AuthResult, error) {
	u, err := lm.createUser(ctx, username, email, password, RoleMember)
	if err != nil {
		return nil, err
	}
	sess, err := lm.guard.Issue(u)
	if err != nil {
		return nil, err
	}
	lm.logger.Info("user registered", slog.Int64("user_id", u.ID), slog.String("username", u.Username))
	return &AuthResult{Session: *sess, User: *u}, nil
}

// Login checks credentials and issues a session carrying the user's current role.
func (lm *LibraryManager) Login(ctx context.Context, username, password string) (*AuthResult, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return nil, validationErr("user", "", "username and password are required")
	}
	u, err := lm.db.GetUserByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, ErrNotFound) {
		lm.logger.Info("login attempt with unknown username", slog.String("username", username))
		return nil, authenticationErr("invalid credentials")
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		lm.logger.Info("login failed with wrong password", slog.String("username", username))
		return nil, authenticationErr("invalid credentials")
	}

	sess, err := lm.guard.Issue(u)
	if err != nil {
		return nil, err
	}
	lm.logger.Info("user logged in", slog.Int64("user_id", u.ID), slog.String("role", string(u.Role)))
	return &AuthResult{Session: *sess, User: *u}, nil
}

// Logout revokes sess; later commands presenting it fail with AuthenticationError.
func (lm *LibraryManager) Logout(ctx context.Context, sess *Session) error {
	s, err := lm.authorize(ctx, CmdLogout, sess)
	if err != nil {
		return err
	}
	if err := lm.guard.Revoke(ctx, s); err != nil {
		return err
	}
	lm.logger.Info("user logged out", slog.Int64("user_id", s.UserID))
	return nil
}

// CreateAdmin bootstraps an ADMIN account. It is an operator action with
// direct database access and needs no session.
func (lm *LibraryManager) CreateAdmin(ctx context.Context, username, email, password string) (*User, error) {
	u, err := lm.createUser(ctx, username, email, password, RoleAdmin)
	if err != nil {
		return nil, err
	}
	lm.logger.Info("admin created", slog.Int64("user_id", u.ID), slog.String("username", u.Username))
	return u, nil
}

// ------------------ Books ------------------

func (lm *LibraryManager) ListBooks(ctx context.Context, sess *Session) ([]*Book, error) {
	if _, err := lm.authorize(ctx, CmdListBooks, sess); err != nil {
		return nil, err
	}
	return lm.db.ListBooks(ctx)
}

func (lm *LibraryManager) GetBook(ctx context.Context, sess *Session, id int64) (*Book, error) {
	if _, err := lm.authorize(ctx, CmdGetBook, sess); err != nil {
		return nil, err
	}
	return lm.db.GetBook(ctx, id)
}

func (lm *LibraryManager) SearchBooks(ctx context.Context, sess *Session, q string) ([]*Book, error) {
	if _, err := lm.authorize(ctx, CmdSearchBooks, sess); err != nil {
		return nil, err
	}
	return lm.db.SearchBooks(ctx, q)
}

func (lm *LibraryManager) CreateBook(ctx context.Context, sess *Session, in BookInput) (*Book, error) {
	if _, err := lm.authorize(ctx, CmdCreateBook, sess); err != nil {
		return nil, err
	}
	return lm.db.CreateBook(ctx, in)
}

func (lm *LibraryManager) UpdateBook(ctx context.Context, sess *Session, id int64, upd BookUpdate) (*Book, error) {
	if _, err := lm.authorize(ctx, CmdUpdateBook, sess); err != nil {
		return nil, err
	}
	return lm.db.UpdateBook(ctx, id, upd)
}

func (lm *LibraryManager) DeleteBook(ctx context.Context, sess *Session, id int64) error {
	if _, err := lm.authorize(ctx, CmdDeleteBook, sess); err != nil {
		return err
	}
	return lm.db.DeleteBook(ctx, id)
}

// ------------------ Circulation ------------------

// Borrow lends bookID to the session's user.
func (lm *LibraryManager) Borrow(ctx context.Context, sess *Session, bookID int64) (*Borrowing, error) {
	s, err := lm.authorize(ctx, CmdBorrow, sess)
	if err != nil {
		return nil, err
	}
	br, err := lm.db.Borrow(ctx, s.UserID, bookID)
	if err != nil {
		return nil, err
	}
	lm.logger.Info("book borrowed",
		slog.Int64("borrowing_id", br.ID),
		slog.Int64("book_id", br.BookID),
		slog.Int64("user_id", br.UserID),
	)
	return br, nil
}

// Return closes a loan. A member names the book and can only close their own
// loan. An admin may name any borrowing directly; an admin naming a book
// closes their own loan on it.
func (lm *LibraryManager) Return(ctx context.Context, sess *Session, req ReturnRequest) (*Borrowing, error) {
	s, err := lm.authorize(ctx, CmdReturn, sess)
	if err != nil {
		return nil, err
	}

	var br *Borrowing
	switch {
	case req.BookID != 0 && req.BorrowingID != 0:
		return nil, validationErr("borrowing", "", "give either bookId or borrowingId, not both")
	case req.BorrowingID != 0:
		if s.Role != RoleAdmin {
			return nil, &Error{Kind: ErrAuthorization, Entity: "borrowing", ID: req.BorrowingID,
				Msg: "only admins return by borrowing id"}
		}
		br, err = lm.db.ReturnBorrowing(ctx, req.BorrowingID)
	case req.BookID != 0:
		br, err = lm.db.ReturnBook(ctx, s.UserID, req.BookID)
	default:
		return nil, validationErr("borrowing", "bookId", "bookId or borrowingId is required")
	}
	if err != nil {
		return nil, err
	}
	lm.logger.Info("book returned",
		slog.Int64("borrowing_id", br.ID),
		slog.Int64("book_id", br.BookID),
		slog.Int64("user_id", br.UserID),
		slog.Int64("by_user_id", s.UserID),
	)
	return br, nil
}

func (lm *LibraryManager) MyBorrowings(ctx context.Context, sess *Session) ([]*Borrowing, error) {
	s, err := lm.authorize(ctx, CmdMyBorrowings, sess)
	if err != nil {
		return nil, err
	}
	return lm.db.UserBorrowings(ctx, s.UserID)
}

func (lm *LibraryManager) AllBorrowings(ctx context.Context, sess *Session) ([]*Borrowing, error) {
	if _, err := lm.authorize(ctx, CmdAllBorrowings, sess); err != nil {
		return nil, err
	}
	return lm.db.AllBorrowings(ctx)
}

func (lm *LibraryManager) ActiveBorrowings(ctx context.Context, sess *Session) ([]*Borrowing, error) {
	if _, err := lm.authorize(ctx, CmdActiveBorrowings, sess); err != nil {
		return nil, err
	}
	return lm.db.ActiveBorrowings(ctx)
}

// ------------------ Users ------------------

func (lm *LibraryManager) ListUsers(ctx context.Context, sess *Session) ([]*User, error) {
	if _, err := lm.authorize(ctx, CmdListUsers, sess); err != nil {
		return nil, err
	}
	return lm.db.ListUsers(ctx)
}

func (lm *LibraryManager) GetUser(ctx context.Context, sess *Session, id int64) (*User, error) {
	if _, err := lm.authorize(ctx, CmdGetUser, sess); err != nil {
		return nil, err
	}
	return lm.db.GetUser(ctx, id)
}

// UpdateUser edits a profile. A role change applies from the user's next login.
func (lm *LibraryManager) UpdateUser(ctx context.Context, sess *Session, id int64, upd UserUpdate) (*User, error) {
	s, err := lm.authorize(ctx, CmdUpdateUser, sess)
	if err != nil {
		return nil, err
	}
	u, err := lm.db.UpdateUser(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	if upd.Role != nil {
		lm.logger.Info("user role changed",
			slog.Int64("user_id", u.ID),
			slog.String("role", string(u.Role)),
			slog.Int64("by_user_id", s.UserID),
		)
	}
	return u, nil
}

// ------------------ Statistics ------------------

func (lm *LibraryManager) GeneralStats(ctx context.Context, sess *Session) (*GeneralStats, error) {
	if _, err := lm.authorize(ctx, CmdGeneralStats, sess); err != nil {
		return nil, err
	}
	return lm.db.GeneralStats(ctx)
}

// TopBooks returns the n most borrowed books; n <= 0 returns all of them.
func (lm *LibraryManager) TopBooks(ctx context.Context, sess *Session, n int) ([]BookRanking, error) {
	if _, err := lm.authorize(ctx, CmdTopBooks, sess); err != nil {
		return nil, err
	}
	return lm.db.TopBooks(ctx, n)
}

// TopUsers returns the n most active borrowers; n <= 0 returns all of them.
func (lm *LibraryManager) TopUsers(ctx context.Context, sess *Session, n int) ([]UserRanking, error) {
	if _, err := lm.authorize(ctx, CmdTopUsers, sess); err != nil {
		return nil, err
	}
	return lm.db.TopUsers(ctx, n)
}
