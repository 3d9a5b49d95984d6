package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// driverName is go-sqlite3 with a fold(text) function that lowercases with
// Unicode rules. SQLite's built-in lower() only folds ASCII.
const driverName = "sqlite3_library"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("fold", strings.ToLower, true)
		},
	})
}

// Database is the inventory ledger and loan history on top of SQLite.
//
// Every mutating method runs in a write transaction that SQLite opens with
// BEGIN IMMEDIATE (see the _txlock DSN flag), so the read-check-write
// sequences below are serialized against each other. Reads go through WAL and
// never wait on writers.
type Database struct {
	db  *sql.DB
	now func() time.Time

	insertBookStmt      *sql.Stmt
	insertUserStmt      *sql.Stmt
	insertBorrowingStmt *sql.Stmt
}

// NewDatabase opens (or creates) the SQLite database at dbPath, applies schema
// migrations, and prepares common statements.
func NewDatabase(dbPath string) (*Database, error) {
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate", dbPath)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	database := &Database{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	if err := database.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return database, nil
}

// Close releases prepared statements and closes the DB.
func (d *Database) Close() error {
	for _, stmt := range []*sql.Stmt{d.insertBookStmt, d.insertUserStmt, d.insertBorrowingStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return d.db.Close()
}

// Ping checks that the database is reachable.
func (d *Database) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 1

func applyMigrations(db *sql.DB) error {
	// WAL keeps readers off the writer's lock.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            username TEXT NOT NULL UNIQUE,
            email TEXT NOT NULL UNIQUE,
            password_hash TEXT NOT NULL,
            role TEXT NOT NULL CHECK (role IN ('ADMIN','MEMBER')),
            created_at DATETIME NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS books (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            isbn TEXT NOT NULL,
            stock INTEGER NOT NULL CHECK (stock >= 0),
            created_at DATETIME NOT NULL,
            deleted_at DATETIME
        );`,
		// ISBNs are unique among books still in the catalog.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_books_isbn_live ON books(isbn) WHERE deleted_at IS NULL;`,
		`CREATE TABLE IF NOT EXISTS borrowings (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            book_id INTEGER NOT NULL REFERENCES books(id),
            user_id INTEGER NOT NULL REFERENCES users(id),
            borrowed_at DATETIME NOT NULL,
            returned_at DATETIME
        );`,
		// At most one open loan per (user, book).
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_borrowings_active ON borrowings(user_id, book_id) WHERE returned_at IS NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_borrowings_book ON borrowings(book_id);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO meta(key,value) VALUES('schema_version',?)
        ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, schemaVersion); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}

	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Prepared statements
// ---------------------------------------------------------------------------

func (d *Database) prepareStatements() error {
	var err error
	if d.insertBookStmt, err = d.db.Prepare(`INSERT INTO books(title,author,isbn,stock,created_at) VALUES(?,?,?,?,?)`); err != nil {
		return err
	}
	if d.insertUserStmt, err = d.db.Prepare(`INSERT INTO users(username,email,password_hash,role,created_at) VALUES(?,?,?,?,?)`); err != nil {
		return err
	}
	if d.insertBorrowingStmt, err = d.db.Prepare(`INSERT INTO borrowings(book_id,user_id,borrowed_at) VALUES(?,?,?)`); err != nil {
		return err
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// ---------------------------------------------------------------------------
// Books
// ---------------------------------------------------------------------------

const bookColumns = `id,title,author,isbn,stock,created_at`

func scanBook(row interface{ Scan(...any) error }) (*Book, error) {
	var b Book
	if err := row.Scan(&b.ID, &b.Title, &b.Author, &b.ISBN, &b.Stock, &b.CreatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanBooks(rows *sql.Rows) ([]*Book, error) {
	defer rows.Close()
	books := []*Book{}
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

func validateBook(b *Book) error {
	b.Title = strings.TrimSpace(b.Title)
	b.Author = strings.TrimSpace(b.Author)
	b.ISBN = strings.TrimSpace(b.ISBN)
	switch {
	case b.Title == "":
		return validationErr("book", "title", "must not be empty")
	case b.Author == "":
		return validationErr("book", "author", "must not be empty")
	case b.ISBN == "":
		return validationErr("book", "isbn", "must not be empty")
	case b.Stock < 0:
		return validationErr("book", "stock", "must not be negative")
	}
	return nil
}

// isbnTaken reports whether a live book other than exceptID uses isbn.
func isbnTaken(ctx context.Context, q queryer, isbn string, exceptID int64) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM books WHERE isbn=? AND id<>? AND deleted_at IS NULL)`, isbn, exceptID).
		Scan(&exists)
	return exists, err
}

// CreateBook validates and inserts a new catalog entry.
func (d *Database) CreateBook(ctx context.Context, in BookInput) (*Book, error) {
	b := &Book{Title: in.Title, Author: in.Author, ISBN: in.ISBN, Stock: in.Stock}
	if err := validateBook(b); err != nil {
		return nil, err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	taken, err := isbnTaken(ctx, tx, b.ISBN, 0)
	if err != nil {
		return nil, fmt.Errorf("check isbn: %w", err)
	}
	if taken {
		return nil, conflictErr("book", "isbn", fmt.Sprintf("isbn %q already exists", b.ISBN))
	}

	b.CreatedAt = d.now()
	res, err := tx.StmtContext(ctx, d.insertBookStmt).ExecContext(ctx, b.Title, b.Author, b.ISBN, b.Stock, b.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, conflictErr("book", "isbn", fmt.Sprintf("isbn %q already exists", b.ISBN))
		}
		return nil, fmt.Errorf("insert book: %w", err)
	}
	if b.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return b, tx.Commit()
}

func getBook(ctx context.Context, q queryer, id int64) (*Book, error) {
	b, err := scanBook(q.QueryRowContext(ctx,
		`SELECT `+bookColumns+` FROM books WHERE id=? AND deleted_at IS NULL`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("book", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	return b, nil
}

// GetBook fetches a single live book.
func (d *Database) GetBook(ctx context.Context, id int64) (*Book, error) {
	return getBook(ctx, d.db, id)
}

// ListBooks returns the whole catalog in id order. An empty catalog is an empty slice.
func (d *Database) ListBooks(ctx context.Context) ([]*Book, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+bookColumns+` FROM books WHERE deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return scanBooks(rows)
}

// UpdateBook applies the non-nil fields of upd. A stock edit resets the
// book's conservation baseline; any non-negative value is accepted.
func (d *Database) UpdateBook(ctx context.Context, id int64, upd BookUpdate) (*Book, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	b, err := getBook(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if upd.Title != nil {
		b.Title = *upd.Title
	}
	if upd.Author != nil {
		b.Author = *upd.Author
	}
	if upd.ISBN != nil {
		b.ISBN = *upd.ISBN
	}
	if upd.Stock != nil {
		b.Stock = *upd.Stock
	}
	if err := validateBook(b); err != nil {
		return nil, err
	}

	taken, err := isbnTaken(ctx, tx, b.ISBN, id)
	if err != nil {
		return nil, fmt.Errorf("check isbn: %w", err)
	}
	if taken {
		return nil, conflictErr("book", "isbn", fmt.Sprintf("isbn %q already exists", b.ISBN))
	}

	if _, err := tx.ExecContext(ctx, `UPDATE books SET title=?, author=?, isbn=?, stock=? WHERE id=?`,
		b.Title, b.Author, b.ISBN, b.Stock, id); err != nil {
		if isUniqueViolation(err) {
			return nil, conflictErr("book", "isbn", fmt.Sprintf("isbn %q already exists", b.ISBN))
		}
		return nil, fmt.Errorf("update book: %w", err)
	}
	return b, tx.Commit()
}

// DeleteBook removes a book from the catalog. The row is kept (soft delete) so
// that its borrowings stay intact; open loans on it can still be returned.
func (d *Database) DeleteBook(ctx context.Context, id int64) error {
	res, err := d.db.ExecContext(ctx, `UPDATE books SET deleted_at=? WHERE id=? AND deleted_at IS NULL`, d.now(), id)
	if err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFoundErr("book", id)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

const userColumns = `id,username,email,password_hash,role,created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func validateUser(u *User) error {
	u.Username = strings.TrimSpace(u.Username)
	u.Email = strings.TrimSpace(u.Email)
	switch {
	case u.Username == "":
		return validationErr("user", "username", "must not be empty")
	case u.Email == "" || !strings.Contains(u.Email, "@"):
		return validationErr("user", "email", "must be an email address")
	case !u.Role.Valid():
		return validationErr("user", "role", fmt.Sprintf("unknown role %q", u.Role))
	}
	return nil
}

// checkUserUnique rejects a username or email already used by another user.
func checkUserUnique(ctx context.Context, q queryer, u *User) error {
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE username=? AND id<>?)`, u.Username, u.ID).
		Scan(&exists); err != nil {
		return err
	}
	if exists {
		return conflictErr("user", "username", fmt.Sprintf("username %q already taken", u.Username))
	}
	if err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE email=? AND id<>?)`, u.Email, u.ID).
		Scan(&exists); err != nil {
		return err
	}
	if exists {
		return conflictErr("user", "email", fmt.Sprintf("email %q already registered", u.Email))
	}
	return nil
}

// CreateUser inserts u (PasswordHash must already be set) and fills in ID and CreatedAt.
func (d *Database) CreateUser(ctx context.Context, u *User) error {
	if err := validateUser(u); err != nil {
		return err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := checkUserUnique(ctx, tx, u); err != nil {
		return err
	}

	u.CreatedAt = d.now()
	res, err := tx.StmtContext(ctx, d.insertUserStmt).ExecContext(ctx, u.Username, u.Email, u.PasswordHash, u.Role, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return conflictErr("user", "", "username or email already taken")
		}
		return fmt.Errorf("insert user: %w", err)
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	return tx.Commit()
}

func getUser(ctx context.Context, q queryer, id int64) (*User, error) {
	u, err := scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("user", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetUser fetches a single user.
func (d *Database) GetUser(ctx context.Context, id int64) (*User, error) {
	return getUser(ctx, d.db, id)
}

// GetUserByUsername fetches a user by login name.
func (d *Database) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(d.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=?`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Kind: ErrNotFound, Entity: "user", Msg: fmt.Sprintf("username %q", username)}
	}
	if err != nil {
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	return u, nil
}

// ListUsers returns all users.
func (d *Database) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	users := []*User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUser applies the non-nil fields of upd.
func (d *Database) UpdateUser(ctx context.Context, id int64, upd UserUpdate) (*User, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	u, err := getUser(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if upd.Username != nil {
		u.Username = *upd.Username
	}
	if upd.Email != nil {
		u.Email = *upd.Email
	}
	if upd.Role != nil {
		u.Role = Role(strings.ToUpper(strings.TrimSpace(string(*upd.Role))))
	}
	if err := validateUser(u); err != nil {
		return nil, err
	}
	if err := checkUserUnique(ctx, tx, u); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE users SET username=?, email=?, role=? WHERE id=?`,
		u.Username, u.Email, u.Role, id); err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return u, tx.Commit()
}

// ---------------------------------------------------------------------------
// Borrowings
// ---------------------------------------------------------------------------

const borrowingSelect = `
        SELECT br.id, br.book_id, br.user_id, b.title, u.username, br.borrowed_at, br.returned_at
        FROM borrowings br
        JOIN books b ON b.id = br.book_id
        JOIN users u ON u.id = br.user_id`

func scanBorrowing(row interface{ Scan(...any) error }) (*Borrowing, error) {
	var (
		br       Borrowing
		returned sql.NullTime
	)
	if err := row.Scan(&br.ID, &br.BookID, &br.UserID, &br.BookTitle, &br.Username, &br.BorrowedAt, &returned); err != nil {
		return nil, err
	}
	if returned.Valid {
		t := returned.Time
		br.ReturnedAt = &t
	}
	return &br, nil
}

func (d *Database) queryBorrowings(ctx context.Context, where string, args ...any) ([]*Borrowing, error) {
	rows, err := d.db.QueryContext(ctx, borrowingSelect+" "+where+" ORDER BY br.id", args...)
	if err != nil {
		return nil, fmt.Errorf("list borrowings: %w", err)
	}
	defer rows.Close()
	out := []*Borrowing{}
	for rows.Next() {
		br, err := scanBorrowing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, br)
	}
	return out, rows.Err()
}

// UserBorrowings returns every loan (open and closed) of one user.
func (d *Database) UserBorrowings(ctx context.Context, userID int64) ([]*Borrowing, error) {
	return d.queryBorrowings(ctx, "WHERE br.user_id = ?", userID)
}

// AllBorrowings returns the full loan history.
func (d *Database) AllBorrowings(ctx context.Context) ([]*Borrowing, error) {
	return d.queryBorrowings(ctx, "")
}

// ActiveBorrowings returns the loans that have not been returned yet.
func (d *Database) ActiveBorrowings(ctx context.Context) ([]*Borrowing, error) {
	return d.queryBorrowings(ctx, "WHERE br.returned_at IS NULL")
}

// Borrow lends one copy of bookID to userID.
//
// The checks run in this order, each a terminal failure:
//   - unknown book: NotFound
//   - no copy on the shelf: OutOfStock
//   - unknown user: NotFound
//   - the user already holds an open loan on this book: AlreadyBorrowed
//
// The stock decrement and the loan insert commit together or not at all.
func (d *Database) Borrow(ctx context.Context, userID, bookID int64) (*Borrowing, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	book, err := getBook(ctx, tx, bookID)
	if err != nil {
		return nil, err
	}
	if book.Stock <= 0 {
		return nil, &Error{Kind: ErrOutOfStock, Entity: "book", ID: bookID}
	}

	user, err := getUser(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	var open bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM borrowings WHERE user_id=? AND book_id=? AND returned_at IS NULL)`, userID, bookID).
		Scan(&open); err != nil {
		return nil, fmt.Errorf("check open loan: %w", err)
	}
	if open {
		return nil, &Error{Kind: ErrAlreadyBorrowed, Entity: "book", ID: bookID,
			Msg: fmt.Sprintf("user %d already holds a copy", userID)}
	}

	res, err := tx.ExecContext(ctx, `UPDATE books SET stock = stock - 1 WHERE id=? AND stock > 0`, bookID)
	if err != nil {
		return nil, fmt.Errorf("decrement stock: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, &Error{Kind: ErrOutOfStock, Entity: "book", ID: bookID}
	}

	br := &Borrowing{
		BookID:     bookID,
		UserID:     userID,
		BookTitle:  book.Title,
		Username:   user.Username,
		BorrowedAt: d.now(),
	}
	res, err = tx.StmtContext(ctx, d.insertBorrowingStmt).ExecContext(ctx, bookID, userID, br.BorrowedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &Error{Kind: ErrAlreadyBorrowed, Entity: "book", ID: bookID}
		}
		return nil, fmt.Errorf("insert borrowing: %w", err)
	}
	if br.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return br, tx.Commit()
}

// ReturnBook closes the open loan userID holds on bookID.
func (d *Database) ReturnBook(ctx context.Context, userID, bookID int64) (*Borrowing, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM borrowings WHERE user_id=? AND book_id=? AND returned_at IS NULL`, userID, bookID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Kind: ErrNotFound, Entity: "borrowing",
			Msg: fmt.Sprintf("no active borrowing of book %d by user %d", bookID, userID)}
	}
	if err != nil {
		return nil, fmt.Errorf("find open loan: %w", err)
	}

	br, err := d.closeBorrowing(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return br, tx.Commit()
}

// ReturnBorrowing closes the loan with the given id, whoever holds it.
// A loan that is already closed is reported as NotFound, never closed twice.
func (d *Database) ReturnBorrowing(ctx context.Context, borrowingID int64) (*Borrowing, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	br, err := d.closeBorrowing(ctx, tx, borrowingID)
	if err != nil {
		return nil, err
	}
	return br, tx.Commit()
}

// closeBorrowing stamps returned_at on an open loan and puts the copy back on the shelf.
func (d *Database) closeBorrowing(ctx context.Context, tx *sql.Tx, id int64) (*Borrowing, error) {
	br, err := scanBorrowing(tx.QueryRowContext(ctx, borrowingSelect+" WHERE br.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("borrowing", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get borrowing: %w", err)
	}
	if !br.Active() {
		return nil, &Error{Kind: ErrNotFound, Entity: "borrowing", ID: id, Msg: "already returned"}
	}

	now := d.now()
	res, err := tx.ExecContext(ctx, `UPDATE borrowings SET returned_at=? WHERE id=? AND returned_at IS NULL`, now, id)
	if err != nil {
		return nil, fmt.Errorf("close borrowing: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, &Error{Kind: ErrNotFound, Entity: "borrowing", ID: id, Msg: "already returned"}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE books SET stock = stock + 1 WHERE id=?`, br.BookID); err != nil {
		return nil, fmt.Errorf("increment stock: %w", err)
	}

	br.ReturnedAt = &now
	return br, nil
}
