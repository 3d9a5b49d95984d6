package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"library-lending/library"
)

type repl struct {
	ctx    context.Context
	sc     *bufio.Scanner
	out    io.Writer
	mgr    *library.LibraryManager
	holder *library.SessionHolder

	// password reads a secret; defaults to an unmasked line from sc.
	password func(prompt string) (string, error)
}

func newREPL(ctx context.Context, in io.Reader, out io.Writer, mgr *library.LibraryManager) *repl {
	r := &repl{
		ctx:    ctx,
		sc:     bufio.NewScanner(in),
		out:    out,
		mgr:    mgr,
		holder: library.NewSessionHolder(),
	}
	r.password = func(prompt string) (string, error) {
		line, ok := r.prompt(prompt)
		if !ok {
			return "", io.EOF
		}
		return line, nil
	}
	return r
}

func runREPL(ctx context.Context, dbPath string) error {
	cfg, log, err := setup(dbPath)
	if err != nil {
		return err
	}
	// Keep routine log lines out of the prompt unless asked for.
	if os.Getenv("LOG_LEVEL") == "" {
		cfg.LogLevel = "warn"
		log = cfg.NewLogger(os.Stderr)
	}

	secret := cfg.JWTSecret
	if secret == "" {
		if secret, err = ephemeralSecret(); err != nil {
			return err
		}
	}
	guard, err := library.NewGuard(secret, cfg.SessionTTL, log)
	if err != nil {
		return err
	}
	manager, err := library.NewLibraryManager(cfg.DBPath, guard, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer manager.Close()

	r := newREPL(ctx, os.Stdin, os.Stdout, manager)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		r.password = readPassword
	}
	return r.run()
}

func (r *repl) printf(format string, args ...any) { fmt.Fprintf(r.out, format, args...) }

func (r *repl) help() {
	r.printf("Available commands:\n")
	r.printf("  Account: register, login, logout, whoami\n")
	r.printf("  Books: list books, search book, show book, add book, update book, delete book\n")
	r.printf("  Circulation: borrow, return, my borrowings, all borrowings, active borrowings\n")
	r.printf("  Users: list users, update user\n")
	r.printf("  Statistics: stats\n")
	r.printf("  System: help, exit\n")
}

func (r *repl) run() error {
	r.printf("Welcome to the Lending Library!\n")
	r.help()

	commands := map[string]func(){
		"register":          r.handleRegister,
		"login":             r.handleLogin,
		"logout":            r.handleLogout,
		"whoami":            r.handleWhoami,
		"list books":        r.handleListBooks,
		"search book":       r.handleSearchBooks,
		"show book":         r.handleShowBook,
		"add book":          r.handleAddBook,
		"update book":       r.handleUpdateBook,
		"delete book":       r.handleDeleteBook,
		"borrow":            r.handleBorrow,
		"return":            r.handleReturn,
		"my borrowings":     func() { r.handleBorrowings(r.mgr.MyBorrowings) },
		"all borrowings":    func() { r.handleBorrowings(r.mgr.AllBorrowings) },
		"active borrowings": func() { r.handleBorrowings(r.mgr.ActiveBorrowings) },
		"list users":        r.handleListUsers,
		"update user":       r.handleUpdateUser,
		"stats":             r.handleStats,
		"help":              r.help,
	}

	for {
		r.printf("\n> ")
		if !r.sc.Scan() {
			return r.sc.Err()
		}
		cmd := strings.TrimSpace(r.sc.Text())
		switch cmd {
		case "":
			continue
		case "exit":
			r.printf("Goodbye!\n")
			return nil
		}
		if handler, ok := commands[cmd]; ok {
			handler()
		} else {
			r.printf("Unknown command. Type 'help' for the list of commands.\n")
		}
	}
}

// ------------------ Input helpers ------------------

func (r *repl) prompt(label string) (string, bool) {
	r.printf("%s", label)
	if !r.sc.Scan() {
		return "", false
	}
	return strings.TrimSpace(r.sc.Text()), true
}

func (r *repl) promptID(label string) (int64, bool) {
	s, ok := r.prompt(label)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		r.printf("Invalid ID: %s\n", s)
		return 0, false
	}
	return id, true
}

// optional returns nil for a blank answer.
func (r *repl) optional(label string) (*string, bool) {
	s, ok := r.prompt(label)
	if !ok || s == "" {
		return nil, ok
	}
	return &s, true
}

func (r *repl) report(err error) { r.printf("Error: %v\n", err) }

// withSession runs fn with the current session. An authentication failure
// tears the session down and the user is told to log in again.
func (r *repl) withSession(fn func(*library.Session) error) {
	wasIn := r.holder.State() == library.StateAuthenticated
	err := r.holder.Do(fn)
	switch {
	case err == nil:
	case !errors.Is(err, library.ErrAuthentication):
		r.report(err)
	case !wasIn:
		r.printf("Not logged in. Use 'login' or 'register' first.\n")
	case r.holder.LastEnd() == library.StateExpired:
		r.printf("Your session expired. Please log in again.\n")
	default:
		r.printf("Your session is no longer valid. Please log in again.\n")
	}
}

// ------------------ Account ------------------

func (r *repl) handleRegister() {
	username, ok := r.prompt("Username: ")
	if !ok {
		return
	}
	email, ok := r.prompt("Email: ")
	if !ok {
		return
	}
	password, err := r.password("Password: ")
	if err != nil {
		r.printf("Error reading password: %v\n", err)
		return
	}
	res, err := r.mgr.Register(r.ctx, username, email, password)
	if err != nil {
		r.report(err)
		return
	}
	r.holder.Start(res)
	r.printf("Registered and logged in as %s (ID %d, %s)\n", res.User.Username, res.User.ID, res.User.Role)
}

func (r *repl) handleLogin() {
	username, ok := r.prompt("Username: ")
	if !ok {
		return
	}
	password, err := r.password("Password: ")
	if err != nil {
		r.printf("Error reading password: %v\n", err)
		return
	}
	res, err := r.mgr.Login(r.ctx, username, password)
	if err != nil {
		r.report(err)
		return
	}
	r.holder.Start(res)
	r.printf("Logged in as %s (%s). Session valid until %s\n",
		res.User.Username, res.User.Role, res.Session.ExpiresAt.Local().Format(time.DateTime))
}

func (r *repl) handleLogout() {
	if r.holder.State() != library.StateAuthenticated {
		r.printf("Not logged in.\n")
		return
	}
	revoked := false
	r.withSession(func(s *library.Session) error {
		if err := r.mgr.Logout(r.ctx, s); err != nil {
			return err
		}
		revoked = true
		return nil
	})
	if !revoked {
		if r.holder.State() == library.StateAuthenticated {
			r.printf("Logout failed; you are still logged in. Try again.\n")
		}
		return
	}
	r.holder.End()
	r.printf("Logged out.\n")
}

func (r *repl) handleWhoami() {
	u := r.holder.User()
	if u == nil {
		r.printf("Not logged in.\n")
		return
	}
	r.printf("%s <%s> (ID %d, %s)\n", u.Username, u.Email, u.ID, u.Role)
}

// ------------------ Books ------------------

func (r *repl) printBooks(books []*library.Book) {
	r.printf("%-5s %-30s %-25s %-15s %s\n", "ID", "Title", "Author", "ISBN", "Stock")
	r.printf("%s\n", strings.Repeat("-", 85))
	for _, b := range books {
		r.printf("%-5d %-30s %-25s %-15s %d\n",
			b.ID, truncateString(b.Title, 30), truncateString(b.Author, 25), truncateString(b.ISBN, 15), b.Stock)
	}
}

func (r *repl) handleListBooks() {
	r.withSession(func(s *library.Session) error {
		books, err := r.mgr.ListBooks(r.ctx, s)
		if err != nil {
			return err
		}
		if len(books) == 0 {
			r.printf("No books in library.\n")
			return nil
		}
		r.printBooks(books)
		return nil
	})
}

func (r *repl) handleSearchBooks() {
	query, ok := r.prompt("Query: ")
	if !ok {
		return
	}
	r.withSession(func(s *library.Session) error {
		books, err := r.mgr.SearchBooks(r.ctx, s, query)
		if err != nil {
			return err
		}
		if len(books) == 0 {
			r.printf("No books found matching '%s'.\n", query)
			return nil
		}
		r.printf("Found %d book(s) matching '%s':\n", len(books), query)
		r.printBooks(books)
		return nil
	})
}

func (r *repl) handleShowBook() {
	id, ok := r.promptID("Book ID: ")
	if !ok {
		return
	}
	r.withSession(func(s *library.Session) error {
		b, err := r.mgr.GetBook(r.ctx, s, id)
		if err != nil {
			return err
		}
		r.printf("ID:     %d\nTitle:  %s\nAuthor: %s\nISBN:   %s\nStock:  %d\nAdded:  %s\n",
			b.ID, b.Title, b.Author, b.ISBN, b.Stock, b.CreatedAt.Local().Format(time.DateTime))
		return nil
	})
}

func (r *repl) handleAddBook() {
	title, ok := r.prompt("Title: ")
	if !ok {
		return
	}
	author, ok := r.prompt("Author: ")
	if !ok {
		return
	}
	isbn, ok := r.prompt("ISBN: ")
	if !ok {
		return
	}
	stockStr, ok := r.prompt("Stock: ")
	if !ok {
		return
	}
	stock, err := strconv.Atoi(stockStr)
	if err != nil {
		r.printf("Invalid stock: %s\n", stockStr)
		return
	}
	r.withSession(func(s *library.Session) error {
		b, err := r.mgr.CreateBook(r.ctx, s, library.BookInput{Title: title, Author: author, ISBN: isbn, Stock: stock})
		if err != nil {
			return err
		}
		r.printf("Added book ID %d.\n", b.ID)
		return nil
	})
}

func (r *repl) handleUpdateBook() {
	id, ok := r.promptID("Book ID: ")
	if !ok {
		return
	}
	r.printf("Leave a field blank to keep it.\n")
	var upd library.BookUpdate
	if upd.Title, ok = r.optional("Title: "); !ok {
		return
	}
	if upd.Author, ok = r.optional("Author: "); !ok {
		return
	}
	if upd.ISBN, ok = r.optional("ISBN: "); !ok {
		return
	}
	stockStr, ok := r.optional("Stock: ")
	if !ok {
		return
	}
	if stockStr != nil {
		stock, err := strconv.Atoi(*stockStr)
		if err != nil {
			r.printf("Invalid stock: %s\n", *stockStr)
			return
		}
		upd.Stock = &stock
	}
	r.withSession(func(s *library.Session) error {
		b, err := r.mgr.UpdateBook(r.ctx, s, id, upd)
		if err != nil {
			return err
		}
		r.printf("Updated book ID %d: %s by %s, stock %d.\n", b.ID, b.Title, b.Author, b.Stock)
		return nil
	})
}

func (r *repl) handleDeleteBook() {
	id, ok := r.promptID("Book ID: ")
	if !ok {
		return
	}
	r.withSession(func(s *library.Session) error {
		if err := r.mgr.DeleteBook(r.ctx, s, id); err != nil {
			return err
		}
		r.printf("Deleted book ID %d.\n", id)
		return nil
	})
}

// ------------------ Circulation ------------------

func (r *repl) handleBorrow() {
	id, ok := r.promptID("Book ID: ")
	if !ok {
		return
	}
	r.withSession(func(s *library.Session) error {
		br, err := r.mgr.Borrow(r.ctx, s, id)
		if err != nil {
			return err
		}
		r.printf("Borrowed '%s' (borrowing ID %d).\n", br.BookTitle, br.ID)
		return nil
	})
}

func (r *repl) handleReturn() {
	var req library.ReturnRequest
	if u := r.holder.User(); u != nil && u.Role == library.RoleAdmin {
		s, ok := r.prompt("Borrowing ID (blank to give a Book ID): ")
		if !ok {
			return
		}
		if s != "" {
			id, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				r.printf("Invalid ID: %s\n", s)
				return
			}
			req.BorrowingID = id
		}
	}
	if req.BorrowingID == 0 {
		id, ok := r.promptID("Book ID: ")
		if !ok {
			return
		}
		req.BookID = id
	}
	r.withSession(func(s *library.Session) error {
		br, err := r.mgr.Return(r.ctx, s, req)
		if err != nil {
			return err
		}
		r.printf("Returned '%s' (borrowed by %s).\n", br.BookTitle, br.Username)
		return nil
	})
}

func (r *repl) handleBorrowings(list func(context.Context, *library.Session) ([]*library.Borrowing, error)) {
	r.withSession(func(s *library.Session) error {
		loans, err := list(r.ctx, s)
		if err != nil {
			return err
		}
		if len(loans) == 0 {
			r.printf("No borrowings.\n")
			return nil
		}
		r.printf("%-5s %-30s %-20s %-20s %s\n", "ID", "Book", "User", "Borrowed", "Returned")
		r.printf("%s\n", strings.Repeat("-", 100))
		for _, br := range loans {
			returned := "-"
			if br.ReturnedAt != nil {
				returned = br.ReturnedAt.Local().Format(time.DateTime)
			}
			r.printf("%-5d %-30s %-20s %-20s %s\n", br.ID, truncateString(br.BookTitle, 30),
				truncateString(br.Username, 20), br.BorrowedAt.Local().Format(time.DateTime), returned)
		}
		return nil
	})
}

// ------------------ Users ------------------

func (r *repl) handleListUsers() {
	r.withSession(func(s *library.Session) error {
		users, err := r.mgr.ListUsers(r.ctx, s)
		if err != nil {
			return err
		}
		r.printf("%-5s %-20s %-30s %s\n", "ID", "Username", "Email", "Role")
		r.printf("%s\n", strings.Repeat("-", 70))
		for _, u := range users {
			r.printf("%-5d %-20s %-30s %s\n", u.ID, truncateString(u.Username, 20), truncateString(u.Email, 30), u.Role)
		}
		return nil
	})
}

func (r *repl) handleUpdateUser() {
	id, ok := r.promptID("User ID: ")
	if !ok {
		return
	}
	r.printf("Leave a field blank to keep it.\n")
	var upd library.UserUpdate
	if upd.Username, ok = r.optional("Username: "); !ok {
		return
	}
	if upd.Email, ok = r.optional("Email: "); !ok {
		return
	}
	role, ok := r.optional("Role (ADMIN/MEMBER): ")
	if !ok {
		return
	}
	if role != nil {
		rl := library.Role(*role)
		upd.Role = &rl
	}
	r.withSession(func(s *library.Session) error {
		u, err := r.mgr.UpdateUser(r.ctx, s, id, upd)
		if err != nil {
			return err
		}
		r.printf("Updated user %s (ID %d, %s).\n", u.Username, u.ID, u.Role)
		return nil
	})
}

// ------------------ Statistics ------------------

const topN = 5

func (r *repl) handleStats() {
	r.withSession(func(s *library.Session) error {
		st, err := r.mgr.GeneralStats(r.ctx, s)
		if err != nil {
			return err
		}
		r.printf("Books: %d (%d available, %d out of stock)\n", st.TotalBooks, st.AvailableBooks, st.UnavailableBooks)
		r.printf("Borrowings: %d (%d active)\n", st.TotalBorrowings, st.ActiveBorrowings)

		books, err := r.mgr.TopBooks(r.ctx, s, topN)
		if err != nil {
			return err
		}
		r.printf("\nMost borrowed books:\n")
		for i, b := range books {
			r.printf("%d. %s by %s (%d)\n", i+1, b.Title, b.Author, b.Count)
		}

		users, err := r.mgr.TopUsers(r.ctx, s, topN)
		if err != nil {
			return err
		}
		r.printf("\nMost active readers:\n")
		for i, u := range users {
			r.printf("%d. %s (%d)\n", i+1, u.Username, u.Count)
		}
		return nil
	})
}

// truncateString shortens s to at most maxLen runes.
func truncateString(s string, maxLen int) string {
	rs := []rune(s)
	if len(rs) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(rs[:maxLen])
	}
	return string(rs[:maxLen-3]) + "..."
}
