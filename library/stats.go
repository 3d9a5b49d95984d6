package library

import (
	"context"
	"fmt"
)

// GeneralStats counts catalog entries and loans. Deleted books are not part of
// the catalog but their loans still count.
func (d *Database) GeneralStats(ctx context.Context) (*GeneralStats, error) {
	var s GeneralStats
	err := d.db.QueryRowContext(ctx, `
        SELECT
            (SELECT COUNT(*) FROM books WHERE deleted_at IS NULL),
            (SELECT COUNT(*) FROM books WHERE deleted_at IS NULL AND stock > 0),
            (SELECT COUNT(*) FROM borrowings),
            (SELECT COUNT(*) FROM borrowings WHERE returned_at IS NULL)`).
		Scan(&s.TotalBooks, &s.AvailableBooks, &s.TotalBorrowings, &s.ActiveBorrowings)
	if err != nil {
		return nil, fmt.Errorf("general stats: %w", err)
	}
	s.UnavailableBooks = s.TotalBooks - s.AvailableBooks
	return &s, nil
}

// rankLimit maps n <= 0 to SQLite's "no limit".
func rankLimit(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

// TopBooks ranks live books by all-time borrow count, highest first, ties by
// ascending id. Books never borrowed are not ranked. n <= 0 means no limit.
func (d *Database) TopBooks(ctx context.Context, n int) ([]BookRanking, error) {
	rows, err := d.db.QueryContext(ctx, `
        SELECT b.id, b.title, b.author, COUNT(br.id) AS cnt
        FROM books b
        JOIN borrowings br ON br.book_id = b.id
        WHERE b.deleted_at IS NULL
        GROUP BY b.id
        ORDER BY cnt DESC, b.id ASC
        LIMIT ?`, rankLimit(n))
	if err != nil {
		return nil, fmt.Errorf("top books: %w", err)
	}
	defer rows.Close()

	out := []BookRanking{}
	for rows.Next() {
		var r BookRanking
		if err := rows.Scan(&r.BookID, &r.Title, &r.Author, &r.Count); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TopUsers ranks users by all-time borrow count, highest first, ties by
// ascending id. n <= 0 means no limit.
func (d *Database) TopUsers(ctx context.Context, n int) ([]UserRanking, error) {
	rows, err := d.db.QueryContext(ctx, `
        SELECT u.id, u.username, COUNT(br.id) AS cnt
        FROM users u
        JOIN borrowings br ON br.user_id = u.id
        GROUP BY u.id
        ORDER BY cnt DESC, u.id ASC
        LIMIT ?`, rankLimit(n))
	if err != nil {
		return nil, fmt.Errorf("top users: %w", err)
	}
	defer rows.Close()

	out := []UserRanking{}
	for rows.Next() {
		var r UserRanking
		if err := rows.Scan(&r.UserID, &r.Username, &r.Count); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
