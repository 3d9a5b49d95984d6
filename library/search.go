package library

import (
	"context"
	"fmt"
	"strings"
)

// likeEscaper escapes LIKE wildcards so the query is matched literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchBooks returns live books whose title, author or isbn contains query,
// ignoring case. An empty (or all-space) query returns the full catalog in the
// same order as ListBooks.
func (d *Database) SearchBooks(ctx context.Context, query string) ([]*Book, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return d.ListBooks(ctx)
	}

	pattern := "%" + likeEscaper.Replace(strings.ToLower(q)) + "%"
	rows, err := d.db.QueryContext(ctx, `
        SELECT `+bookColumns+` FROM books
        WHERE deleted_at IS NULL
          AND (fold(title) LIKE ? ESCAPE '\'
            OR fold(author) LIKE ? ESCAPE '\'
            OR fold(isbn) LIKE ? ESCAPE '\')
        ORDER BY id`, pattern, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("search books: %w", err)
	}
	return scanBooks(rows)
}
