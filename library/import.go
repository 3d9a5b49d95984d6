package library

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ImportFailure is one CSV row that could not be added.
type ImportFailure struct {
	Line int
	Err  error
}

// ImportResult summarizes a catalog import.
type ImportResult struct {
	Imported []*Book
	Failed   []ImportFailure
}

// ImportBooks reads title,author,isbn,stock rows from r and creates one book
// per row. A header row is skipped. Rows that fail validation or collide on
// isbn are reported in Failed and do not stop the import; malformed CSV does.
func (d *Database) ImportBooks(ctx context.Context, r io.Reader) (*ImportResult, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 4
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	res := &ImportResult{}
	for first := true; ; first = false {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("read csv: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if first && strings.EqualFold(strings.TrimSpace(rec[0]), "title") {
			continue
		}

		stock, err := strconv.Atoi(strings.TrimSpace(rec[3]))
		if err != nil {
			res.Failed = append(res.Failed, ImportFailure{Line: line,
				Err: validationErr("book", "stock", fmt.Sprintf("not a number: %q", rec[3]))})
			continue
		}
		b, err := d.CreateBook(ctx, BookInput{Title: rec[0], Author: rec[1], ISBN: rec[2], Stock: stock})
		if err != nil {
			if KindOf(err) == nil {
				return res, err
			}
			res.Failed = append(res.Failed, ImportFailure{Line: line, Err: err})
			continue
		}
		res.Imported = append(res.Imported, b)
	}
}
