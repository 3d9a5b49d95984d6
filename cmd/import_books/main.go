package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"library-lending/library"
)

func main() {
	var dbPath string
	cmd := &cobra.Command{
		Use:          "import_books [catalog.csv]",
		Short:        "Import books from a title,author,isbn,stock CSV file (stdin when omitted)",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := io.Reader(os.Stdin)
			if len(args) == 1 {
				f, err := os.Open(filepath.Clean(args[0]))
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return importCatalog(cmd, dbPath, in)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "library.db", "SQLite database path")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func importCatalog(cmd *cobra.Command, dbPath string, in io.Reader) error {
	out := cmd.OutOrStdout()

	db, err := library.NewDatabase(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	fmt.Fprintf(out, "Importing books into %s...\n", dbPath)
	res, err := db.ImportBooks(cmd.Context(), in)
	if res != nil {
		for _, f := range res.Failed {
			fmt.Fprintf(out, "line %d: ERROR - %v\n", f.Line, f.Err)
		}
		fmt.Fprintf(out, "\nImport complete!\n")
		fmt.Fprintf(out, "Successfully imported: %d books\n", len(res.Imported))
		fmt.Fprintf(out, "Errors: %d\n", len(res.Failed))

		if len(res.Imported) > 0 {
			fmt.Fprintln(out, "\nImported books:")
			fmt.Fprintf(out, "%-5s %-40s %-25s %-15s %s\n", "ID", "Title", "Author", "ISBN", "Stock")
			fmt.Fprintln(out, strings.Repeat("-", 95))
			for _, b := range res.Imported {
				fmt.Fprintf(out, "%-5d %-40s %-25s %-15s %d\n",
					b.ID, truncateString(b.Title, 40), truncateString(b.Author, 25), b.ISBN, b.Stock)
			}
		}
	}
	return err
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
