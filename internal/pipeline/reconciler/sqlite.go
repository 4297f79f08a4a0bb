package reconciler

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

// countEntityRows returns the number of distinct page_ids present in the
// compiled database's entities table - the Reconciler's on-disk evidence
// that a page's extraction actually ran and persisted something.
func countEntityRows(dbPath string) (int, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return 0, err
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", dbPath, err)
	}
	defer db.Close()

	var count int
	err = db.QueryRow(`SELECT count(DISTINCT page_id) FROM entities`).Scan(&count)
	if err != nil {
		// the entities table doesn't exist until the first extraction_page
		// writes to it; treat that as zero extracted pages rather than an error.
		return 0, nil
	}
	return count, nil
}

// extractedPageIDs returns the set of page_ids already present in the
// entities table.
func extractedPageIDs(dbPath string) (map[string]bool, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT DISTINCT page_id FROM entities`)
	if err != nil {
		return map[string]bool{}, nil
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// derivePageIDForReconcile mirrors stage.derivePageID: hash(kind, meeting,
// date, page, text)[:12]. Duplicated here rather than exported from
// package stage because it is a pure hashing convention, not a
// collaborator-facing operation.
func derivePageIDForReconcile(meeting, date string, page int, txtPath string) string {
	text, err := os.ReadFile(txtPath)
	if err != nil {
		text = nil
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%s", "page", meeting, date, page, string(text))
	return hex.EncodeToString(h.Sum(nil))[:12]
}
