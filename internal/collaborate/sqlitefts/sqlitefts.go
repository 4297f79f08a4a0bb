// Package sqlitefts implements the default Compiler: an FTS5-indexed
// SQLite database with one row per page, written once per compilation
// job.
package sqlitefts

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/civicband/clerk/internal/logging"
)

// pageKind is the fixed "kind" component of the page identity hash; this
// compiler only ever produces OCR page rows, so it is a constant rather
// than a field threaded through the whole pipeline.
const pageKind = "page"

// Compiler walks a directory of per-page text files and writes a single
// FTS5-indexed SQLite database, keyed by deterministic page IDs.
type Compiler struct {
	storageDir string
	log        *logging.Logger
}

// New returns a Compiler that writes compiled databases under storageDir.
func New(storageDir string, log *logging.Logger) *Compiler {
	return &Compiler{storageDir: storageDir, log: log}
}

// page is one row destined for the compiled database.
type page struct {
	id      string
	meeting string
	date    string
	pageNum int
	text    string
}

// Compile enumerates txtDir (storageDir/<site>/txt/<meeting>/<date>/<page>.txt)
// and produces storageDir/<site>/meetings.db with one FTS5 row per page.
// Compile always rewrites the database from scratch so it is idempotent
// w.r.t. the current contents of txtDir.
func (c *Compiler) Compile(ctx context.Context, site, txtDir string) (string, error) {
	pages, err := c.collectPages(txtDir)
	if err != nil {
		return "", err
	}

	dbPath := filepath.Join(c.storageDir, site, "meetings.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return "", fmt.Errorf("create db dir for %s: %w", dbPath, err)
	}

	// start from a clean file: compilation is a full rebuild, not an
	// incremental merge, so a stale schema or partial write never lingers.
	tmpPath := dbPath + ".tmp"
	os.Remove(tmpPath)

	if err := writeDatabase(ctx, tmpPath, pages); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, dbPath); err != nil {
		return "", fmt.Errorf("rename %s to %s: %w", tmpPath, dbPath, err)
	}

	c.log.Info("compiled site database", "site", site, "pages", len(pages), "path", dbPath)
	return dbPath, nil
}

func (c *Compiler) collectPages(txtDir string) ([]page, error) {
	var pages []page

	meetingEntries, err := os.ReadDir(txtDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read txt dir %s: %w", txtDir, err)
	}

	for _, meetingEnt := range meetingEntries {
		if !meetingEnt.IsDir() {
			continue
		}
		meeting := meetingEnt.Name()
		meetingDir := filepath.Join(txtDir, meeting)

		dateEntries, err := os.ReadDir(meetingDir)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", meetingDir, err)
		}

		for _, dateEnt := range dateEntries {
			if !dateEnt.IsDir() {
				continue
			}
			date := dateEnt.Name()
			dateDir := filepath.Join(meetingDir, date)

			files, err := os.ReadDir(dateDir)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", dateDir, err)
			}

			for _, f := range files {
				if f.IsDir() || !strings.EqualFold(filepath.Ext(f.Name()), ".txt") {
					continue
				}
				pageNum, err := pageNumberFromFilename(f.Name())
				if err != nil {
					return nil, err
				}
				content, err := os.ReadFile(filepath.Join(dateDir, f.Name()))
				if err != nil {
					return nil, fmt.Errorf("read %s: %w", f.Name(), err)
				}
				text := string(content)
				pages = append(pages, page{
					id:      pageID(meeting, date, pageNum, text),
					meeting: meeting,
					date:    date,
					pageNum: pageNum,
					text:    text,
				})
			}
		}
	}

	sort.Slice(pages, func(i, j int) bool {
		if pages[i].meeting != pages[j].meeting {
			return pages[i].meeting < pages[j].meeting
		}
		if pages[i].date != pages[j].date {
			return pages[i].date < pages[j].date
		}
		return pages[i].pageNum < pages[j].pageNum
	})

	return pages, nil
}

func pageNumberFromFilename(name string) (int, error) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	var n int
	if _, err := fmt.Sscanf(base, "%d", &n); err != nil {
		return 0, fmt.Errorf("page filename %q is not numeric: %w", name, err)
	}
	return n, nil
}

// pageID derives the deterministic page identity hash(kind, meeting, date,
// page, text)[:12].
func pageID(meeting, date string, pageNum int, text string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%s", pageKind, meeting, date, pageNum, text)
	return hex.EncodeToString(h.Sum(nil))[:12]
}

func writeDatabase(ctx context.Context, path string, pages []page) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("open sqlite db %s: %w", path, err)
	}
	defer db.Close()

	schema := `
CREATE VIRTUAL TABLE pages USING fts5(
	id UNINDEXED,
	meeting UNINDEXED,
	date UNINDEXED,
	page UNINDEXED,
	text
);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create fts5 schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO pages (id, meeting, date, page, text) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range pages {
		if err := ctx.Err(); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx, p.id, p.meeting, p.date, p.pageNum, p.text); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert page %s/%s/%d: %w", p.meeting, p.date, p.pageNum, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
