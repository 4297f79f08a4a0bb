// Package stage implements the five stage-specific operations a Stage
// Worker (C3) executes once it has reserved a job: fetch_site, ocr_page,
// compilation, extraction_page, deploy. Every operation wraps its single
// collaborator call in a circuit breaker so a failing external dependency
// (an OCR backend down, a storage bucket unreachable) trips after a run of
// failures instead of every worker hammering it in lockstep.
package stage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	_ "github.com/mattn/go-sqlite3"

	"github.com/civicband/clerk/internal/broker"
	"github.com/civicband/clerk/internal/collaborate"
	"github.com/civicband/clerk/internal/domain"
	"github.com/civicband/clerk/internal/logging"
	"github.com/civicband/clerk/internal/state"
)

// Ops bundles the five stage operations with the collaborators, broker, and
// state store they're grounded on. One Ops is built per process and shared
// by every worker goroutine; breakers are per-collaborator-kind so a tripped
// OCR backend doesn't also stop deploys.
type Ops struct {
	Env        collaborate.Environment
	Store      state.Store
	Broker     broker.Broker
	StorageDir string
	Log        *logging.Logger

	fetchBreaker   *gobreaker.CircuitBreaker[[]domain.DocumentRef]
	ocrBreaker     *gobreaker.CircuitBreaker[string]
	extractBreaker *gobreaker.CircuitBreaker[extractResult]
	compileBreaker *gobreaker.CircuitBreaker[string]
	deployBreaker  *gobreaker.CircuitBreaker[struct{}]
}

type extractResult struct {
	entities []domain.Entity
	votes    []domain.Vote
}

// New builds an Ops with a breaker per collaborator kind, each tripping
// after 5 consecutive failures and probing again after 30s half-open.
func New(env collaborate.Environment, store state.Store, brk broker.Broker, storageDir string, log *logging.Logger) *Ops {
	settings := func(name string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}
	}
	return &Ops{
		Env:        env,
		Store:      store,
		Broker:     brk,
		StorageDir: storageDir,
		Log:        log.With("component", "stage.Ops"),

		fetchBreaker:   gobreaker.NewCircuitBreaker[[]domain.DocumentRef](settings("fetch")),
		ocrBreaker:     gobreaker.NewCircuitBreaker[string](settings("ocr")),
		extractBreaker: gobreaker.NewCircuitBreaker[extractResult](settings("extract")),
		compileBreaker: gobreaker.NewCircuitBreaker[string](settings("compile")),
		deployBreaker:  gobreaker.NewCircuitBreaker[struct{}](settings("deploy")),
	}
}

func (o *Ops) pdfPageDir(site, meeting, date string) string {
	return filepath.Join(o.StorageDir, site, "pdfs", meeting, date)
}

func (o *Ops) txtDir(site string) string {
	return filepath.Join(o.StorageDir, site, "txt")
}

func (o *Ops) dbPath(site string) string {
	return filepath.Join(o.StorageDir, site, "meetings.db")
}

// DBPath exposes the compiled database location for a site, used by
// coordinators to fan out deploy jobs without duplicating the path
// convention.
func (o *Ops) DBPath(site string) string { return o.dbPath(site) }

// PageFile identifies one rendered text page under storage/<site>/txt.
type PageFile struct {
	Meeting string
	Date    string
	Page    int
	TxtPath string
}

// EnumerateTextPages walks storage/<site>/txt/<meeting>/<date>/<page>.txt,
// the same layout compilation reads, so coordinators can fan out
// extraction_page jobs one per existing page without re-deriving ocr's
// bookkeeping.
func (o *Ops) EnumerateTextPages(site string) ([]PageFile, error) {
	root := o.txtDir(site)
	var pages []PageFile

	meetingEntries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("enumerate text pages: read %s: %w", root, err)
	}
	for _, meetingEnt := range meetingEntries {
		if !meetingEnt.IsDir() {
			continue
		}
		meetingDir := filepath.Join(root, meetingEnt.Name())
		dateEntries, err := os.ReadDir(meetingDir)
		if err != nil {
			return nil, fmt.Errorf("enumerate text pages: read %s: %w", meetingDir, err)
		}
		for _, dateEnt := range dateEntries {
			if !dateEnt.IsDir() {
				continue
			}
			dateDir := filepath.Join(meetingDir, dateEnt.Name())
			files, err := os.ReadDir(dateDir)
			if err != nil {
				return nil, fmt.Errorf("enumerate text pages: read %s: %w", dateDir, err)
			}
			for _, f := range files {
				if f.IsDir() || filepath.Ext(f.Name()) != ".txt" {
					continue
				}
				base := f.Name()[:len(f.Name())-len(filepath.Ext(f.Name()))]
				page, err := strconv.Atoi(base)
				if err != nil {
					continue
				}
				pages = append(pages, PageFile{
					Meeting: meetingEnt.Name(),
					Date:    dateEnt.Name(),
					Page:    page,
					TxtPath: filepath.Join(dateDir, f.Name()),
				})
			}
		}
	}

	sort.Slice(pages, func(i, j int) bool {
		if pages[i].Meeting != pages[j].Meeting {
			return pages[i].Meeting < pages[j].Meeting
		}
		if pages[i].Date != pages[j].Date {
			return pages[i].Date < pages[j].Date
		}
		return pages[i].Page < pages[j].Page
	})
	return pages, nil
}

// FetchSite invokes Fetcher.Fetch, materializes every acquired document into
// the canonical storage/<site>/pdfs/<meeting>/<date>/<page>.pdf layout, and
// sizes the ocr fan-out. No PDF-splitting library is wired into this
// module, so each page path is a copy of the whole source document rather
// than a true single-page render; ocr_page's own renderer is what narrows
// down to a page's content (see DESIGN.md).
//
// fetch_site special-cases its own stage transition: it calls
// InitializeStage directly rather than going through a coordinator, since
// there is exactly one fetch job per site and its own completion
// unconditionally determines ocr's size.
func (o *Ops) FetchSite(ctx context.Context, site string) error {
	docs, err := o.fetchBreaker.Execute(func() ([]domain.DocumentRef, error) {
		return o.Env.Fetcher.Fetch(ctx, site)
	})
	if err != nil {
		return domain.NewError(classifyCollaboratorErr(err), "fetch_site", err)
	}

	total := 0
	type pageJob struct {
		meeting, date string
		page          int
		pdfPath       string
	}
	var jobs []pageJob

	for _, doc := range docs {
		destDir := o.pdfPageDir(site, doc.Meeting, doc.Date)
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return domain.NewError(domain.KindFatal, "fetch_site", fmt.Errorf("create pdf dir %s: %w", destDir, err))
		}
		pageCount := doc.PageCount
		if pageCount < 1 {
			pageCount = 1
		}
		for page := 1; page <= pageCount; page++ {
			destPath := filepath.Join(destDir, fmt.Sprintf("%d.pdf", page))
			if err := copyFile(doc.Path, destPath); err != nil {
				return domain.NewError(domain.KindPermanentItem, "fetch_site", fmt.Errorf("materialize page %d of %s: %w", page, doc.Path, err))
			}
			jobs = append(jobs, pageJob{meeting: doc.Meeting, date: doc.Date, page: page, pdfPath: destPath})
			total++
		}
	}

	if total == 0 {
		if err := o.Store.AdvanceStage(ctx, site, domain.StageFetch, domain.StageCompleted, 1); err != nil {
			return fmt.Errorf("fetch_site: advance empty site to completed: %w", err)
		}
		if err := o.Store.RecordError(ctx, site, domain.StageFetch, "no documents"); err != nil {
			return fmt.Errorf("fetch_site: record no-documents error: %w", err)
		}
		return nil
	}

	if err := o.Store.InitializeStage(ctx, site, domain.StageOCR, total); err != nil {
		return fmt.Errorf("fetch_site: initialize ocr stage: %w", err)
	}

	var pageIDs []string
	for _, j := range jobs {
		id, err := o.Broker.Enqueue(ctx, domain.QueueOCR, map[string]any{
			"site":     site,
			"meeting":  j.meeting,
			"date":     j.date,
			"page":     j.page,
			"pdf_path": j.pdfPath,
		}, domain.EnqueueOptions{Priority: domain.PriorityNormal})
		if err != nil {
			return fmt.Errorf("fetch_site: enqueue ocr_page %s/%s/%d: %w", j.meeting, j.date, j.page, err)
		}
		pageIDs = append(pageIDs, id)
	}

	if _, err := o.Broker.Enqueue(ctx, domain.QueueCompilation, map[string]any{
		"site": site,
		"kind": "coordinator",
	}, domain.EnqueueOptions{Priority: domain.PriorityNormal, DependsOn: pageIDs}); err != nil {
		return fmt.Errorf("fetch_site: enqueue ocr_coordinator: %w", err)
	}

	o.Log.Info("fetch_site materialized documents", "site", site, "documents", len(docs), "pages", total)
	return nil
}

// OCRPage renders/extracts text for a single page. Idempotence (an existing
// non-empty text file means success without reprocessing) is the
// collaborator's own contract, per collaborate.OCRer.
func (o *Ops) OCRPage(ctx context.Context, pdfPath string) (string, error) {
	textPath, err := o.ocrBreaker.Execute(func() (string, error) {
		return o.Env.OCR.OCR(ctx, pdfPath)
	})
	if err != nil {
		return "", domain.NewError(classifyCollaboratorErr(err), "ocr_page", err)
	}
	return textPath, nil
}

// Compilation enumerates storage/<site>/txt and produces
// storage/<site>/meetings.db via the site's Compiler.
func (o *Ops) Compilation(ctx context.Context, site string) (string, error) {
	dbPath, err := o.compileBreaker.Execute(func() (string, error) {
		return o.Env.Compiler.Compile(ctx, site, o.txtDir(site))
	})
	if err != nil {
		return "", domain.NewError(classifyCollaboratorErr(err), "compilation", err)
	}
	return dbPath, nil
}

// ExtractionPage parses a single page's text, computes entities/votes, and
// persists them into the compiled site database. It opens its own
// connection to storage/<site>/meetings.db rather than going through the
// Compiler interface, since persisting per-page annotations after the
// database already exists is a different concern than producing it.
func (o *Ops) ExtractionPage(ctx context.Context, site, meeting, date string, page int, text string) error {
	res, err := o.extractBreaker.Execute(func() (extractResult, error) {
		entities, votes, err := o.Env.Extractor.ExtractPage(ctx, text)
		return extractResult{entities: entities, votes: votes}, err
	})
	if err != nil {
		return domain.NewError(classifyCollaboratorErr(err), "extraction_page", err)
	}

	pageID := derivePageID(meeting, date, page, text)
	if err := persistExtraction(ctx, o.dbPath(site), pageID, res.entities, res.votes); err != nil {
		return domain.NewError(domain.KindPermanentItem, "extraction_page", err)
	}
	return nil
}

// Deploy publishes the compiled database via the site's Deployer.
func (o *Ops) Deploy(ctx context.Context, site, dbPath string) error {
	_, err := o.deployBreaker.Execute(func() (struct{}, error) {
		return struct{}{}, o.Env.Deployer.Deploy(ctx, site, dbPath)
	})
	if err != nil {
		return domain.NewError(classifyCollaboratorErr(err), "deploy", err)
	}
	return nil
}

func derivePageID(meeting, date string, page int, text string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%s", "page", meeting, date, page, text)
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// persistExtraction writes a page's entities/votes into the compiled
// site database, creating the supporting tables on first use. These are
// plain tables alongside the FTS5 pages virtual table the Compiler
// produces; extraction never touches the pages table itself.
func persistExtraction(ctx context.Context, dbPath, pageID string, entities []domain.Entity, votes []domain.Vote) error {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("open compiled db %s: %w", dbPath, err)
	}
	defer db.Close()

	schema := []string{
		`CREATE TABLE IF NOT EXISTS entities (page_id TEXT NOT NULL, kind TEXT NOT NULL, value TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS votes (page_id TEXT NOT NULL, member TEXT NOT NULL, motion TEXT NOT NULL, value TEXT NOT NULL)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure extraction schema: %w", err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	// extraction_page is idempotent w.r.t. replays: clear this page's prior
	// rows before reinserting rather than accumulating duplicates.
	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE page_id = ?`, pageID); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear prior entities for %s: %w", pageID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE page_id = ?`, pageID); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear prior votes for %s: %w", pageID, err)
	}

	for _, e := range entities {
		if _, err := tx.ExecContext(ctx, `INSERT INTO entities (page_id, kind, value) VALUES (?, ?, ?)`, pageID, e.Kind, e.Value); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert entity: %w", err)
		}
	}
	for _, v := range votes {
		if _, err := tx.ExecContext(ctx, `INSERT INTO votes (page_id, member, motion, value) VALUES (?, ?, ?, ?)`, pageID, v.Member, v.Motion, v.Value); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert vote: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s to %s: %w", src, dest, err)
	}
	return out.Close()
}

// classifyCollaboratorErr extracts the taxonomy kind a collaborator already
// attached. A breaker refusing to even attempt the call (open state) is
// unavailable rather than a per-item failure; everything else unclassified
// falls back to KindOf's conservative permanent_item default.
func classifyCollaboratorErr(err error) domain.ErrorKind {
	if errors.Is(err, gobreaker.ErrOpenState) {
		return domain.KindUnavailable
	}
	return domain.KindOf(err)
}
