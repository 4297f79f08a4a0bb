// Package localfs implements the default Fetcher: a filesystem inbox a
// site's PDFs are dropped into, left exactly where they sit. Writing the
// acquired documents into the canonical storage/<site>/pdfs/... layout is
// the fetch_site stage operation's job, not the Fetcher's - the Fetcher's
// only contract is "acquire documents for a site".
package localfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/civicband/clerk/internal/domain"
	"github.com/civicband/clerk/internal/logging"
)

// Fetcher treats storageDir/inbox/<site>/<meeting>/<date>/*.pdf as the
// source of truth for a site's fetch. Dropping a PDF there simulates the
// site publishing a new document.
type Fetcher struct {
	storageDir string
	log        *logging.Logger
}

// New returns a Fetcher rooted at storageDir.
func New(storageDir string, log *logging.Logger) *Fetcher {
	return &Fetcher{storageDir: storageDir, log: log}
}

func (f *Fetcher) inboxDir(site string) string {
	return filepath.Join(f.storageDir, "inbox", site)
}

// Fetch walks the site's inbox for <meeting>/<date>/*.pdf files and counts
// each one's pages so the caller can size the ocr fan-out. Returned paths
// point directly at the inbox copy; the fetch_site stage operation is
// responsible for materializing the durable storage/<site>/pdfs/... tree.
func (f *Fetcher) Fetch(ctx context.Context, site string) ([]domain.DocumentRef, error) {
	root := f.inboxDir(site)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read inbox for %s: %w", site, err)
	}

	var refs []domain.DocumentRef
	for _, meetingEnt := range entries {
		if !meetingEnt.IsDir() {
			continue
		}
		meeting := meetingEnt.Name()
		meetingDir := filepath.Join(root, meeting)

		dateEntries, err := os.ReadDir(meetingDir)
		if err != nil {
			return nil, fmt.Errorf("read meeting dir %s: %w", meetingDir, err)
		}

		for _, dateEnt := range dateEntries {
			if !dateEnt.IsDir() {
				continue
			}
			date := dateEnt.Name()
			dateDir := filepath.Join(meetingDir, date)

			if err := ctx.Err(); err != nil {
				return nil, err
			}

			docs, err := f.fetchMeetingDate(site, meeting, date, dateDir)
			if err != nil {
				return nil, err
			}
			refs = append(refs, docs...)
		}
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Meeting != refs[j].Meeting {
			return refs[i].Meeting < refs[j].Meeting
		}
		if refs[i].Date != refs[j].Date {
			return refs[i].Date < refs[j].Date
		}
		return refs[i].Path < refs[j].Path
	})

	f.log.Info("fetch_site collected documents",
		"site", site, "meeting_count", len(entries), "document_count", len(refs))

	return refs, nil
}

func (f *Fetcher) fetchMeetingDate(site, meeting, date, dir string) ([]domain.DocumentRef, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var docs []domain.DocumentRef
	for _, file := range files {
		if file.IsDir() || !strings.EqualFold(filepath.Ext(file.Name()), ".pdf") {
			continue
		}

		srcPath := filepath.Join(dir, file.Name())
		pageCount, err := countPages(srcPath)
		if err != nil {
			f.log.Warn("failed to count pages, treating document as a single page",
				"path", srcPath, "error", err)
			pageCount = 1
		}

		docs = append(docs, domain.DocumentRef{
			Site:      site,
			Meeting:   meeting,
			Date:      date,
			Path:      srcPath,
			PageCount: pageCount,
		})
	}
	return docs, nil
}

// countPages opens a PDF and reports its page count, recovering from panics
// that malformed PDFs are known to trigger deep inside the parser.
func countPages(path string) (count int, err error) {
	defer func() {
		if r := recover(); r != nil {
			count = 0
			err = fmt.Errorf("panic counting pages: %v", r)
		}
	}()

	file, r, openErr := pdf.Open(path)
	if openErr != nil {
		return 0, fmt.Errorf("open pdf: %w", openErr)
	}
	defer file.Close()

	return r.NumPage(), nil
}
