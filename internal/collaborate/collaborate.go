// Package collaborate defines the capability interfaces the core depends on
// for everything outside its own scope (acquisition, OCR, extraction,
// compilation, deployment), and the Environment capability table that wires
// concrete implementations in at boot - no hidden mutable globals, no
// runtime attribute lookup.
package collaborate

import (
	"context"

	"github.com/civicband/clerk/internal/domain"
)

// Fetcher acquires documents for a site. It may take minutes and may fail
// transiently.
type Fetcher interface {
	Fetch(ctx context.Context, site string) ([]domain.DocumentRef, error)
}

// OCRer renders/extracts text for a single page, writing it to textPath.
// Blocking CPU work.
type OCRer interface {
	OCR(ctx context.Context, pagePath string) (textPath string, err error)
}

// Extractor computes entities/votes for a single page's text. Blocking,
// CPU/memory-heavy.
type Extractor interface {
	ExtractPage(ctx context.Context, text string) (entities []domain.Entity, votes []domain.Vote, err error)
}

// Compiler produces an FTS-indexed per-site database from a directory of
// text files.
type Compiler interface {
	Compile(ctx context.Context, site, txtDir string) (dbPath string, err error)
}

// Deployer publishes a compiled database.
type Deployer interface {
	Deploy(ctx context.Context, site, dbPath string) error
}

// Environment is the capability table built once at process start and
// threaded through worker construction. Plug-ins are values registered
// here, never package-level globals or duck-typed lookups.
type Environment struct {
	Fetcher   Fetcher
	OCR       OCRer
	Extractor Extractor
	Compiler  Compiler
	Deployer  Deployer
}
