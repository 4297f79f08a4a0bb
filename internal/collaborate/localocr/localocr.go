// Package localocr implements the default_ocr_backend=local_noop OCRer: a
// trivial, network-free stand-in used in tests and offline demos so the
// pipeline can run end to end without a Vision API key.
package localocr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// OCRer writes a text file for a page without performing any real OCR. If a
// sidecar .txt file already sits next to pagePath (a test fixture seeding
// expected output), its contents are copied verbatim; otherwise placeholder
// text is synthesized so downstream stages always have something to index.
type OCRer struct{}

// New returns a no-op OCRer.
func New() *OCRer { return &OCRer{} }

// OCR derives the canonical storage/<site>/txt/<meeting>/<date>/<page>.txt
// path from pagePath (storage/<site>/pdfs/<meeting>/<date>/<page>.pdf) and
// writes it, honoring ocr_page's idempotence requirement: an existing
// non-empty text file is left untouched.
func (o *OCRer) OCR(ctx context.Context, pagePath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	textPath, err := derivedTextPath(pagePath)
	if err != nil {
		return "", err
	}

	if info, statErr := os.Stat(textPath); statErr == nil && info.Size() > 0 {
		return textPath, nil
	}

	if err := os.MkdirAll(filepath.Dir(textPath), 0o755); err != nil {
		return "", fmt.Errorf("create text dir for %s: %w", textPath, err)
	}

	sidecar := strings.TrimSuffix(pagePath, filepath.Ext(pagePath)) + ".txt"
	if content, readErr := os.ReadFile(sidecar); readErr == nil && len(content) > 0 {
		if err := os.WriteFile(textPath, content, 0o644); err != nil {
			return "", fmt.Errorf("write text from sidecar for %s: %w", pagePath, err)
		}
		return textPath, nil
	}

	placeholder := fmt.Sprintf("[local_noop ocr backend] no text extracted for %s\n", pagePath)
	if err := os.WriteFile(textPath, []byte(placeholder), 0o644); err != nil {
		return "", fmt.Errorf("write placeholder text for %s: %w", pagePath, err)
	}
	return textPath, nil
}

// derivedTextPath rewrites the first "/pdfs/" path segment to "/txt/" and
// swaps the extension for .txt, matching the storage layout's pdfs/ and
// txt/ trees rooted at the same <site> directory.
func derivedTextPath(pagePath string) (string, error) {
	const marker = string(filepath.Separator) + "pdfs" + string(filepath.Separator)
	idx := strings.Index(pagePath, marker)
	if idx < 0 {
		return "", fmt.Errorf("page path %q does not contain a /pdfs/ segment", pagePath)
	}
	rewritten := pagePath[:idx] + string(filepath.Separator) + "txt" + string(filepath.Separator) + pagePath[idx+len(marker):]
	return strings.TrimSuffix(rewritten, filepath.Ext(rewritten)) + ".txt", nil
}
