// Package gcpocr implements the gcp_vision OCRer backend: synchronous
// document-text detection against a single-page PDF via Cloud Vision.
package gcpocr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"

	"github.com/civicband/clerk/internal/logging"
)

// OCRer renders a page's text via Cloud Vision's DOCUMENT_TEXT_DETECTION
// feature, run synchronously against the inline page PDF bytes - each page
// job handles one page, so there is no need for the async GCS-to-GCS flow.
type OCRer struct {
	client  *vision.ImageAnnotatorClient
	log     *logging.Logger
	timeout time.Duration
}

// New dials a Vision ImageAnnotatorClient using application-default
// credentials (or GOOGLE_APPLICATION_CREDENTIALS), as resolved by the
// client library itself.
func New(ctx context.Context, log *logging.Logger) (*OCRer, error) {
	client, err := vision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	return &OCRer{client: client, log: log, timeout: 60 * time.Second}, nil
}

// Close releases the underlying Vision client.
func (o *OCRer) Close() error {
	if o.client == nil {
		return nil
	}
	return o.client.Close()
}

// OCR reads pagePath (a single-page PDF), submits it to Vision for document
// text detection, and writes the recognized text alongside it in the
// parallel txt/ tree.
func (o *OCRer) OCR(ctx context.Context, pagePath string) (string, error) {
	textPath, err := derivedTextPath(pagePath)
	if err != nil {
		return "", err
	}
	if info, statErr := os.Stat(textPath); statErr == nil && info.Size() > 0 {
		return textPath, nil
	}

	content, err := os.ReadFile(pagePath)
	if err != nil {
		return "", fmt.Errorf("read page %s: %w", pagePath, err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req := &visionpb.BatchAnnotateFilesRequest{
		Requests: []*visionpb.AnnotateFileRequest{
			{
				InputConfig: &visionpb.InputConfig{
					Content:  content,
					MimeType: "application/pdf",
				},
				Features: []*visionpb.Feature{
					{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION},
				},
				Pages: []int32{1},
			},
		},
	}

	resp, err := o.client.BatchAnnotateFiles(ctx, req)
	if err != nil {
		return "", fmt.Errorf("vision BatchAnnotateFiles: %w", err)
	}
	if len(resp.Responses) == 0 || len(resp.Responses[0].Responses) == 0 {
		return "", fmt.Errorf("vision returned no page responses for %s", pagePath)
	}

	pageResp := resp.Responses[0].Responses[0]
	if pageResp.Error != nil && pageResp.Error.Message != "" {
		return "", fmt.Errorf("vision annotate error: %s", pageResp.Error.Message)
	}

	text := ""
	if fta := pageResp.FullTextAnnotation; fta != nil {
		text = fta.Text
	}

	if err := os.MkdirAll(filepath.Dir(textPath), 0o755); err != nil {
		return "", fmt.Errorf("create text dir for %s: %w", textPath, err)
	}
	if err := os.WriteFile(textPath, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write text for %s: %w", pagePath, err)
	}
	return textPath, nil
}

func derivedTextPath(pagePath string) (string, error) {
	const marker = string(filepath.Separator) + "pdfs" + string(filepath.Separator)
	idx := strings.Index(pagePath, marker)
	if idx < 0 {
		return "", fmt.Errorf("page path %q does not contain a /pdfs/ segment", pagePath)
	}
	rewritten := pagePath[:idx] + string(filepath.Separator) + "txt" + string(filepath.Separator) + pagePath[idx+len(marker):]
	return strings.TrimSuffix(rewritten, filepath.Ext(rewritten)) + ".txt", nil
}
