// Package localdeploy implements the Deployer fallback used when no GCS
// bucket is configured: it copies the compiled database to a deploy/
// directory under the site's storage tree.
package localdeploy

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/civicband/clerk/internal/logging"
)

// Deployer copies a compiled site database to
// storageDir/<site>/deploy/meetings.db.
type Deployer struct {
	storageDir string
	log        *logging.Logger
}

// New returns a Deployer rooted at storageDir.
func New(storageDir string, log *logging.Logger) *Deployer {
	return &Deployer{storageDir: storageDir, log: log}
}

// Deploy copies dbPath into the site's deploy directory, replacing any
// prior deployment. The copy is atomic from readers' view: it is written to
// a temp file in the same directory and renamed into place.
func (d *Deployer) Deploy(ctx context.Context, site, dbPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	destDir := filepath.Join(d.storageDir, site, "deploy")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create deploy dir %s: %w", destDir, err)
	}
	dest := filepath.Join(destDir, "meetings.db")
	tmp := dest + ".tmp"

	in, err := os.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open compiled db %s: %w", dbPath, err)
	}
	defer in.Close()

	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp deploy file %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy %s to %s: %w", dbPath, tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp deploy file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmp, dest, err)
	}

	d.log.Info("deployed site database", "site", site, "path", dest)
	return nil
}
