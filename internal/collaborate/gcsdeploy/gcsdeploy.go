// Package gcsdeploy implements the Deployer that publishes a compiled
// site database to a GCS bucket.
package gcsdeploy

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"

	"github.com/civicband/clerk/internal/logging"
)

// Deployer uploads a compiled meetings.db to bucket, keyed by site.
type Deployer struct {
	client *storage.Client
	bucket string
	log    *logging.Logger
}

// New dials a storage client using application-default credentials.
func New(ctx context.Context, bucket string, log *logging.Logger) (*Deployer, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return &Deployer{client: client, bucket: bucket, log: log}, nil
}

// Close releases the underlying storage client.
func (d *Deployer) Close() error {
	if d.client == nil {
		return nil
	}
	return d.client.Close()
}

func objectKey(site string) string {
	return site + "/meetings.db"
}

// Deploy uploads dbPath to gs://<bucket>/<site>/meetings.db, overwriting any
// prior deployment. Deploy is idempotent by design: re-running it for the
// same dbPath produces the same object.
func (d *Deployer) Deploy(ctx context.Context, site, dbPath string) error {
	f, err := os.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open compiled db %s: %w", dbPath, err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	key := objectKey(site)
	w := d.client.Bucket(d.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/vnd.sqlite3"

	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload %s to gs://%s/%s: %w", dbPath, d.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize upload of %s: %w", key, err)
	}

	d.log.Info("deployed site database", "site", site, "bucket", d.bucket, "key", key)
	return nil
}
