package localdeploy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/civicband/clerk/internal/logging"
)

func TestDeployCopiesDatabaseIntoSiteDeployDir(t *testing.T) {
	storageDir := t.TempDir()
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "compiled.db")
	if err := os.WriteFile(src, []byte("sqlite contents"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	d := New(storageDir, logging.Nop())
	if err := d.Deploy(context.Background(), "a.example", src); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	dest := filepath.Join(storageDir, "a.example", "deploy", "meetings.db")
	content, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read deployed file: %v", err)
	}
	if string(content) != "sqlite contents" {
		t.Fatalf("unexpected deployed content: %q", content)
	}

	// no leftover temp file
	if _, err := os.Stat(dest + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be cleaned up, stat err=%v", err)
	}
}

func TestDeployOverwritesPriorDeployment(t *testing.T) {
	storageDir := t.TempDir()
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "compiled.db")

	d := New(storageDir, logging.Nop())

	if err := os.WriteFile(src, []byte("version one"), 0o644); err != nil {
		t.Fatalf("write src v1: %v", err)
	}
	if err := d.Deploy(context.Background(), "a.example", src); err != nil {
		t.Fatalf("deploy v1: %v", err)
	}

	if err := os.WriteFile(src, []byte("version two"), 0o644); err != nil {
		t.Fatalf("write src v2: %v", err)
	}
	if err := d.Deploy(context.Background(), "a.example", src); err != nil {
		t.Fatalf("deploy v2: %v", err)
	}

	dest := filepath.Join(storageDir, "a.example", "deploy", "meetings.db")
	content, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read deployed file: %v", err)
	}
	if string(content) != "version two" {
		t.Fatalf("expected latest deployment to overwrite prior, got %q", content)
	}
}
