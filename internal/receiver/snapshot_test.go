// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package receiver

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nishisan-dev/n-mirror/internal/config"
	"github.com/nishisan-dev/n-mirror/internal/protocol"
)

func TestSnapshotter_CaptureGzip(t *testing.T) {
	outputRoot := t.TempDir()
	snapDir := t.TempDir()

	if err := os.MkdirAll(filepath.Join(outputRoot, "sub"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outputRoot, "top.txt"), []byte("top"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outputRoot, "sub", "nested.txt"), []byte("nested"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outputRoot, protocol.PIDFileName), []byte("1"), 0644); err != nil {
		t.Fatalf("write pidfile: %v", err)
	}

	cfg := config.SnapshotConfig{Enabled: true, Dir: snapDir, Compression: "gzip", MaxSnapshots: 5}
	snap, err := NewSnapshotter(context.Background(), cfg, outputRoot, testLogger())
	if err != nil {
		t.Fatalf("NewSnapshotter: %v", err)
	}

	path, err := snap.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if !strings.HasSuffix(path, ".tar.gz") {
		t.Errorf("expected .tar.gz suffix, got %q", path)
	}

	// pgzip produz gzip padrão: validamos com o reader da stdlib.
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	tr := tar.NewReader(gz)

	contents := make(map[string]string)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar next: %v", err)
		}
		if hdr.Typeflag == tar.TypeDir {
			contents[hdr.Name] = ""
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("tar read %s: %v", hdr.Name, err)
		}
		contents[hdr.Name] = string(data)
	}

	if contents["top.txt"] != "top" {
		t.Errorf("expected top.txt in archive, got %v", contents)
	}
	if contents["sub/nested.txt"] != "nested" {
		t.Errorf("expected sub/nested.txt in archive, got %v", contents)
	}
	if _, ok := contents["sub/"]; !ok {
		t.Errorf("expected sub/ dir header in archive, got %v", contents)
	}
	if _, ok := contents[protocol.PIDFileName]; ok {
		t.Error("pidfile must not be archived")
	}
}

func TestRotate_KeepsNewest(t *testing.T) {
	dir := t.TempDir()

	names := []string{
		"2025-01-01T00-00-00-000.tar.gz",
		"2025-01-02T00-00-00-000.tar.gz",
		"2025-01-03T00-00-00-000.tar.gz",
		"2025-01-04T00-00-00-000.tar.gz",
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0644); err != nil {
			t.Fatalf("write %s: %v", n, err)
		}
	}
	// Arquivo de outra extensão não conta para a rotação
	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := Rotate(dir, 2, ".tar.gz"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	var kept []string
	for _, e := range entries {
		kept = append(kept, e.Name())
	}

	for _, want := range []string{names[2], names[3], "unrelated.txt"} {
		found := false
		for _, k := range kept {
			if k == want {
				found = true
			}
		}
		if !found {
			t.Errorf("expected %q kept, got %v", want, kept)
		}
	}
	if len(kept) != 3 {
		t.Errorf("expected 3 files after rotation, got %v", kept)
	}
}

func TestAtomicWriter_CommitAndAbort(t *testing.T) {
	dir := t.TempDir()
	aw := NewAtomicWriter(dir, ".tar.gz")

	f, tmpPath, err := aw.TempFile()
	if err != nil {
		t.Fatalf("TempFile: %v", err)
	}
	if _, err := f.WriteString("snapshot data"); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	finalPath, err := aw.Commit(tmpPath)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !strings.HasSuffix(finalPath, ".tar.gz") {
		t.Errorf("expected final extension, got %q", finalPath)
	}
	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("expected temp gone after commit")
	}

	// Abort remove o temporário
	f2, tmp2, err := aw.TempFile()
	if err != nil {
		t.Fatalf("TempFile: %v", err)
	}
	f2.Close()
	if err := aw.Abort(tmp2); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := os.Stat(tmp2); !os.IsNotExist(err) {
		t.Errorf("expected temp gone after abort")
	}
}
