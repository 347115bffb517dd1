// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package receiver

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/n-mirror/internal/config"
	"github.com/nishisan-dev/n-mirror/internal/protocol"
)

// Snapshotter arquiva o diretório de saída em tar.gz/tar.zst após cada
// sessão bem-sucedida, com escrita atômica, rotação e upload opcional.
type Snapshotter struct {
	cfg        config.SnapshotConfig
	outputRoot string
	logger     *slog.Logger
	uploader   *S3Uploader
}

// NewSnapshotter cria o Snapshotter e, quando configurado, o uploader S3.
func NewSnapshotter(ctx context.Context, cfg config.SnapshotConfig, outputRoot string, logger *slog.Logger) (*Snapshotter, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}

	s := &Snapshotter{
		cfg:        cfg,
		outputRoot: outputRoot,
		logger:     logger.With("component", "snapshotter"),
	}

	if cfg.S3.Bucket != "" {
		uploader, err := NewS3Uploader(ctx, cfg.S3, logger)
		if err != nil {
			return nil, fmt.Errorf("configuring s3 uploader: %w", err)
		}
		s.uploader = uploader
	}

	return s, nil
}

// Capture arquiva o estado atual do output root (pidfile excluído) e
// rotaciona snapshots antigos. Retorna o path final do snapshot.
func (s *Snapshotter) Capture(ctx context.Context) (string, error) {
	aw := NewAtomicWriter(s.cfg.Dir, s.cfg.FileExtension())

	tmpFile, tmpPath, err := aw.TempFile()
	if err != nil {
		return "", err
	}

	if err := s.writeArchive(ctx, tmpFile); err != nil {
		tmpFile.Close()
		aw.Abort(tmpPath)
		return "", err
	}
	if err := tmpFile.Close(); err != nil {
		aw.Abort(tmpPath)
		return "", fmt.Errorf("closing snapshot temp file: %w", err)
	}

	finalPath, err := aw.Commit(tmpPath)
	if err != nil {
		aw.Abort(tmpPath)
		return "", err
	}

	if err := Rotate(s.cfg.Dir, s.cfg.MaxSnapshots, s.cfg.FileExtension()); err != nil {
		s.logger.Warn("snapshot rotation failed", "error", err)
	}

	return finalPath, nil
}

// UploadAsync envia o snapshot para o S3 em background. No-op sem uploader.
func (s *Snapshotter) UploadAsync(ctx context.Context, path string, done func(error)) {
	if s.uploader == nil {
		return
	}
	go func() {
		done(s.uploader.Upload(ctx, path))
	}()
}

// writeArchive percorre o output root de forma iterativa e escreve o tar
// comprimido em w.
func (s *Snapshotter) writeArchive(ctx context.Context, w io.Writer) error {
	var compressed io.WriteCloser
	switch s.cfg.Compression {
	case "zst":
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		compressed = zw
	default:
		compressed = pgzip.NewWriter(w)
	}

	tw := tar.NewWriter(compressed)

	// Worklist de diretórios pendentes, relativos ao output root.
	pending := []string{""}
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			tw.Close()
			compressed.Close()
			return ctx.Err()
		default:
		}

		rel := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		abs := filepath.Join(s.outputRoot, filepath.FromSlash(rel))
		entries, err := os.ReadDir(abs)
		if err != nil {
			tw.Close()
			compressed.Close()
			return fmt.Errorf("listing %s: %w", abs, err)
		}

		for _, e := range entries {
			if rel == "" && e.Name() == protocol.PIDFileName {
				continue
			}

			childRel := e.Name()
			if rel != "" {
				childRel = rel + "/" + e.Name()
			}
			childAbs := filepath.Join(abs, e.Name())

			if e.IsDir() {
				if err := tw.WriteHeader(&tar.Header{
					Name:     childRel + "/",
					Typeflag: tar.TypeDir,
					Mode:     0755,
					ModTime:  time.Now(),
				}); err != nil {
					tw.Close()
					compressed.Close()
					return fmt.Errorf("writing dir header %s: %w", childRel, err)
				}
				pending = append(pending, childRel)
				continue
			}
			if !e.Type().IsRegular() {
				continue
			}

			if err := s.addFile(tw, childAbs, childRel); err != nil {
				tw.Close()
				compressed.Close()
				return err
			}
		}
	}

	if err := tw.Close(); err != nil {
		compressed.Close()
		return fmt.Errorf("closing tar writer: %w", err)
	}
	if err := compressed.Close(); err != nil {
		return fmt.Errorf("closing compressor: %w", err)
	}
	return nil
}

// addFile escreve um arquivo regular no tar com handle scoped.
func (s *Snapshotter) addFile(tw *tar.Writer, absPath, relPath string) error {
	f, err := os.Open(absPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", absPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating %s: %w", absPath, err)
	}

	if err := tw.WriteHeader(&tar.Header{
		Name:    relPath,
		Size:    info.Size(),
		Mode:    0644,
		ModTime: info.ModTime(),
	}); err != nil {
		return fmt.Errorf("writing header %s: %w", relPath, err)
	}

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archiving %s: %w", relPath, err)
	}
	return nil
}

// AtomicWriter gerencia a escrita atômica de snapshots:
// grava em .tmp → rename para nome final.
type AtomicWriter struct {
	dir string
	ext string
}

// NewAtomicWriter cria um AtomicWriter para o diretório de snapshots.
func NewAtomicWriter(dir, ext string) *AtomicWriter {
	return &AtomicWriter{dir: dir, ext: ext}
}

// TempFile cria um arquivo temporário no diretório de snapshots.
func (w *AtomicWriter) TempFile() (*os.File, string, error) {
	f, err := os.CreateTemp(w.dir, "snapshot-*.tmp")
	if err != nil {
		return nil, "", fmt.Errorf("creating temp file: %w", err)
	}
	return f, f.Name(), nil
}

// Commit renomeia o arquivo temporário para o nome final com timestamp.
func (w *AtomicWriter) Commit(tmpPath string) (string, error) {
	timestamp := time.Now().UTC().Format("2006-01-02T15-04-05.000")
	// Substitui ponto decimal por traço para portabilidade em FS
	timestamp = strings.ReplaceAll(timestamp, ".", "-")
	finalPath := filepath.Join(w.dir, timestamp+w.ext)

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("renaming temp to final: %w", err)
	}

	return finalPath, nil
}

// Abort remove o arquivo temporário em caso de erro.
func (w *AtomicWriter) Abort(tmpPath string) error {
	return os.Remove(tmpPath)
}

// Rotate remove snapshots excedentes, mantendo os maxSnapshots mais recentes.
func Rotate(dir string, maxSnapshots int, ext string) error {
	if maxSnapshots <= 0 {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading snapshot directory: %w", err)
	}

	var snapshots []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ext) {
			snapshots = append(snapshots, e.Name())
		}
	}

	// Ordena por nome (timestamp → ordem cronológica natural)
	sort.Strings(snapshots)

	// Remove os mais antigos que excedam o limite
	if len(snapshots) > maxSnapshots {
		toRemove := snapshots[:len(snapshots)-maxSnapshots]
		for _, name := range toRemove {
			path := filepath.Join(dir, name)
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("removing old snapshot %s: %w", name, err)
			}
		}
	}

	return nil
}
