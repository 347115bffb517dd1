// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package sender implementa o lado de envio do espelhamento (nmirror send).
package sender

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/nishisan-dev/n-mirror/internal/protocol"
)

// Entry representa um item encontrado pelo walker.
type Entry struct {
	// AbsPath é o caminho absoluto no filesystem de origem.
	AbsPath string
	// RelPath é o caminho relativo à raiz, com separador '/' (wire format).
	RelPath string
	// Dir indica que a entry é um diretório (vira Mkdir no wire).
	Dir bool
	// Size é o tamanho do arquivo em bytes (0 para diretórios).
	Size int64
}

// Walker percorre a árvore de origem de forma iterativa (worklist
// explícita, sem recursão) e produz entries na ordem necessária para o
// espelhamento: o Mkdir de um diretório sempre precede qualquer entry
// dentro dele. Symlinks, sockets, devices e o pidfile do receiver são
// pulados. Entries ilegíveis são reportadas via onError e puladas.
type Walker struct {
	root     string
	excludes []string
	onError  func(path string, err error)
}

// NewWalker cria um Walker para a raiz fornecida.
// onError pode ser nil (erros de leitura são silenciosamente pulados).
func NewWalker(root string, excludes []string, onError func(path string, err error)) *Walker {
	if onError == nil {
		onError = func(string, error) {}
	}
	return &Walker{
		root:     filepath.Clean(root),
		excludes: excludes,
		onError:  onError,
	}
}

// Walk itera sobre a árvore chamando fn para cada entry elegível.
// A sequência é lazy, finita e não reiniciável. O contexto permite
// cancelamento entre entries. Um erro retornado por fn aborta o walk.
func (w *Walker) Walk(ctx context.Context, fn func(entry Entry) error) error {
	// Worklist de diretórios pendentes, em caminhos relativos (wire).
	// "" representa a própria raiz.
	pending := []string{""}

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rel := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		abs := w.root
		if rel != "" {
			abs = filepath.Join(w.root, filepath.FromSlash(rel))
		}

		entries, err := os.ReadDir(abs)
		if err != nil {
			w.onError(abs, err)
			continue
		}

		for _, d := range entries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			name := d.Name()
			if name == protocol.PIDFileName {
				continue
			}

			childRel := name
			if rel != "" {
				childRel = rel + "/" + name
			}
			childAbs := filepath.Join(abs, name)

			if w.isExcluded(childRel, d.IsDir()) {
				continue
			}

			if d.IsDir() {
				if err := fn(Entry{AbsPath: childAbs, RelPath: childRel, Dir: true}); err != nil {
					return err
				}
				pending = append(pending, childRel)
				continue
			}

			// Apenas arquivos regulares: symlinks, sockets, devices e
			// named pipes ficam de fora do espelho.
			if !d.Type().IsRegular() {
				continue
			}

			info, err := d.Info()
			if err != nil {
				w.onError(childAbs, err)
				continue
			}

			if err := fn(Entry{AbsPath: childAbs, RelPath: childRel, Size: info.Size()}); err != nil {
				return err
			}
		}
	}

	return nil
}

// isExcluded verifica se o caminho relativo corresponde a algum glob de exclusão.
// Suporta:
//   - "*.log"              → match pelo basename
//   - ".git/**"            → match diretório em qualquer nível
//   - "*/access-logs/"     → trailing slash indica match de diretório
func (w *Walker) isExcluded(relPath string, isDir bool) bool {
	base := path.Base(relPath)
	parts := strings.Split(relPath, "/")

	for _, pattern := range w.excludes {
		// Trailing slash = match apenas diretórios pelo nome
		if strings.HasSuffix(pattern, "/") {
			if isDir {
				dirPattern := strings.TrimSuffix(pattern, "/")
				dirPattern = strings.TrimPrefix(dirPattern, "*/")
				for _, part := range parts {
					if matched, _ := path.Match(dirPattern, part); matched {
						return true
					}
				}
			}
			continue
		}

		// Patterns com "/**" suffix — exclui diretório e todo conteúdo
		if strings.HasSuffix(pattern, "/**") {
			prefix := strings.TrimSuffix(pattern, "/**")
			for _, part := range parts {
				if matched, _ := path.Match(prefix, part); matched {
					return true
				}
			}
			continue
		}

		// Testa o caminho completo contra o pattern
		if matched, _ := path.Match(pattern, relPath); matched {
			return true
		}

		// Testa o basename contra o pattern (ex: "*.log" matcha qualquer .log)
		if matched, _ := path.Match(pattern, base); matched {
			return true
		}
	}
	return false
}
