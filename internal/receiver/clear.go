// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package receiver

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nishisan-dev/n-mirror/internal/protocol"
)

// clearFrame é um item da worklist de limpeza.
type clearFrame struct {
	path     string
	expanded bool // true = filhos já processados, diretório pronto para remoção
}

// clearOutputRoot esvazia o diretório de saída preservando o pidfile.
// Deleção post-order iterativa (worklist explícita): arquivos são
// removidos na descida, diretórios na subida, sem recursão — árvores
// arbitrariamente profundas não estouram a stack.
func clearOutputRoot(root string) error {
	stack := []clearFrame{{path: root}}

	for len(stack) > 0 {
		fr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if fr.expanded {
			if fr.path == root {
				continue
			}
			if err := os.Remove(fr.path); err != nil {
				return fmt.Errorf("removing directory %s: %w", fr.path, err)
			}
			continue
		}

		entries, err := os.ReadDir(fr.path)
		if err != nil {
			return fmt.Errorf("listing %s: %w", fr.path, err)
		}

		// Reinsere o diretório marcado: será removido depois dos filhos.
		stack = append(stack, clearFrame{path: fr.path, expanded: true})

		for _, e := range entries {
			if fr.path == root && e.Name() == protocol.PIDFileName {
				continue
			}
			child := filepath.Join(fr.path, e.Name())
			// IsDir é false para symlinks: viram Remove direto, sem descida.
			if e.IsDir() {
				stack = append(stack, clearFrame{path: child})
				continue
			}
			if err := os.Remove(child); err != nil {
				return fmt.Errorf("removing %s: %w", child, err)
			}
		}
	}

	return nil
}
