// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package receiver

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nishisan-dev/n-mirror/internal/protocol"
)

// resolveLocalPath converte um caminho relativo do wire ('/'-separado, já
// validado pelo codec) no caminho local dentro de outputRoot.
// Defesa em profundidade: revalida o formato e confere que o caminho
// resolvido permanece dentro de outputRoot.
func resolveLocalPath(outputRoot, wirePath string) (string, error) {
	if err := protocol.ValidateRelPath(wirePath); err != nil {
		return "", err
	}
	if filepath.Base(filepath.FromSlash(wirePath)) == protocol.PIDFileName {
		return "", fmt.Errorf("%w: reserved name %q", protocol.ErrInvalidPath, wirePath)
	}

	resolved := filepath.Join(outputRoot, filepath.FromSlash(wirePath))
	if err := validatePathInBaseDir(outputRoot, resolved); err != nil {
		return "", err
	}
	return resolved, nil
}

// validatePathInBaseDir verifica que o caminho resolvido permanece dentro de baseDir.
// Defesa em profundidade contra path traversal.
func validatePathInBaseDir(baseDir, resolvedPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolving base dir: %w", err)
	}
	absResolved, err := filepath.Abs(resolvedPath)
	if err != nil {
		return fmt.Errorf("resolving target path: %w", err)
	}

	// filepath.Rel retorna erro se os paths não compartilham prefixo
	rel, err := filepath.Rel(absBase, absResolved)
	if err != nil {
		return fmt.Errorf("path escapes base directory: %w", err)
	}

	// Se rel começa com "..", o path resolvido está fora de baseDir
	if strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path %q escapes base directory %q", resolvedPath, baseDir)
	}

	return nil
}
