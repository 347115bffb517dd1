// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package receiver

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/nishisan-dev/n-mirror/internal/protocol"
)

// ErrAlreadyRunning indica que outro receiver já guarda o diretório de saída.
var ErrAlreadyRunning = errors.New("receiver: already running on this output directory")

// CreatePIDFile cria o arquivo sentinela de instância única com
// create-if-absent exclusivo e grava o PID do processo atual.
// Retorna ErrAlreadyRunning se o arquivo já existe.
func CreatePIDFile(outputRoot string) (string, error) {
	path := filepath.Join(outputRoot, protocol.PIDFileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s exists", ErrAlreadyRunning, path)
		}
		return "", fmt.Errorf("creating pid file: %w", err)
	}

	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("writing pid file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("closing pid file: %w", err)
	}

	return path, nil
}

// RemovePIDFile remove o arquivo sentinela. No-op se já não existir.
func RemovePIDFile(outputRoot string) error {
	path := filepath.Join(outputRoot, protocol.PIDFileName)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing pid file: %w", err)
	}
	return nil
}
