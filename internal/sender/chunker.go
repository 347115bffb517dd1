// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sender

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/nishisan-dev/n-mirror/internal/protocol"
)

// Chunker lê arquivos regulares em fatias de tamanho fixo e produz a
// sequência ordenada de FileChunks de cada arquivo: seq 0, 1, 2, …, com
// exatamente um chunk final. Arquivos vazios produzem um único chunk
// final de payload vazio.
type Chunker struct {
	chunkSize int64
	encoder   *zstd.Encoder // nil = sem compressão de payload
}

// NewChunker cria um Chunker. encoder pode ser nil (payload sem compressão);
// quando presente, cada payload é comprimido individualmente com
// EncodeAll (safe para uso concorrente entre workers).
func NewChunker(chunkSize int64, encoder *zstd.Encoder) *Chunker {
	return &Chunker{chunkSize: chunkSize, encoder: encoder}
}

// ChunkFile abre o arquivo e emite seus chunks em ordem via emit.
// Em erro de leitura o arquivo é abandonado sem chunk final; o chamador
// decide a política (skip do arquivo, sessão continua). O file handle é
// liberado em todos os caminhos de saída.
func (c *Chunker) ChunkFile(ctx context.Context, fileID uint64, absPath, relPath string, emit func(protocol.FileChunk) error) error {
	f, err := os.Open(absPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", absPath, err)
	}
	defer f.Close()

	buf := make([]byte, c.chunkSize)
	var seq uint32

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := io.ReadFull(f, buf)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return fmt.Errorf("reading %s at chunk %d: %w", absPath, seq, readErr)
		}

		// ReadFull: sem erro = buf cheio, pode haver mais dados;
		// EOF/ErrUnexpectedEOF = fim do arquivo nesta fatia.
		// Arquivos com tamanho múltiplo exato do chunk size terminam com
		// um chunk final de payload vazio, o que o protocolo permite.
		final := readErr == io.EOF || readErr == io.ErrUnexpectedEOF

		payload := buf[:n]
		if c.encoder != nil {
			payload = c.encoder.EncodeAll(payload, nil)
		} else {
			// Copia: buf é reutilizado na próxima iteração e o emit pode
			// enfileirar o chunk para envio assíncrono.
			payload = append([]byte(nil), payload...)
		}

		if err := emit(protocol.FileChunk{
			FileID:  fileID,
			Path:    relPath,
			Seq:     seq,
			Payload: payload,
			Final:   final,
		}); err != nil {
			return err
		}
		seq++

		if final {
			return nil
		}
	}
}
