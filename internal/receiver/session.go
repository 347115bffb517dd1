// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package receiver

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/nishisan-dev/n-mirror/internal/protocol"
)

// sessionState é o estado da máquina de montagem.
//
//	INIT --ClearDir--> CLEARED --chunk/mkdir--> ACTIVE --Bye/close--> TERMINATED
//
// Qualquer outra mensagem em INIT é violação de protocolo e fecha a sessão.
type sessionState int

const (
	stateInit sessionState = iota
	stateCleared
	stateActive
	stateTerminated
)

// Erros fatais da sessão.
var (
	// ErrProtocolViolation fecha a sessão com status de protocolo.
	ErrProtocolViolation = errors.New("receiver: protocol violation")
	// ErrFatalIO indica falha de filesystem em nível de raiz (disco cheio,
	// output root removido); fatal para a sessão, que é fechada enquanto o
	// receiver segue aceitando novas conexões.
	ErrFatalIO = errors.New("receiver: fatal filesystem error")
)

// Session é o consumidor da stream de mensagens de uma conexão: executa
// o ClearDir, materializa diretórios e monta arquivos em append mode.
// Todo o estado é exclusivo da sessão e consumido serialmente — sem locks.
type Session struct {
	id         string
	remote     string
	outputRoot string
	logger     *slog.Logger
	send       func(msg any) error // envia mensagem de volta ao sender

	state        sessionState
	openFiles    map[string]*os.File // wire path → handle em append
	expectedNext map[uint64]uint32   // fileID → próximo seq esperado
	filePaths    map[uint64]string   // fileID → wire path (consistência)
	decoder      *zstd.Decoder       // nil = payload sem compressão

	filesCompleted int64
	bytesWritten   int64
}

// NewSession cria uma Session em INIT para a conexão identificada.
func NewSession(id, remote, outputRoot string, logger *slog.Logger, send func(msg any) error) *Session {
	return &Session{
		id:           id,
		remote:       remote,
		outputRoot:   outputRoot,
		logger:       logger,
		send:         send,
		state:        stateInit,
		openFiles:    make(map[string]*os.File),
		expectedNext: make(map[uint64]uint32),
		filePaths:    make(map[uint64]string),
	}
}

// Handle processa uma mensagem decodificada. Um erro retornado é fatal
// para a sessão (violação de protocolo ou filesystem em nível de raiz);
// erros por chunk são reportados via Ack{Err} e retornam nil.
func (s *Session) Handle(msg any) error {
	switch m := msg.(type) {
	case *protocol.ClearDir:
		return s.handleClearDir(m)
	case *protocol.Mkdir:
		if s.state == stateInit {
			return fmt.Errorf("%w: mkdir before clear_dir", ErrProtocolViolation)
		}
		s.state = stateActive
		return s.handleMkdir(m)
	case *protocol.FileChunk:
		if s.state == stateInit {
			return fmt.Errorf("%w: file_chunk before clear_dir", ErrProtocolViolation)
		}
		s.state = stateActive
		return s.handleChunk(m)
	default:
		return fmt.Errorf("%w: unexpected message %T", ErrProtocolViolation, msg)
	}
}

// handleClearDir esvazia o output root (preservando o pidfile) e fixa o
// modo de compressão da sessão. Idempotente: repetições são ignoradas.
func (s *Session) handleClearDir(m *protocol.ClearDir) error {
	if s.state != stateInit {
		s.logger.Debug("ignoring repeated clear_dir")
		return nil
	}

	if m.Compression == protocol.CompressionZstd {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return fmt.Errorf("creating zstd decoder: %w", err)
		}
		s.decoder = dec
	}

	if err := clearOutputRoot(s.outputRoot); err != nil {
		return fmt.Errorf("%w: clearing output root: %w", ErrFatalIO, err)
	}

	s.state = stateCleared
	s.logger.Info("output root cleared", "compression", m.Compression)
	return nil
}

// handleMkdir cria o diretório e os pais que faltarem. Idempotente.
// Falha de mkdir não é fatal: os chunks dos arquivos dentro dele
// reportarão o erro via ack.
func (s *Session) handleMkdir(m *protocol.Mkdir) error {
	local, err := resolveLocalPath(s.outputRoot, m.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	if err := os.MkdirAll(local, 0755); err != nil {
		s.logger.Warn("mkdir failed", "path", m.Path, "error", err)
		return s.checkRootAlive()
	}
	return nil
}

// handleChunk valida a ordem do chunk, abre o arquivo em append na
// primeira fatia, grava o payload e fecha no chunk final. Cada chunk é
// confirmado com um Ack.
func (s *Session) handleChunk(m *protocol.FileChunk) error {
	// Ordenação: primeiro chunk de um fileID deve ter seq 0; os demais
	// seguem expectedNext sem lacunas. Gap em um único WebSocket ordenado
	// não é perda de frame — é violação de protocolo.
	expected, known := s.expectedNext[m.FileID]
	if !known {
		if m.Seq != 0 {
			return fmt.Errorf("%w: first chunk of file %d has seq %d", ErrProtocolViolation, m.FileID, m.Seq)
		}
		s.filePaths[m.FileID] = m.Path
	} else {
		if m.Seq != expected {
			return fmt.Errorf("%w: out-of-order chunk for file %d: got seq %d, expected %d",
				ErrProtocolViolation, m.FileID, m.Seq, expected)
		}
		if s.filePaths[m.FileID] != m.Path {
			return fmt.Errorf("%w: file %d changed path from %q to %q",
				ErrProtocolViolation, m.FileID, s.filePaths[m.FileID], m.Path)
		}
	}

	local, err := resolveLocalPath(s.outputRoot, m.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	payload := m.Payload
	if s.decoder != nil {
		payload, err = s.decoder.DecodeAll(m.Payload, nil)
		if err != nil {
			return fmt.Errorf("%w: decompressing chunk %d of file %d: %v",
				ErrProtocolViolation, m.Seq, m.FileID, err)
		}
	}

	writeErr := s.appendChunk(m, local, payload)
	if writeErr != nil {
		s.logger.Warn("chunk write failed",
			"path", m.Path, "file_id", m.FileID, "seq", m.Seq, "error", writeErr)
		if err := s.ack(m, writeErr); err != nil {
			return err
		}
		return s.checkRootAlive()
	}

	return s.ack(m, nil)
}

// appendChunk grava o payload no handle do arquivo (aberto em append na
// primeira fatia) e avança o estado de sequência. O tamanho do arquivo
// em disco cresce monotonicamente — propriedade observável da montagem.
func (s *Session) appendChunk(m *protocol.FileChunk, local string, payload []byte) error {
	f, open := s.openFiles[m.Path]
	if !open {
		var err error
		f, err = os.OpenFile(local, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			s.advance(m)
			return fmt.Errorf("opening %s: %w", m.Path, err)
		}
		s.openFiles[m.Path] = f
	}

	_, err := f.Write(payload)
	if err == nil {
		s.bytesWritten += int64(len(payload))
	}

	if m.Final {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		delete(s.openFiles, m.Path)
		if err == nil {
			s.filesCompleted++
		}
	}
	s.advance(m)

	if err != nil {
		return fmt.Errorf("writing %s: %w", m.Path, err)
	}
	return nil
}

// advance atualiza expectedNext/filePaths após processar um chunk.
func (s *Session) advance(m *protocol.FileChunk) {
	if m.Final {
		delete(s.expectedNext, m.FileID)
		delete(s.filePaths, m.FileID)
		return
	}
	s.expectedNext[m.FileID] = m.Seq + 1
}

// ack envia o resultado do chunk ao sender. Falha de envio é fatal
// (transporte da sessão morreu).
func (s *Session) ack(m *protocol.FileChunk, result error) error {
	a := protocol.Ack{FileID: m.FileID, Seq: m.Seq, Outcome: protocol.AckOk}
	if result != nil {
		a.Outcome = protocol.AckErr
		a.Reason = result.Error()
	}
	if err := s.send(a); err != nil {
		return fmt.Errorf("sending ack: %w", err)
	}
	return nil
}

// checkRootAlive distingue falha por arquivo de falha em nível de raiz:
// se o output root sumiu, a sessão não tem como continuar.
func (s *Session) checkRootAlive() error {
	if _, err := os.Stat(s.outputRoot); err != nil {
		return fmt.Errorf("%w: output root: %w", ErrFatalIO, err)
	}
	return nil
}

// Close fecha handles ainda abertos e libera o estado da sessão.
// Arquivos parciais de um close unclean ficam no disco — o ClearDir da
// próxima sessão os remove.
func (s *Session) Close() {
	for path, f := range s.openFiles {
		if err := f.Close(); err != nil {
			s.logger.Warn("closing partial file", "path", path, "error", err)
		}
	}
	s.openFiles = make(map[string]*os.File)
	s.expectedNext = make(map[uint64]uint32)
	s.filePaths = make(map[uint64]string)
	if s.decoder != nil {
		s.decoder.Close()
		s.decoder = nil
	}
	s.state = stateTerminated
}

// Cleared informa se o ClearDir da sessão já foi executado.
func (s *Session) Cleared() bool {
	return s.state == stateCleared || s.state == stateActive
}

// Stats retorna os totais da sessão (arquivos completos, bytes gravados).
func (s *Session) Stats() (files, bytes int64) {
	return s.filesCompleted, s.bytesWritten
}

// PartialFiles retorna os paths com handle aberto (chunk final não visto).
func (s *Session) PartialFiles() []string {
	paths := make([]string, 0, len(s.openFiles))
	for p := range s.openFiles {
		paths = append(paths, p)
	}
	return paths
}
