// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/nishisan-dev/n-mirror/internal/config"
	"github.com/nishisan-dev/n-mirror/internal/pki"
	"github.com/nishisan-dev/n-mirror/internal/protocol"
)

// writeTimeout é o deadline aplicado a cada escrita no socket para
// detectar conexões half-open.
const writeTimeout = 30 * time.Second

// dialTimeout limita o handshake WebSocket inicial.
const dialTimeout = 30 * time.Second

// Erros de alto nível do sender, mapeados para exit codes pelo cmd.
var (
	ErrConnect          = errors.New("sender: connect failure")
	ErrSourceUnreadable = errors.New("sender: source unreadable")
	ErrTransport        = errors.New("sender: transport failure")
)

// Stats acumula métricas de uma execução do espelhamento.
type Stats struct {
	Dirs         atomic.Int64
	Files        atomic.Int64
	Bytes        atomic.Int64
	SkippedFiles atomic.Int64
}

// session agrupa o estado de uma sessão de espelhamento em andamento.
type session struct {
	conn     *websocket.Conn
	out      chan []byte
	throttle *Throttle
	acks     *ackTracker
	logger   *slog.Logger
	cancel   context.CancelFunc
	stats    *Stats
}

// Run executa um espelhamento completo: conecta, envia o ClearDir,
// percorre a origem com o pool de workers e encerra com Bye.
func Run(ctx context.Context, cfg *config.SenderConfig, logger *slog.Logger) (*Stats, error) {
	start := time.Now()

	src, err := filepath.Abs(cfg.Source.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %w", ErrSourceUnreadable, cfg.Source.Path, err)
	}
	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnreadable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrSourceUnreadable, src)
	}
	if _, err := os.ReadDir(src); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnreadable, err)
	}

	conn, err := dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %w", ErrConnect, cfg.Server.URL, err)
	}
	defer conn.Close(websocket.StatusInternalError, "sender aborted")

	// Acks são pequenos, mas o limite default (32KB) é apertado para
	// qualquer frame inesperado; alinha com o lado do receiver.
	conn.SetReadLimit(2 * protocol.MaxPayloadBytes)

	var encoder *zstd.Encoder
	if cfg.Transfer.Compression == "zstd" {
		encoder, err = zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		defer encoder.Close()
	}

	logger.Info("mirror session starting",
		"source", src,
		"server", cfg.Server.URL,
		"chunk_size", cfg.Transfer.ChunkSizeRaw,
		"max_concurrent_files", cfg.Transfer.MaxConcurrentFiles,
		"compression", cfg.Transfer.Compression,
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stats := &Stats{}
	s := &session{
		conn:     conn,
		out:      make(chan []byte, cfg.Transfer.QueueCapacity),
		throttle: NewThrottle(cfg.Transfer.RateLimitRaw),
		acks:     newAckTracker(),
		logger:   logger,
		cancel:   cancel,
		stats:    stats,
	}

	muxDone := make(chan error, 1)
	go func() { muxDone <- s.runMux(runCtx) }()

	ackDone := make(chan struct{})
	go func() {
		defer close(ackDone)
		s.runAckReader(runCtx)
	}()

	// ClearDir é sempre a primeira mensagem da sessão e estabelece o
	// modo de compressão de payload.
	if err := s.enqueue(runCtx, protocol.ClearDir{Compression: cfg.Transfer.Compression}); err != nil {
		close(s.out)
		return stats, s.resolveError(err, <-muxDone)
	}

	chunker := NewChunker(cfg.Transfer.ChunkSizeRaw, encoder)
	var nextFileID atomic.Uint64

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(cfg.Transfer.MaxConcurrentFiles)

	walker := NewWalker(src, cfg.Source.Exclude, func(path string, err error) {
		logger.Warn("skipping unreadable entry", "path", path, "error", err)
	})

	walkErr := walker.Walk(gctx, func(e Entry) error {
		if e.Dir {
			stats.Dirs.Add(1)
			return s.enqueue(gctx, protocol.Mkdir{Path: e.RelPath})
		}

		fileID := nextFileID.Add(1)
		g.Go(func() error {
			return s.streamFile(gctx, chunker, fileID, e)
		})
		return nil
	})

	poolErr := g.Wait()

	// Aguarda os acks dos chunks finais antes do Bye. Advisory: timeout
	// só gera warning, nunca falha a sessão.
	if walkErr == nil && poolErr == nil {
		if missed := s.acks.wait(cfg.Transfer.AckWait); missed > 0 {
			logger.Warn("timed out waiting for final-chunk acks", "outstanding", missed)
		}
		if err := s.enqueue(runCtx, protocol.Bye{}); err != nil {
			walkErr = err
		}
	}

	close(s.out)
	muxErr := <-muxDone

	cancel()
	<-ackDone

	if err := s.resolveError(firstError(walkErr, poolErr), muxErr); err != nil {
		return stats, err
	}

	if err := conn.Close(websocket.StatusNormalClosure, "mirror complete"); err != nil {
		// O peer pode ter fechado primeiro após o Bye; não é falha.
		logger.Debug("closing websocket", "error", err)
	}

	logger.Info("mirror session complete",
		"dirs", stats.Dirs.Load(),
		"files", stats.Files.Load(),
		"bytes", stats.Bytes.Load(),
		"skipped_files", stats.SkippedFiles.Load(),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return stats, nil
}

// dial abre a conexão WebSocket, com TLS client config quando a URL é wss://.
func dial(ctx context.Context, cfg *config.SenderConfig) (*websocket.Conn, error) {
	httpClient := http.DefaultClient

	if strings.HasPrefix(cfg.Server.URL, "wss://") &&
		(cfg.TLS.CACert != "" || cfg.TLS.ClientCert != "") {
		tlsCfg, err := pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey)
		if err != nil {
			return nil, err
		}
		httpClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		}
	}

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dctx, cfg.Server.URL, &websocket.DialOptions{
		HTTPClient: httpClient,
	})
	return conn, err
}

// streamFile envia um arquivo inteiro pelo chunker. Erros de leitura
// pulam o arquivo (a sessão continua); cancelamento propaga.
func (s *session) streamFile(ctx context.Context, chunker *Chunker, fileID uint64, e Entry) error {
	var sent int64
	err := chunker.ChunkFile(ctx, fileID, e.AbsPath, e.RelPath, func(chunk protocol.FileChunk) error {
		if chunk.Final {
			s.acks.expectFinal(fileID, chunk.Seq)
		}
		if err := s.enqueue(ctx, chunk); err != nil {
			if chunk.Final {
				s.acks.abandonFinal(fileID)
			}
			return err
		}
		sent += int64(len(chunk.Payload))
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		s.logger.Warn("skipping file after read error", "path", e.RelPath, "error", err)
		s.stats.SkippedFiles.Add(1)
		return nil
	}

	s.stats.Files.Add(1)
	s.stats.Bytes.Add(sent)
	return nil
}

// enqueue serializa a mensagem e a coloca no canal de saída (FIFO).
// Bloqueia quando o canal está cheio — é daqui que vem o back-pressure
// que limita a memória do pipeline.
func (s *session) enqueue(ctx context.Context, msg any) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case s.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runMux é o único escritor do socket: consome o canal de saída e envia
// cada frame em ordem. Em erro de escrita cancela a sessão e continua
// drenando o canal para desbloquear os workers.
func (s *session) runMux(ctx context.Context) error {
	var firstErr error

	for frame := range s.out {
		if firstErr != nil {
			continue
		}

		if err := s.throttle.Wait(ctx, len(frame)); err != nil {
			firstErr = err
			s.cancel()
			continue
		}

		wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
		err := s.conn.Write(wctx, websocket.MessageText, frame)
		wcancel()
		if err != nil {
			firstErr = fmt.Errorf("writing frame: %w", err)
			s.cancel()
		}
	}

	return firstErr
}

// runAckReader consome mensagens do receiver: acks (advisory) e Bye.
// Retorna quando a conexão fecha ou o contexto é cancelado.
func (s *session) runAckReader(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("discarding malformed message from receiver", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.Ack:
			if m.Outcome == protocol.AckErr {
				s.logger.Warn("receiver reported chunk error",
					"file_id", m.FileID, "seq", m.Seq, "reason", m.Reason)
			}
			s.acks.observe(m)
		case *protocol.Bye:
			return
		default:
			s.logger.Warn("unexpected message from receiver", "type", fmt.Sprintf("%T", msg))
		}
	}
}

// resolveError decide o erro final da sessão. Erros de contexto
// cancelado por falha do mux são substituídos pela causa real.
func (s *session) resolveError(flowErr, muxErr error) error {
	err := flowErr
	if muxErr != nil && (err == nil || errors.Is(err, context.Canceled)) {
		err = muxErr
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConnect) || errors.Is(err, ErrSourceUnreadable) || errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// ackTracker rastreia os chunks finais ainda não confirmados pelo receiver.
type ackTracker struct {
	mu      sync.Mutex
	pending map[uint64]uint32 // fileID → seq do chunk final
	wg      sync.WaitGroup
}

func newAckTracker() *ackTracker {
	return &ackTracker{pending: make(map[uint64]uint32)}
}

// expectFinal registra que o chunk final de fileID foi (ou está prestes
// a ser) enviado. Registrado ANTES do enqueue para não perder acks que
// cheguem antes do registro.
func (t *ackTracker) expectFinal(fileID uint64, seq uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[fileID] = seq
	t.wg.Add(1)
}

// abandonFinal desfaz um expectFinal cujo enqueue falhou.
func (t *ackTracker) abandonFinal(fileID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[fileID]; ok {
		delete(t.pending, fileID)
		t.wg.Done()
	}
}

// observe processa um ack recebido; acks de chunks não-finais são ignorados.
func (t *ackTracker) observe(ack *protocol.Ack) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq, ok := t.pending[ack.FileID]; ok && seq == ack.Seq {
		delete(t.pending, ack.FileID)
		t.wg.Done()
	}
}

// wait bloqueia até todos os finais pendentes serem confirmados ou o
// timeout expirar. Retorna quantos finais ficaram sem ack (0 = sucesso);
// no timeout os pendentes são abandonados para liberar a goroutine de Wait.
func (t *ackTracker) wait(timeout time.Duration) int {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return 0
	case <-time.After(timeout):
		t.mu.Lock()
		abandoned := len(t.pending)
		for id := range t.pending {
			delete(t.pending, id)
			t.wg.Done()
		}
		t.mu.Unlock()
		return abandoned
	}
}

func (t *ackTracker) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
