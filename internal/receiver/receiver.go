// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package receiver implementa o lado de recepção do espelhamento
// (nmirror receive): admissão de um sender por vez, guard de instância
// única via pidfile e a máquina de montagem por sessão.
package receiver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/nishisan-dev/n-mirror/internal/config"
	"github.com/nishisan-dev/n-mirror/internal/logging"
	"github.com/nishisan-dev/n-mirror/internal/pki"
	"github.com/nishisan-dev/n-mirror/internal/protocol"
	"github.com/nishisan-dev/n-mirror/internal/receiver/observability"
)

// ErrBind indica falha ao abrir o listener TCP.
var ErrBind = errors.New("receiver: bind failure")

// ackWriteTimeout é o deadline de cada escrita de ack no socket.
const ackWriteTimeout = 30 * time.Second

// shutdownGrace é o tempo máximo de espera do http.Server no shutdown.
const shutdownGrace = 5 * time.Second

// Run inicia o receiver e bloqueia até o context ser cancelado.
// No retorno o pidfile foi removido e a sessão em andamento, encerrada.
func Run(ctx context.Context, cfg *config.ReceiverConfig, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Receiver.Port))
	if err != nil {
		return fmt.Errorf("%w: listening on port %d: %w", ErrBind, cfg.Receiver.Port, err)
	}

	if cfg.TLS.ServerCert != "" {
		tlsCfg, err := pki.NewServerTLSConfig(cfg.TLS.ServerCert, cfg.TLS.ServerKey, cfg.TLS.CACert)
		if err != nil {
			ln.Close()
			return fmt.Errorf("%w: configuring TLS: %w", ErrBind, err)
		}
		ln = tls.NewListener(ln, tlsCfg)
	}

	return RunWithListener(ctx, ln, cfg, logger)
}

// RunWithListener inicia o receiver com um listener já existente
// (também usado pelos testes de integração).
func RunWithListener(ctx context.Context, ln net.Listener, cfg *config.ReceiverConfig, logger *slog.Logger) error {
	// Serve fecha o listener no caminho normal; o defer cobre os
	// retornos antecipados (pidfile, snapshot, event store).
	defer ln.Close()

	outputRoot, err := filepath.Abs(cfg.Receiver.OutputDir)
	if err != nil {
		return fmt.Errorf("%w: resolving output dir: %w", ErrFatalIO, err)
	}
	if err := os.MkdirAll(outputRoot, 0755); err != nil {
		return fmt.Errorf("%w: creating output dir: %w", ErrFatalIO, err)
	}

	pidPath, err := CreatePIDFile(outputRoot)
	if err != nil {
		return err
	}
	defer func() {
		if err := RemovePIDFile(outputRoot); err != nil {
			logger.Error("removing pid file", "error", err)
		}
	}()
	logger.Info("pid file created", "path", pidPath)

	h := &handler{
		cfg:        cfg,
		outputRoot: outputRoot,
		logger:     logger,
		sem:        semaphore.NewWeighted(1),
		baseCtx:    ctx,
		startedAt:  time.Now(),
	}

	if cfg.Snapshot.Enabled {
		snap, err := NewSnapshotter(ctx, cfg.Snapshot, outputRoot, logger)
		if err != nil {
			return fmt.Errorf("%w: configuring snapshots: %w", ErrFatalIO, err)
		}
		h.snapshotter = snap
	}

	// Monitor de sistema: disco do output root, CPU, memória, load.
	monitor := NewSystemMonitor(logger, outputRoot, cfg.Monitor)
	monitor.Start()
	defer monitor.Stop()

	// Endpoint de status (opcional, ACL deny-by-default)
	if cfg.Status.Enabled {
		store, err := observability.NewEventStore(cfg.Status.EventsFile, 1000, cfg.Status.EventsMaxLines)
		if err != nil {
			logger.Error("creating event store", "error", err, "path", cfg.Status.EventsFile)
			// Fallback: persiste em tmp
			store, err = observability.NewEventStore(filepath.Join(os.TempDir(), "nmirror-events.jsonl"), 1000, cfg.Status.EventsMaxLines)
		}
		if err == nil {
			h.events = store
			defer store.Close()
			startStatusServer(ctx, cfg, h, store, logger)
		}
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down receiver")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
		}
	}()

	logger.Info("receiver listening",
		"address", ln.Addr().String(),
		"output_dir", outputRoot,
		"tls", cfg.TLS.ServerCert != "",
	)

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%w: %w", ErrBind, err)
	}

	logger.Info("receiver shutdown complete")
	return nil
}

// handler atende conexões WebSocket servindo uma sessão por vez.
type handler struct {
	cfg         *config.ReceiverConfig
	outputRoot  string
	logger      *slog.Logger
	sem         *semaphore.Weighted
	baseCtx     context.Context
	snapshotter *Snapshotter
	events      *observability.EventStore
	startedAt   time.Time

	mu             sync.Mutex
	currentSession string
	currentRemote  string

	sessionsCompleted atomic.Int64
	sessionsAborted   atomic.Int64
	lastCompletedAt   atomic.Value // time.Time
}

// ServeHTTP é o ponto de admissão: o permit único é adquirido ANTES do
// upgrade WebSocket, então tentativas concorrentes ficam enfileiradas no
// handshake HTTP em vez de estabelecer WebSockets condenados.
func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.sem.Acquire(r.Context(), 1); err != nil {
		// Cliente desistiu enquanto aguardava o permit.
		return
	}
	defer h.sem.Release(1)

	select {
	case <-h.baseCtx.Done():
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	h.serveSession(conn, r.RemoteAddr)
}

// serveSession consome a stream de mensagens de um sender até Bye,
// close do peer ou erro fatal.
func (h *handler) serveSession(conn *websocket.Conn, remoteAddr string) {
	sessionID := uuid.NewString()
	remoteHost, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		remoteHost = remoteAddr
	}

	logger, logCloser, logPath, err := logging.NewSessionLogger(h.logger, h.cfg.SessionLogDir, remoteHost, sessionID)
	if err != nil {
		h.logger.Warn("session logger unavailable, using global", "error", err)
		logger, logCloser = h.logger, nopCloser{}
	}
	defer logCloser.Close()
	logger = logger.With("session", sessionID, "remote", remoteAddr)

	h.setCurrent(sessionID, remoteAddr)
	defer h.setCurrent("", "")

	if h.events != nil {
		h.events.PushEvent("info", "session_started", sessionID, remoteAddr, "sender connected")
	}
	logger.Info("session started")

	ctx, cancel := context.WithCancel(h.baseCtx)
	defer cancel()

	// Payload base64 + envelope: margem de 2x sobre o payload máximo.
	conn.SetReadLimit(2 * protocol.MaxPayloadBytes)

	send := func(msg any) error {
		frame, err := protocol.Encode(msg)
		if err != nil {
			return err
		}
		wctx, wcancel := context.WithTimeout(ctx, ackWriteTimeout)
		defer wcancel()
		return conn.Write(wctx, websocket.MessageText, frame)
	}

	sess := NewSession(sessionID, remoteAddr, h.outputRoot, logger, send)
	defer sess.Close()

	clean := false
	start := time.Now()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				clean = true
			} else if ctx.Err() != nil {
				logger.Info("session cancelled by shutdown")
			} else {
				logger.Warn("connection lost mid-session", "error", err, "partial_files", sess.PartialFiles())
			}
			break
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			logger.Error("malformed message", "error", err)
			conn.Close(websocket.StatusProtocolError, "malformed message")
			break
		}

		if _, ok := msg.(*protocol.Bye); ok {
			clean = true
			conn.Close(websocket.StatusNormalClosure, "mirror complete")
			break
		}

		if err := sess.Handle(msg); err != nil {
			if errors.Is(err, ErrProtocolViolation) {
				logger.Error("protocol violation", "error", err)
				conn.Close(websocket.StatusProtocolError, "protocol violation")
			} else {
				logger.Error("fatal session error", "error", err)
				conn.Close(websocket.StatusInternalError, "internal error")
			}
			break
		}
	}

	files, bytes := sess.Stats()
	duration := time.Since(start).Round(time.Millisecond)

	if clean {
		h.sessionsCompleted.Add(1)
		h.lastCompletedAt.Store(time.Now())
		logger.Info("session completed", "files", files, "bytes", bytes, "duration", duration)
		if h.events != nil {
			h.events.PushEvent("info", "session_completed", sessionID, remoteAddr,
				fmt.Sprintf("mirrored %d files (%d bytes) in %s", files, bytes, duration))
		}
		// Log de sessão só interessa para post-mortem de falhas.
		logCloser.Close()
		logging.RemoveSessionLog(h.cfg.SessionLogDir, remoteHost, sessionID)

		if h.snapshotter != nil {
			h.captureSnapshot(sessionID, remoteAddr, logger)
		}
		return
	}

	h.sessionsAborted.Add(1)
	logger.Warn("session aborted", "files", files, "bytes", bytes, "duration", duration, "log", logPath)
	if h.events != nil {
		h.events.PushEvent("warn", "session_aborted", sessionID, remoteAddr,
			fmt.Sprintf("aborted after %d files (%d bytes)", files, bytes))
	}
}

// captureSnapshot arquiva o output root após uma sessão bem-sucedida.
// Roda segurando o permit da sessão: o próximo sender só entra com o
// snapshot consistente no disco. O upload offsite é assíncrono.
func (h *handler) captureSnapshot(sessionID, remoteAddr string, logger *slog.Logger) {
	path, err := h.snapshotter.Capture(h.baseCtx)
	if err != nil {
		logger.Error("snapshot failed", "error", err)
		if h.events != nil {
			h.events.PushEvent("error", "snapshot", sessionID, remoteAddr, err.Error())
		}
		return
	}
	logger.Info("snapshot committed", "path", path)
	if h.events != nil {
		h.events.PushEvent("info", "snapshot", sessionID, remoteAddr, path)
	}

	h.snapshotter.UploadAsync(h.baseCtx, path, func(err error) {
		if err != nil {
			logger.Error("offsite upload failed", "path", path, "error", err)
			if h.events != nil {
				h.events.PushEvent("error", "upload", sessionID, remoteAddr, err.Error())
			}
			return
		}
		logger.Info("offsite upload complete", "path", path)
		if h.events != nil {
			h.events.PushEvent("info", "upload", sessionID, remoteAddr, path)
		}
	})
}

func (h *handler) setCurrent(sessionID, remote string) {
	h.mu.Lock()
	h.currentSession = sessionID
	h.currentRemote = remote
	h.mu.Unlock()
}

// StatusSnapshot implementa observability.StatusSource.
func (h *handler) StatusSnapshot() observability.StatusSnapshot {
	h.mu.Lock()
	session, remote := h.currentSession, h.currentRemote
	h.mu.Unlock()

	var last time.Time
	if v := h.lastCompletedAt.Load(); v != nil {
		last = v.(time.Time)
	}

	return observability.StatusSnapshot{
		OutputDir:         h.outputRoot,
		Serving:           session != "",
		CurrentSession:    session,
		CurrentRemote:     remote,
		SessionsCompleted: h.sessionsCompleted.Load(),
		SessionsAborted:   h.sessionsAborted.Load(),
		LastCompletedAt:   last,
		StartedAt:         h.startedAt,
	}
}

// startStatusServer sobe o listener HTTP do endpoint de status em background.
func startStatusServer(ctx context.Context, cfg *config.ReceiverConfig, h *handler, store *observability.EventStore, logger *slog.Logger) {
	acl := observability.NewACL(cfg.Status.ParsedCIDRs)
	router := observability.NewRouter(h, store, acl)

	srv := &http.Server{
		Addr:              cfg.Status.Listen,
		Handler:           router,
		ReadTimeout:       cfg.Status.ReadTimeout,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      cfg.Status.WriteTimeout,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	go func() {
		logger.Info("status endpoint listening", "address", cfg.Status.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("status server shutdown error", "error", err)
		}
	}()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
