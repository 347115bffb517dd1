// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package receiver

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/nishisan-dev/n-mirror/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testSession cria uma Session com captura de mensagens enviadas.
func testSession(t *testing.T) (*Session, string, *[]any) {
	t.Helper()
	root := t.TempDir()
	var sent []any
	sess := NewSession("sess-test", "127.0.0.1:1", root, testLogger(), func(msg any) error {
		sent = append(sent, msg)
		return nil
	})
	return sess, root, &sent
}

func clearDir(t *testing.T, sess *Session) {
	t.Helper()
	if err := sess.Handle(&protocol.ClearDir{}); err != nil {
		t.Fatalf("ClearDir: %v", err)
	}
}

func TestSession_RejectsMessagesBeforeClearDir(t *testing.T) {
	tests := []struct {
		name string
		msg  any
	}{
		{"mkdir", &protocol.Mkdir{Path: "a"}},
		{"chunk", &protocol.FileChunk{FileID: 1, Path: "a", Seq: 0, Payload: []byte("x"), Final: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, _, _ := testSession(t)
			defer sess.Close()

			err := sess.Handle(tt.msg)
			if !errors.Is(err, ErrProtocolViolation) {
				t.Errorf("expected protocol violation, got %v", err)
			}
		})
	}
}

func TestSession_ClearDirRemovesStaleContent(t *testing.T) {
	sess, root, _ := testSession(t)
	defer sess.Close()

	// Conteúdo de uma sessão anterior + pidfile
	if err := os.MkdirAll(filepath.Join(root, "old", "deep"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "old", "deep", "f"), []byte("stale"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, protocol.PIDFileName), []byte("123"), 0644); err != nil {
		t.Fatalf("write pidfile: %v", err)
	}

	clearDir(t, sess)

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != protocol.PIDFileName {
		t.Errorf("expected only pidfile to survive, got %v", entries)
	}
	if !sess.Cleared() {
		t.Error("expected session cleared")
	}
}

func TestSession_RepeatedClearDirIgnored(t *testing.T) {
	sess, root, _ := testSession(t)
	defer sess.Close()

	clearDir(t, sess)

	// Conteúdo novo gravado após o primeiro clear não pode sumir.
	if err := sess.Handle(&protocol.FileChunk{FileID: 1, Path: "kept", Seq: 0, Payload: []byte("x"), Final: true}); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if err := sess.Handle(&protocol.ClearDir{}); err != nil {
		t.Fatalf("repeated ClearDir: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "kept")); err != nil {
		t.Errorf("expected file to survive repeated clear_dir: %v", err)
	}
}

func TestSession_MkdirCreatesParents(t *testing.T) {
	sess, root, _ := testSession(t)
	defer sess.Close()
	clearDir(t, sess)

	if err := sess.Handle(&protocol.Mkdir{Path: "a/b/c"}); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// Idempotente
	if err := sess.Handle(&protocol.Mkdir{Path: "a/b/c"}); err != nil {
		t.Fatalf("repeated mkdir: %v", err)
	}

	info, err := os.Stat(filepath.Join(root, "a", "b", "c"))
	if err != nil || !info.IsDir() {
		t.Errorf("expected directory a/b/c, got %v %v", info, err)
	}
}

func TestSession_ChunkAssemblyAppendOrder(t *testing.T) {
	sess, root, sent := testSession(t)
	defer sess.Close()
	clearDir(t, sess)

	chunks := [][]byte{[]byte("AAAA"), []byte("BBBB"), []byte("CC")}
	for i, payload := range chunks {
		err := sess.Handle(&protocol.FileChunk{
			FileID:  9,
			Path:    "out.bin",
			Seq:     uint32(i),
			Payload: payload,
			Final:   i == len(chunks)-1,
		})
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}

		// Tamanho em disco cresce monotonicamente (append mode).
		info, err := os.Stat(filepath.Join(root, "out.bin"))
		if err != nil {
			t.Fatalf("stat after chunk %d: %v", i, err)
		}
		var want int64
		for _, p := range chunks[:i+1] {
			want += int64(len(p))
		}
		if info.Size() != want {
			t.Errorf("after chunk %d: expected size %d, got %d", i, want, info.Size())
		}
	}

	content, err := os.ReadFile(filepath.Join(root, "out.bin"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(content) != "AAAABBBBCC" {
		t.Errorf("expected AAAABBBBCC, got %q", content)
	}

	// Um ack Ok por chunk
	if len(*sent) != len(chunks) {
		t.Fatalf("expected %d acks, got %d", len(chunks), len(*sent))
	}
	for i, msg := range *sent {
		ack, ok := msg.(protocol.Ack)
		if !ok {
			t.Fatalf("ack %d: unexpected type %T", i, msg)
		}
		if ack.FileID != 9 || ack.Seq != uint32(i) || ack.Outcome != protocol.AckOk {
			t.Errorf("ack %d: unexpected %+v", i, ack)
		}
	}

	files, bytesWritten := sess.Stats()
	if files != 1 || bytesWritten != 10 {
		t.Errorf("expected stats (1, 10), got (%d, %d)", files, bytesWritten)
	}
}

func TestSession_InterleavedFiles(t *testing.T) {
	sess, root, _ := testSession(t)
	defer sess.Close()
	clearDir(t, sess)

	// Chunks de dois arquivos intercalados livremente; por arquivo a
	// ordem é respeitada.
	msgs := []*protocol.FileChunk{
		{FileID: 1, Path: "a", Seq: 0, Payload: []byte("a0")},
		{FileID: 2, Path: "b", Seq: 0, Payload: []byte("b0")},
		{FileID: 1, Path: "a", Seq: 1, Payload: []byte("a1")},
		{FileID: 2, Path: "b", Seq: 1, Payload: []byte("b1"), Final: true},
		{FileID: 1, Path: "a", Seq: 2, Payload: []byte("a2"), Final: true},
	}
	for i, m := range msgs {
		if err := sess.Handle(m); err != nil {
			t.Fatalf("msg %d: %v", i, err)
		}
	}

	a, _ := os.ReadFile(filepath.Join(root, "a"))
	b, _ := os.ReadFile(filepath.Join(root, "b"))
	if string(a) != "a0a1a2" {
		t.Errorf("file a: expected a0a1a2, got %q", a)
	}
	if string(b) != "b0b1" {
		t.Errorf("file b: expected b0b1, got %q", b)
	}

	if len(sess.PartialFiles()) != 0 {
		t.Errorf("expected no partial files, got %v", sess.PartialFiles())
	}
}

func TestSession_OutOfOrderIsFatal(t *testing.T) {
	tests := []struct {
		name   string
		chunks []*protocol.FileChunk
	}{
		{
			"first chunk nonzero seq",
			[]*protocol.FileChunk{
				{FileID: 1, Path: "a", Seq: 3, Payload: []byte("x")},
			},
		},
		{
			"gap in sequence",
			[]*protocol.FileChunk{
				{FileID: 1, Path: "a", Seq: 0, Payload: []byte("x")},
				{FileID: 1, Path: "a", Seq: 2, Payload: []byte("y")},
			},
		},
		{
			"duplicate seq",
			[]*protocol.FileChunk{
				{FileID: 1, Path: "a", Seq: 0, Payload: []byte("x")},
				{FileID: 1, Path: "a", Seq: 0, Payload: []byte("x")},
			},
		},
		{
			"path change mid-stream",
			[]*protocol.FileChunk{
				{FileID: 1, Path: "a", Seq: 0, Payload: []byte("x")},
				{FileID: 1, Path: "b", Seq: 1, Payload: []byte("y")},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, _, _ := testSession(t)
			defer sess.Close()
			clearDir(t, sess)

			var err error
			for _, m := range tt.chunks {
				if err = sess.Handle(m); err != nil {
					break
				}
			}
			if !errors.Is(err, ErrProtocolViolation) {
				t.Errorf("expected protocol violation, got %v", err)
			}
		})
	}
}

func TestSession_EmptyFileChunk(t *testing.T) {
	sess, root, _ := testSession(t)
	defer sess.Close()
	clearDir(t, sess)

	err := sess.Handle(&protocol.FileChunk{FileID: 1, Path: "empty", Seq: 0, Payload: []byte{}, Final: true})
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}

	info, err := os.Stat(filepath.Join(root, "empty"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("expected empty file, got %d bytes", info.Size())
	}
}

func TestSession_OverwriteViaClear(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "foo"), []byte("old"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	sess := NewSession("s", "r", root, testLogger(), func(any) error { return nil })
	defer sess.Close()
	clearDir(t, sess)

	if err := sess.Handle(&protocol.FileChunk{FileID: 1, Path: "foo", Seq: 0, Payload: []byte("new"), Final: true}); err != nil {
		t.Fatalf("chunk: %v", err)
	}

	content, _ := os.ReadFile(filepath.Join(root, "foo"))
	if string(content) != "new" {
		t.Errorf("expected overwrite to 'new', got %q", content)
	}
}

func TestSession_ReservedNameIsFatal(t *testing.T) {
	sess, _, _ := testSession(t)
	defer sess.Close()
	clearDir(t, sess)

	// O codec já rejeita "..", mas a sessão revalida (defense in depth)
	// inclusive o nome reservado do pidfile.
	err := sess.Handle(&protocol.FileChunk{FileID: 1, Path: protocol.PIDFileName, Seq: 0, Payload: []byte("x"), Final: true})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected protocol violation for reserved name, got %v", err)
	}
}

func TestSession_ZstdPayloads(t *testing.T) {
	sess, root, _ := testSession(t)
	defer sess.Close()

	if err := sess.Handle(&protocol.ClearDir{Compression: protocol.CompressionZstd}); err != nil {
		t.Fatalf("ClearDir: %v", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer enc.Close()

	plain := bytes.Repeat([]byte("payload "), 100)
	err = sess.Handle(&protocol.FileChunk{
		FileID:  1,
		Path:    "c.bin",
		Seq:     0,
		Payload: enc.EncodeAll(plain, nil),
		Final:   true,
	})
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}

	content, _ := os.ReadFile(filepath.Join(root, "c.bin"))
	if !bytes.Equal(content, plain) {
		t.Errorf("expected decompressed content, got %d bytes", len(content))
	}
}

func TestSession_ZstdGarbageIsFatal(t *testing.T) {
	sess, _, _ := testSession(t)
	defer sess.Close()

	if err := sess.Handle(&protocol.ClearDir{Compression: protocol.CompressionZstd}); err != nil {
		t.Fatalf("ClearDir: %v", err)
	}

	err := sess.Handle(&protocol.FileChunk{FileID: 1, Path: "x", Seq: 0, Payload: []byte("not zstd"), Final: true})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected protocol violation for bad payload, got %v", err)
	}
}

func TestSession_CloseReleasesPartials(t *testing.T) {
	sess, root, _ := testSession(t)
	clearDir(t, sess)

	if err := sess.Handle(&protocol.FileChunk{FileID: 1, Path: "partial", Seq: 0, Payload: []byte("half")}); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if got := sess.PartialFiles(); len(got) != 1 || got[0] != "partial" {
		t.Fatalf("expected one partial file, got %v", got)
	}

	sess.Close()

	// Arquivo parcial permanece no disco para o próximo ClearDir limpar.
	if _, err := os.Stat(filepath.Join(root, "partial")); err != nil {
		t.Errorf("expected partial file retained: %v", err)
	}
}
