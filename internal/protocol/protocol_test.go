// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestFileChunk_RoundTrip(t *testing.T) {
	orig := FileChunk{
		FileID:  42,
		Path:    "x/y/z/file.bin",
		Seq:     7,
		Payload: []byte{0x00, 0xff, 0x10, 0x20},
		Final:   true,
	}

	frame, err := Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	chunk, ok := decoded.(*FileChunk)
	if !ok {
		t.Fatalf("expected *FileChunk, got %T", decoded)
	}
	if chunk.FileID != orig.FileID {
		t.Errorf("expected fileID %d, got %d", orig.FileID, chunk.FileID)
	}
	if chunk.Path != orig.Path {
		t.Errorf("expected path %q, got %q", orig.Path, chunk.Path)
	}
	if chunk.Seq != orig.Seq {
		t.Errorf("expected seq %d, got %d", orig.Seq, chunk.Seq)
	}
	if !bytes.Equal(chunk.Payload, orig.Payload) {
		t.Errorf("payload mismatch: %v vs %v", chunk.Payload, orig.Payload)
	}
	if !chunk.Final {
		t.Errorf("expected final chunk")
	}
}

func TestFileChunk_EmptyPayload(t *testing.T) {
	frame, err := Encode(FileChunk{FileID: 1, Path: "empty", Seq: 0, Payload: []byte{}, Final: true})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	chunk := decoded.(*FileChunk)
	if len(chunk.Payload) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(chunk.Payload))
	}
	if !chunk.Final {
		t.Errorf("expected final chunk")
	}
}

func TestControlMessages_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  any
	}{
		{"clear_dir plain", ClearDir{}},
		{"clear_dir zstd", ClearDir{Compression: CompressionZstd}},
		{"mkdir", Mkdir{Path: "a/b/c"}},
		{"ack ok", Ack{FileID: 3, Seq: 9, Outcome: AckOk}},
		{"ack err", Ack{FileID: 3, Seq: 9, Outcome: AckErr, Reason: "disk full"}},
		{"bye", Bye{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			decoded, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			switch orig := tt.msg.(type) {
			case ClearDir:
				got := decoded.(*ClearDir)
				if got.Compression != orig.Compression {
					t.Errorf("expected compression %q, got %q", orig.Compression, got.Compression)
				}
			case Mkdir:
				got := decoded.(*Mkdir)
				if got.Path != orig.Path {
					t.Errorf("expected path %q, got %q", orig.Path, got.Path)
				}
			case Ack:
				got := decoded.(*Ack)
				if *got != orig {
					t.Errorf("expected %+v, got %+v", orig, *got)
				}
			case Bye:
				if _, ok := decoded.(*Bye); !ok {
					t.Errorf("expected *Bye, got %T", decoded)
				}
			}
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", "not json at all"},
		{"unknown kind", `{"kind":"resume"}`},
		{"negative seq", `{"kind":"file_chunk","body":{"file_id":1,"path":"a","seq":-1,"payload":"","final":false}}`},
		{"absolute path", `{"kind":"file_chunk","body":{"file_id":1,"path":"/etc/passwd","seq":0,"payload":"","final":true}}`},
		{"traversal path", `{"kind":"mkdir","body":{"path":"a/../../b"}}`},
		{"empty path", `{"kind":"mkdir","body":{"path":""}}`},
		{"bad base64", `{"kind":"file_chunk","body":{"file_id":1,"path":"a","seq":0,"payload":"!!!","final":true}}`},
		{"bad compression", `{"kind":"clear_dir","body":{"compression":"lz4"}}`},
		{"bad ack outcome", `{"kind":"ack","body":{"file_id":1,"seq":0,"outcome":"maybe"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			if err == nil {
				t.Fatalf("expected error for frame %q", tt.frame)
			}
			if !errors.Is(err, ErrMalformedMessage) && !errors.Is(err, ErrUnknownKind) {
				t.Errorf("expected protocol error, got %v", err)
			}
		})
	}
}

func TestValidateRelPath(t *testing.T) {
	valid := []string{"a", "a/b", "a/b/c.txt", ".hidden", "dir.with.dots/file"}
	for _, p := range valid {
		if err := ValidateRelPath(p); err != nil {
			t.Errorf("expected %q valid, got %v", p, err)
		}
	}

	invalid := []string{"", "/abs", "a//b", "a/./b", "a/../b", "..", ".", "a\\b", "a/b/", "nul\x00byte"}
	for _, p := range invalid {
		if err := ValidateRelPath(p); err == nil {
			t.Errorf("expected %q invalid", p)
		}
	}
}
