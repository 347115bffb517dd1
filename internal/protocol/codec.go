// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/json"
	"fmt"
)

// envelope é o invólucro de toda mensagem no wire.
// Formato: {"kind": "...", "body": {...}}
type envelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Encode serializa uma mensagem para um text frame.
// Aceita ClearDir, Mkdir, FileChunk, Ack e Bye (por valor ou ponteiro).
func Encode(msg any) ([]byte, error) {
	var kind string
	switch msg.(type) {
	case ClearDir, *ClearDir:
		kind = KindClearDir
	case Mkdir, *Mkdir:
		kind = KindMkdir
	case FileChunk, *FileChunk:
		kind = KindFileChunk
	case Ack, *Ack:
		kind = KindAck
	case Bye, *Bye:
		kind = KindBye
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, msg)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", kind, err)
	}

	frame, err := json.Marshal(envelope{Kind: kind, Body: body})
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", kind, err)
	}
	return frame, nil
}

// Decode desserializa e valida um text frame.
// Retorna *ClearDir, *Mkdir, *FileChunk, *Ack ou *Bye.
// Frames que não decodificam ou violam o schema retornam erro
// encadeando ErrMalformedMessage.
func Decode(frame []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch env.Kind {
	case KindClearDir:
		var m ClearDir
		if err := unmarshalBody(env.Body, &m); err != nil {
			return nil, err
		}
		if m.Compression != CompressionNone && m.Compression != CompressionZstd {
			return nil, fmt.Errorf("%w: unsupported compression %q", ErrMalformedMessage, m.Compression)
		}
		return &m, nil

	case KindMkdir:
		var m Mkdir
		if err := unmarshalBody(env.Body, &m); err != nil {
			return nil, err
		}
		if err := ValidateRelPath(m.Path); err != nil {
			return nil, fmt.Errorf("%w: mkdir path %q", ErrMalformedMessage, m.Path)
		}
		return &m, nil

	case KindFileChunk:
		var m FileChunk
		if err := unmarshalBody(env.Body, &m); err != nil {
			return nil, err
		}
		if err := ValidateRelPath(m.Path); err != nil {
			return nil, fmt.Errorf("%w: chunk path %q", ErrMalformedMessage, m.Path)
		}
		if len(m.Payload) > MaxPayloadBytes {
			return nil, fmt.Errorf("%w: payload of %d bytes exceeds max %d", ErrMalformedMessage, len(m.Payload), MaxPayloadBytes)
		}
		return &m, nil

	case KindAck:
		var m Ack
		if err := unmarshalBody(env.Body, &m); err != nil {
			return nil, err
		}
		if m.Outcome != AckOk && m.Outcome != AckErr {
			return nil, fmt.Errorf("%w: ack outcome %q", ErrMalformedMessage, m.Outcome)
		}
		return &m, nil

	case KindBye:
		return &Bye{}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}

// unmarshalBody decodifica o body de um envelope. Campos desconhecidos são
// ignorados e campos ausentes ficam com o zero value.
// json.Unmarshal já rejeita seq negativo (campo uint32) e base64 inválido.
func unmarshalBody(body json.RawMessage, dst any) error {
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}
