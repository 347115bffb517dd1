// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sender

import (
	"context"

	"golang.org/x/time/rate"
)

// maxBurstSize é o tamanho máximo de burst para o rate limiter (256KB).
const maxBurstSize = 256 * 1024

// Throttle limita a taxa de bytes enviados no socket com token bucket.
// Aplicado pelo mux de saída a cada frame serializado.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle cria um Throttle com a taxa máxima em bytes/segundo.
// Se bytesPerSec <= 0, retorna nil (sem throttle — Wait é no-op).
func NewThrottle(bytesPerSec int64) *Throttle {
	if bytesPerSec <= 0 {
		return nil
	}

	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &Throttle{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
	}
}

// Wait bloqueia até haver tokens para n bytes, respeitando o contexto.
// Frames maiores que o burst consomem tokens em pedaços.
func (t *Throttle) Wait(ctx context.Context, n int) error {
	if t == nil {
		return nil
	}

	for n > 0 {
		chunk := n
		if chunk > t.limiter.Burst() {
			chunk = t.limiter.Burst()
		}
		if err := t.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
