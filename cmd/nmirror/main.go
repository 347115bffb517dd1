// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// exitError carrega o exit code ao lado da causa, para o mapeamento
// de erros de cada modo (send/receive) chegar intacto ao main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nmirror",
		Short: "One-shot directory mirroring over a WebSocket",
	}
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	cmd.AddCommand(newSendCmd())
	cmd.AddCommand(newReceiveCmd())

	return cmd
}
