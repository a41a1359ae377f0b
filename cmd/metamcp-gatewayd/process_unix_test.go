//go:build !windows

package main

import (
	"syscall"
	"testing"
)

func TestGracefulSignals_IncludesSIGINTAndSIGTERM(t *testing.T) {
	signals := gracefulSignals()
	if len(signals) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(signals))
	}
	found := map[string]bool{}
	for _, s := range signals {
		found[s.String()] = true
	}
	if !found[syscall.SIGINT.String()] || !found[syscall.SIGTERM.String()] {
		t.Fatalf("expected SIGINT and SIGTERM, got %v", signals)
	}
}
