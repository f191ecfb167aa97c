package app

import (
	"context"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestStartWorkers_WithoutKafka(t *testing.T) {
	deps, components := newTestComponents(t)

	cfg := DefaultConfig()
	cfg.IdempotencyCleanupInterval = 10 * time.Millisecond
	cfg.ReconcileInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	outboxWorker := startWorkers(ctx, &wg, cfg, deps, nil, components, log.WithField("test", "workers"))
	require.Nil(t, outboxWorker)

	time.Sleep(30 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop after context cancel")
	}
}
