package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ringsaga/internal/backend"
	"github.com/jcmexdev/ringsaga/internal/config"
	"github.com/jcmexdev/ringsaga/internal/coordinator"
	"github.com/jcmexdev/ringsaga/internal/gateway"
	"github.com/jcmexdev/ringsaga/internal/membership"
	"github.com/jcmexdev/ringsaga/internal/ring"
)

func TestProcess(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := gateway.New(
		ring.New(ring.WithReplicationFactor(20)),
		coordinator.NewOrchestrator(coordinator.WithLogger(logger)),
		backend.NewFactory(backend.Config{ChargeLimit: 500, Stock: map[string]int32{"prod_1": 5}}, logger),
		gateway.WithLogger(logger),
	)
	syncer := membership.NewSyncer(gw, membership.WithLogger(logger))

	in := strings.Join([]string{
		`{"membership":{"type":"join","node":"b1"}}`,
		`{"order":{"customer_id":"c1","items":[{"product_id":"prod_1","quantity":1,"price":10}]}}`,
		`{"order":{"customer_id":"c1","items":[{"product_id":"prod_1","quantity":1,"price":900}]}}`,
		``,
		`not json`,
		`{}`,
	}, "\n")

	var out bytes.Buffer
	require.NoError(t, process(context.Background(), logger, gw, syncer, strings.NewReader(in), &out))

	var results []output
	dec := json.NewDecoder(&out)
	for dec.More() {
		var o output
		require.NoError(t, dec.Decode(&o))
		results = append(results, o)
	}
	require.Len(t, results, 5)

	assert.Equal(t, []string{"b1"}, results[0].Nodes)

	assert.Equal(t, "completed", results[1].SagaStatus)
	assert.Equal(t, "CONFIRMED", results[1].OrderStatus)
	assert.Equal(t, "b1", results[1].Node)

	assert.Equal(t, "compensated", results[2].SagaStatus)
	assert.Equal(t, "CANCELLED", results[2].OrderStatus)
	assert.NotEmpty(t, results[2].Error)

	assert.Contains(t, results[3].Error, "invalid input")
	assert.NotEmpty(t, results[4].Error)
}

func TestNewLedgerFallsBackWhenRedisIsDown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DefaultConfig()
	cfg.Redis.Addr = "127.0.0.1:1"

	ledger, closeLedger := newLedger(context.Background(), cfg, logger)
	defer closeLedger()

	assert.IsType(t, &coordinator.MemoryLedger{}, ledger)
}

func TestNewLedgerWithoutRedis(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DefaultConfig()
	cfg.Redis.Addr = ""

	ledger, closeLedger := newLedger(context.Background(), cfg, logger)
	defer closeLedger()

	assert.IsType(t, &coordinator.MemoryLedger{}, ledger)
}
