// Command coordinator reads order requests and membership events as JSON
// lines, routes each order to its backend on the hash ring and runs the order
// saga there. One JSON result line is written per input line.
//
//	{"order":{"customer_id":"c1","items":[{"product_id":"prod_1","quantity":1,"price":10}]}}
//	{"membership":{"type":"join","node":"backend-4"}}
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jcmexdev/ringsaga/internal/backend"
	"github.com/jcmexdev/ringsaga/internal/config"
	"github.com/jcmexdev/ringsaga/internal/coordinator"
	"github.com/jcmexdev/ringsaga/internal/coordinator/sagalog/sqlite"
	"github.com/jcmexdev/ringsaga/internal/gateway"
	"github.com/jcmexdev/ringsaga/internal/membership"
	"github.com/jcmexdev/ringsaga/internal/metrics"
	"github.com/jcmexdev/ringsaga/internal/pkg/cache"
	"github.com/jcmexdev/ringsaga/internal/pkg/telemetry"
	"github.com/jcmexdev/ringsaga/internal/ring"
)

const redisPingTimeout = 2 * time.Second

type input struct {
	Order      *gateway.OrderRequest `json:"order,omitempty"`
	Membership *membership.Event     `json:"membership,omitempty"`
}

type output struct {
	OrderID     string   `json:"order_id,omitempty"`
	Node        string   `json:"node,omitempty"`
	SagaStatus  string   `json:"saga_status,omitempty"`
	OrderStatus string   `json:"order_status,omitempty"`
	Unrecovered []string `json:"unrecovered,omitempty"`
	Nodes       []string `json:"nodes,omitempty"`
	Error       string   `json:"error,omitempty"`
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	inputPath := flag.String("input", "-", "JSON lines input file, - for stdin")
	flag.Parse()

	if err := run(*configPath, *inputPath); err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, inputPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := telemetry.InitLogger(cfg.Telemetry.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.OTLPEndpoint != "" {
		shutdown, err := telemetry.SetupTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("tracer shutdown failed", "error", err)
			}
		}()
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Metrics.TextfilePath != "" {
		defer func() {
			if err := prometheus.WriteToTextfile(cfg.Metrics.TextfilePath, reg); err != nil {
				logger.Error("failed to write metrics", "path", cfg.Metrics.TextfilePath, "error", err)
			}
		}()
	}

	opts := []coordinator.Option{
		coordinator.WithStepTimeout(cfg.Saga.StepTimeout),
		coordinator.WithCompensationTimeout(cfg.Saga.CompensationTimeout),
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(m),
	}

	if cfg.SagaLog.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.SagaLog.Path), 0o755); err != nil {
			return fmt.Errorf("create saga log directory: %w", err)
		}
		repo, err := sqlite.Open(cfg.SagaLog.Path)
		if err != nil {
			return err
		}
		defer repo.Close()
		opts = append(opts, coordinator.WithRepository(repo))
	}

	ledger, closeLedger := newLedger(ctx, cfg, logger)
	defer closeLedger()
	opts = append(opts, coordinator.WithLedger(ledger))

	gw := gateway.New(
		ring.New(ring.WithReplicationFactor(cfg.Ring.ReplicationFactor)),
		coordinator.NewOrchestrator(opts...),
		backend.NewFactory(backend.Config{
			ChargeLimit: cfg.Backend.ChargeLimit,
			Stock:       cfg.Backend.Stock,
		}, logger),
		gateway.WithLogger(logger),
		gateway.WithMetrics(m),
	)

	syncer := membership.NewSyncer(gw, membership.WithLogger(logger), membership.WithMetrics(m))
	desired := make([]ring.NodeID, len(cfg.Ring.Backends))
	for i, b := range cfg.Ring.Backends {
		desired[i] = ring.NodeID(b)
	}
	if _, err := syncer.Reconcile(ctx, desired); err != nil {
		return err
	}

	in := io.Reader(os.Stdin)
	if inputPath != "-" {
		f, err := os.Open(inputPath)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	return process(ctx, logger, gw, syncer, in, os.Stdout)
}

// newLedger uses Redis when it answers a ping and an in-memory ledger
// otherwise, so an unreachable Redis never sits on the rollback path.
func newLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (coordinator.Ledger, func()) {
	if cfg.Redis.Addr == "" {
		return coordinator.NewMemoryLedger(), func() {}
	}

	rc := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Namespace)
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rc.Ping(pingCtx); err != nil {
		logger.Warn("redis unreachable, using in-memory compensation ledger",
			"addr", cfg.Redis.Addr, "error", err)
		_ = rc.Close()
		return coordinator.NewMemoryLedger(), func() {}
	}
	return coordinator.NewCacheLedger(rc, cfg.Saga.LedgerTTL), func() { _ = rc.Close() }
}

func process(ctx context.Context, logger *slog.Logger, gw *gateway.Gateway, syncer *membership.Syncer, r io.Reader, w io.Writer) error {
	enc := json.NewEncoder(w)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			logger.Warn("interrupted, stopping input")
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var out output
		var in input
		switch err := json.Unmarshal(line, &in); {
		case err != nil:
			out.Error = fmt.Sprintf("invalid input: %v", err)
		case in.Order != nil:
			out = placeOrder(ctx, gw, *in.Order)
		case in.Membership != nil:
			if err := syncer.Apply(ctx, *in.Membership); err != nil {
				out.Error = err.Error()
			}
			for _, n := range gw.Nodes() {
				out.Nodes = append(out.Nodes, string(n))
			}
		default:
			out.Error = "input needs an order or a membership event"
		}

		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	return scanner.Err()
}

func placeOrder(ctx context.Context, gw *gateway.Gateway, req gateway.OrderRequest) output {
	p, err := gw.PlaceOrder(ctx, req)
	if p == nil {
		return output{Error: err.Error()}
	}
	out := output{
		OrderID:     p.Order.ID,
		Node:        string(p.Node),
		SagaStatus:  string(p.Execution.Status),
		OrderStatus: string(p.Order.Status),
		Unrecovered: p.Execution.Unrecovered(),
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}
