package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/auth"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/config"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/database"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
)

// exportPage is the number of events read per query during export
const exportPage = 500

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		mode       = flag.String("mode", "verify", "Operation mode: verify, export")
		from       = flag.Int64("from", 1, "First sequence number to export")
		out        = flag.String("out", "", "Export destination (default stdout)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Database.Driver != "postgres" {
		logger.Fatal("audit verification needs the postgres store", zap.String("driver", cfg.Database.Driver))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPool(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	// Reads only; the policy is never consulted
	wf, err := workflow.New(workflow.Dependencies{
		Store:      database.NewStore(pool, logger),
		Authorizer: auth.DefaultRolePolicy(logger),
		Logger:     logger,
	}, workflow.DefaultConfig())
	if err != nil {
		logger.Fatal("failed to wire audit log", zap.Error(err))
	}

	switch *mode {
	case "verify":
		err = verify(ctx, wf.Audit, logger)
	case "export":
		err = exportTo(ctx, wf.Audit, *from, *out)
	default:
		err = fmt.Errorf("unknown mode: %s", *mode)
	}
	if err != nil {
		logger.Error("operation failed", zap.String("mode", *mode), zap.Error(err))
		stop()
		os.Exit(1)
	}
}

// verify walks the whole chain and fails when any break is found
func verify(ctx context.Context, auditLog workflow.AuditLog, logger *zap.Logger) error {
	result, err := auditLog.VerifyChain(ctx)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	logger.Info("audit chain verified",
		zap.Bool("is_valid", result.IsValid),
		zap.Int("events_verified", result.EventsVerified),
		zap.String("aggregate_hash", result.AggregateHash),
		zap.Duration("duration", result.VerificationTime))

	for _, b := range result.ChainBreaks {
		logger.Warn("chain break",
			zap.Int64("sequence_num", b.SequenceNum),
			zap.String("event_id", b.EventID),
			zap.String("break_type", string(b.BreakType)),
			zap.String("description", b.Description))
	}
	if !result.IsValid {
		return fmt.Errorf("audit chain is broken at %d point(s)", len(result.ChainBreaks))
	}
	return nil
}

func exportTo(ctx context.Context, auditLog workflow.AuditLog, from int64, path string) error {
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating export file: %w", err)
		}
		defer f.Close()
		w = f
	}
	_, err := export(ctx, auditLog, from, w)
	return err
}

// export writes events from sequence from onward as JSON lines and returns
// how many were written
func export(ctx context.Context, auditLog workflow.AuditLog, from int64, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	written := 0
	for {
		page, err := auditLog.Events(ctx, from, exportPage)
		if err != nil {
			return written, fmt.Errorf("reading events from %d: %w", from, err)
		}
		for _, e := range page {
			if err := enc.Encode(e); err != nil {
				return written, fmt.Errorf("writing event %d: %w", e.SequenceNum, err)
			}
			written++
			from = e.SequenceNum + 1
		}
		if len(page) < exportPage {
			return written, nil
		}
	}
}
