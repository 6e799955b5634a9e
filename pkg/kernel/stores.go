package kernel

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/audit"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/config"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/eventbus"
)

// lastEntry is implemented by sinks that can resume a hash chain.
type lastEntry interface {
	Last(ctx context.Context) (audit.Entry, bool, error)
}

// openAudit builds the audit recorder described by cfg. The returned closer
// is nil for sinks that own no resources.
func openAudit(ctx context.Context, cfg config.AuditConfig) (audit.Recorder, io.Closer, error) {
	var sink audit.Sink
	switch cfg.Sink {
	case "none":
		return audit.Nop{}, nil, nil
	case "", "stdout":
		sink = audit.NewJSONLSink(os.Stdout)
	case "jsonl":
		path := cfg.Path
		if path == "" {
			path = "audit.jsonl"
		}
		s, err := audit.OpenJSONLFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit log: %w", err)
		}
		sink = s
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "audit.db"
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit db: %w", err)
		}
		s, err := audit.NewSQLiteSink(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		sink = s
	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit db: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping audit db: %w", err)
		}
		sink = audit.NewPostgresSink(db)
	default:
		return nil, nil, fmt.Errorf("unsupported audit sink %q", cfg.Sink)
	}

	logger := audit.NewLogger(sink)
	if l, ok := sink.(lastEntry); ok {
		last, found, err := l.Last(ctx)
		if err != nil {
			_ = logger.Close()
			return nil, nil, fmt.Errorf("resume audit chain: %w", err)
		}
		if found {
			logger.Resume(last)
		}
	}
	return logger, logger, nil
}

// openDeadLetters builds the dead-letter store described by cfg.
func openDeadLetters(ctx context.Context, cfg config.DeadLetterConfig) (eventbus.DeadLetterStore, io.Closer, error) {
	switch cfg.Store {
	case "", "memory":
		return eventbus.NewMemoryDeadLetterStore(), nil, nil
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "deadletters.db"
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, nil, fmt.Errorf("open dead-letter db: %w", err)
		}
		s, err := eventbus.NewSQLiteDeadLetterStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db, nil
	case "redis":
		s := eventbus.NewRedisDeadLetterStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("ping dead-letter redis: %w", err)
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unsupported dead-letter store %q", cfg.Store)
	}
}
