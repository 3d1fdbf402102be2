package storage

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// CreateTableSQL is the DDL for the events table.
const CreateTableSQL = `
CREATE TABLE IF NOT EXISTS tool_call_events (
	request_id String,
	project_id String,
	session_id String,
	timestamp DateTime64(3),
	tool_name LowCardinality(String),
	action LowCardinality(String),
	arguments_json String,
	is_error UInt8,
	error_code LowCardinality(String),
	state_before LowCardinality(String),
	state_after LowCardinality(String),
	transport LowCardinality(String),
	metadata Map(String, String),
	latency_ms Float32
) ENGINE = MergeTree ORDER BY (tool_name, timestamp)`

// insertFunc writes one batch. The production implementation uses a
// ClickHouse batch; tests substitute their own.
type insertFunc func(ctx context.Context, events []*ToolCallEvent) error

// ClickHouseWriter writes tool call events to ClickHouse asynchronously.
// Write() is non-blocking. Events are buffered and batch-inserted in a background goroutine.
type ClickHouseWriter struct {
	insert  insertFunc
	buffer  chan *ToolCallEvent
	done    chan struct{}
	flushed chan struct{}
	logger  *zap.Logger
}

// NewClickHouseWriter creates a ClickHouseWriter and starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	if opts.TLS == nil && !isLocal(opts.Addr) {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	if err := conn.Exec(context.Background(), CreateTableSQL); err != nil {
		return nil, err
	}

	return newWriter(batchInsert(conn, logger), logger), nil
}

// isLocal reports whether every address is a loopback host, which is the
// only case served without TLS.
func isLocal(addrs []string) bool {
	for _, a := range addrs {
		host, _, err := net.SplitHostPort(a)
		if err != nil {
			host = a
		}
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return false
		}
	}
	return len(addrs) > 0
}

func newWriter(insert insertFunc, logger *zap.Logger) *ClickHouseWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &ClickHouseWriter{
		insert:  insert,
		buffer:  make(chan *ToolCallEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}

	go w.flushLoop()
	return w
}

// Write queues a tool call event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(event *ToolCallEvent) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("request_id", event.RequestID),
		)
	}
}

// Close signals the flush loop to drain remaining events.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*ToolCallEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*ToolCallEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.insert(ctx, events); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

func batchInsert(conn driver.Conn, logger *zap.Logger) insertFunc {
	return func(ctx context.Context, events []*ToolCallEvent) error {
		batch, err := conn.PrepareBatch(ctx, `
			INSERT INTO tool_call_events (
				request_id, project_id, session_id, timestamp,
				tool_name, action, arguments_json,
				is_error, error_code, state_before, state_after,
				transport, metadata, latency_ms
			)
		`)
		if err != nil {
			return err
		}

		for _, e := range events {
			var isError uint8
			if e.IsError {
				isError = 1
			}
			metadata := e.Metadata
			if metadata == nil {
				metadata = map[string]string{}
			}

			if err := batch.Append(
				e.RequestID,
				e.ProjectID,
				e.SessionID,
				e.Timestamp,
				e.ToolName,
				e.Action,
				e.ArgumentsJSON,
				isError,
				e.ErrorCode,
				e.StateBefore,
				e.StateAfter,
				e.Transport,
				metadata,
				e.LatencyMs,
			); err != nil {
				logger.Error("clickhouse append event failed",
					zap.String("request_id", e.RequestID),
					zap.Error(err),
				)
			}
		}

		return batch.Send()
	}
}

// LogWriter is a fallback EventWriter for local development.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *ToolCallEvent) {
	w.logger.Info("tool_call_event",
		zap.String("request_id", event.RequestID),
		zap.String("project_id", event.ProjectID),
		zap.String("session_id", event.SessionID),
		zap.String("tool_name", event.ToolName),
		zap.String("action", event.Action),
		zap.Bool("is_error", event.IsError),
		zap.String("error_code", event.ErrorCode),
		zap.String("state_before", event.StateBefore),
		zap.String("state_after", event.StateAfter),
		zap.Float32("latency_ms", event.LatencyMs),
	)
}

func (w *LogWriter) Close() {}
