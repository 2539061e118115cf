package reqlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/cyderhq/cyder-gateway/internal/model"
)

// SlogSink emits one structured line per log entry. Always installed; the
// ClickHouse sink is added when analytics is configured.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{log: logger}
}

func (s *SlogSink) Write(ctx context.Context, batch []model.RequestLog) error {
	for _, e := range batch {
		s.log.InfoContext(ctx, "request",
			slog.Int64("id", e.ID),
			slog.String("status", string(e.Status)),
			slog.Int64("system_key_id", e.SystemKeyID),
			slog.Int64("provider_id", e.ProviderID),
			slog.String("model", e.ModelName),
			slog.String("channel", e.Channel),
			slog.String("external_id", e.ExternalID),
			slog.String("client_ip", e.ClientIP),
			slog.Int("upstream_status", e.UpstreamStatus),
			slog.Bool("is_stream", e.IsStream),
			slog.Int64("prompt_tokens", e.PromptTokens),
			slog.Int64("completion_tokens", e.CompletionTokens),
			slog.Int64("total_tokens", e.TotalTokens),
			slog.Int64("cost_micro", e.CalculatedCost),
			slog.Int64("latency_ms", latencyMs(e)),
		)
	}
	return nil
}

func latencyMs(e model.RequestLog) int64 {
	if e.CompletedAt == 0 || e.ReceivedAt == 0 {
		return 0
	}
	return e.CompletedAt - e.ReceivedAt
}

const insertRequestLogs = `INSERT INTO request_logs (
	id, system_api_key_id, provider_id, model_id, provider_api_key_id,
	model_name, real_model_name, channel, external_id, client_ip,
	request_uri, upstream_uri, status, upstream_status, is_stream,
	request_body, response_body,
	prompt_tokens, completion_tokens, reasoning_tokens, total_tokens,
	calculated_cost, cost_currency,
	received_at, llm_sent_at, first_chunk_at, completed_at, response_sent_at
)`

// ClickHouseSink batches request logs into the analytics table.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink opens the connection and pings it.
func NewClickHouseSink(ctx context.Context, addr, database, username, password string) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("reqlog: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("reqlog: ping clickhouse: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, entries []model.RequestLog) error {
	batch, err := s.conn.PrepareBatch(ctx, insertRequestLogs)
	if err != nil {
		return fmt.Errorf("reqlog: prepare batch: %w", err)
	}
	for _, e := range entries {
		err := batch.Append(
			e.ID, e.SystemKeyID, e.ProviderID, e.ModelID, e.ProviderKeyID,
			e.ModelName, e.RealModelName, e.Channel, e.ExternalID, e.ClientIP,
			e.RequestURI, e.UpstreamURI, string(e.Status), int32(e.UpstreamStatus), e.IsStream,
			e.RequestBody, e.ResponseBody,
			e.PromptTokens, e.CompletionTokens, e.ReasoningTokens, e.TotalTokens,
			e.CalculatedCost, e.CostCurrency,
			e.ReceivedAt, e.LLMSentAt, e.FirstChunkAt, e.CompletedAt, e.ResponseSentAt,
		)
		if err != nil {
			return fmt.Errorf("reqlog: append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("reqlog: send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
