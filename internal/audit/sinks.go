package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"twofa-service/internal/models"

	"go.uber.org/zap"
)

// Producer is implemented by client.KafkaProducer.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink publishes each event keyed by account so one account's events
// stay ordered within a partition.
type KafkaSink struct {
	producer Producer
	topic    string
}

func NewKafkaSink(producer Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, events []models.SecurityEvent) error {
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		key := []byte(string(e.AccountClass) + ":" + e.AccountID)
		headers := map[string]string{
			"event_id": e.EventID,
			"action":   e.Action,
		}
		if err := s.producer.ProduceMessage(ctx, s.topic, key, value, headers); err != nil {
			return err
		}
	}
	return nil
}

// Indexer is implemented by client.ESClient.
type Indexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

type ElasticsearchSink struct {
	indexer Indexer
	index   string
}

func NewElasticsearchSink(indexer Indexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, events []models.SecurityEvent) error {
	for _, e := range events {
		if err := s.indexer.IndexDocument(ctx, s.index, e.EventID, e); err != nil {
			return err
		}
	}
	return nil
}

// BatchInserter is implemented by client.ClickHouseClient.
type BatchInserter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

type ClickHouseSink struct {
	conn  BatchInserter
	table string
}

func NewClickHouseSink(conn BatchInserter, table string) *ClickHouseSink {
	return &ClickHouseSink{conn: conn, table: table}
}

// EnsureTable creates the analytics table when missing.
func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    event_id      UUID,
    event_bucket  UInt16,
    event_date    Date,
    account_id    String,
    account_class LowCardinality(String),
    action        LowCardinality(String),
    status        LowCardinality(String),
    ip_address    String,
    device_info   String,
    details       String,
    timestamp     DateTime64(3, 'UTC')
) ENGINE = MergeTree
PARTITION BY toYYYYMM(event_date)
ORDER BY (account_class, account_id, timestamp)`, s.table))
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, events []models.SecurityEvent) error {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		rows = append(rows, []interface{}{
			e.EventID,
			uint16(e.EventBucket),
			e.Timestamp,
			e.AccountID,
			string(e.AccountClass),
			e.Action,
			e.Status,
			e.IPAddress,
			e.DeviceInfo,
			e.Details,
			e.Timestamp,
		})
	}
	query := fmt.Sprintf(`INSERT INTO %s (event_id, event_bucket, event_date, account_id, account_class,
        action, status, ip_address, device_info, details, timestamp)`, s.table)
	return s.conn.BatchInsert(ctx, query, rows)
}

// LogSink writes events to the service log. It is always enabled.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, events []models.SecurityEvent) error {
	for _, e := range events {
		s.logger.Info("Security event",
			zap.String("event_id", e.EventID),
			zap.String("account_class", string(e.AccountClass)),
			zap.String("account_id", e.AccountID),
			zap.String("action", e.Action),
			zap.String("status", e.Status),
			zap.String("ip_address", e.IPAddress),
			zap.String("details", e.Details),
			zap.Time("timestamp", e.Timestamp))
	}
	return nil
}
