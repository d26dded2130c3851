package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (c Config) brokers() []string {
	out := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer produces case updates keyed by case id, so per-case ordering holds
// within a partition.
type Writer struct {
	writer kafkaWriter
	topic  string
}

func NewWriter(cfg Config) (*Writer, error) {
	brokers := cfg.brokers()
	if len(brokers) == 0 {
		return nil, fmt.Errorf("feed: kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("feed: kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &Writer{writer: w, topic: cfg.Topic}, nil
}

func (w *Writer) PublishUpdate(ctx context.Context, caseID, section string, version int64, updatedBy string) error {
	if w == nil || w.writer == nil {
		return fmt.Errorf("feed: writer not initialized")
	}
	payload, err := json.Marshal(Update{CaseID: caseID, Section: section, Version: version, UpdatedBy: updatedBy, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("feed: encode update: %w", err)
	}
	if err := w.writer.WriteMessages(ctx, kafka.Message{Key: []byte(caseID), Value: payload}); err != nil {
		return fmt.Errorf("feed: write update: %w", err)
	}
	return nil
}

func (w *Writer) Close() error {
	if w == nil || w.writer == nil {
		return nil
	}
	return w.writer.Close()
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaConsumer reads the update feed as part of a consumer group.
type KafkaConsumer struct {
	reader kafkaReader
}

func NewKafkaConsumer(cfg Config) (*KafkaConsumer, error) {
	brokers := cfg.brokers()
	if len(brokers) == 0 {
		return nil, fmt.Errorf("feed: kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("feed: kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("feed: kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: r}, nil
}

func (c *KafkaConsumer) ReadUpdate(ctx context.Context) (Update, error) {
	if c == nil || c.reader == nil {
		return Update{}, fmt.Errorf("feed: consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Update{}, err
	}
	var upd Update
	if err := json.Unmarshal(msg.Value, &upd); err != nil {
		return Update{}, fmt.Errorf("feed: decode update: %w", err)
	}
	return upd, nil
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
