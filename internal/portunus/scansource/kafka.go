package scansource

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

// KafkaSource consumes raw scans published by reader bridges to a Kafka
// topic. Each message value is one JSON-encoded types.RawScan.
type KafkaSource struct {
	group  sarama.ConsumerGroup
	topics []string
	out    *ChannelSource
	logger *zap.Logger
}

func NewKafkaSource(brokers []string, groupID string, topics []string, logger *zap.Logger) (*KafkaSource, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("kafka topics required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	// Scans older than the console session are not replayed.
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &KafkaSource{
		group:  group,
		topics: topics,
		out:    NewChannelSource(0),
		logger: logger.With(zap.String("component", "kafka_source")),
	}, nil
}

func (k *KafkaSource) Scans() <-chan types.RawScan { return k.out.Scans() }

// Run consumes until ctx is done. Consume errors are logged and the group
// rejoins after a short pause.
func (k *KafkaSource) Run(ctx context.Context) error {
	h := &scanHandler{out: k.out, logger: k.logger}
	for {
		if err := k.group.Consume(ctx, k.topics, h); err != nil {
			k.logger.Error("kafka consume error", zap.Error(err))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (k *KafkaSource) Close() error {
	err := k.group.Close()
	_ = k.out.Close()
	return err
}

// scanHandler is the sarama.ConsumerGroupHandler for scan topics.
type scanHandler struct {
	out    *ChannelSource
	logger *zap.Logger
}

func (h *scanHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *scanHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim forwards decodable scans and marks every message, so a
// malformed one is skipped rather than redelivered forever.
func (h *scanHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		raw, err := decodeScan(msg)
		if err != nil {
			h.logger.Warn("dropping undecodable scan",
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			session.MarkMessage(msg, "")
			continue
		}
		if err := h.out.Push(session.Context(), raw); err != nil {
			// Not marked: the scan is redelivered after a rebalance.
			return err
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func decodeScan(msg *sarama.ConsumerMessage) (types.RawScan, error) {
	var raw types.RawScan
	if err := json.Unmarshal(msg.Value, &raw); err != nil {
		return raw, fmt.Errorf("decode scan: %w", err)
	}
	if raw.CardID == "" {
		return raw, fmt.Errorf("decode scan: card_id is required")
	}
	if raw.Mode == "" {
		raw.Mode = types.ModeVerify
	}
	if raw.ScannedAt.IsZero() && !msg.Timestamp.IsZero() {
		raw.ScannedAt = msg.Timestamp
	}
	if raw.ReaderID == "" && len(msg.Key) > 0 {
		raw.ReaderID = string(msg.Key)
	}
	return raw, nil
}
