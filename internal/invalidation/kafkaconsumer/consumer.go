// Package kafkaconsumer consumes cache invalidation events from Kafka and
// applies them to the cache manager. One consumer group per proxy
// deployment; partitions keep per-run ordering.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/observability"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/invalidation"
	mylog "github.com/mohammed-shakir/terrain-agent-cache/internal/logger"
)

// Invalidator is the slice of the cache manager the consumer needs.
type Invalidator interface {
	InvalidateRun(ctx context.Context, runID string) error
	InvalidateArea(ctx context.Context, areaID string) error
	ClearCache(ctx context.Context) error
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	target Invalidator
	dedupe *seqDedupe
	zlog   *zerolog.Logger
}

func New(cfg Config, logger *slog.Logger, target Invalidator) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:    cfg,
		logger: logger,
		target: target,
		dedupe: newSeqDedupe(cfg.DedupeSize),
	}
}

// Start joins the consumer group and blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	if c.target == nil {
		return errors.New("kafkaconsumer: missing invalidation target")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	zl := mylog.Build(mylog.Config{Level: "info", Component: "kafka_consumer"}, nil)
	c.zlog = &zl

	handler := &groupHandler{process: c.ProcessOne}

	c.logger.Info("kafka invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("kafka invalidation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.logger.Error("consumer error", "err", err)
				if c.zlog != nil {
					c.zlog.Error().Err(err).
						Strs("brokers", c.cfg.Brokers).
						Str("topic", c.cfg.Topic).
						Msg("kafka consumer error")
				}
				time.Sleep(2 * time.Second)
			}
		}
	}
}

// ProcessOne applies a single invalidation event. Malformed and stale
// events are skipped without error; cache failures propagate so the offset
// stays unmarked and the event is redelivered.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		observability.ObserveInvalidation("unknown", "decode_error")
		c.logger.Error("invalidation event decode failed",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		// a poison message never becomes valid, skip it
		return nil
	}
	if err := ev.Validate(); err != nil {
		observability.ObserveInvalidation(ev.Op, "invalid")
		c.logger.Warn("invalidation event rejected",
			"topic", msg.Topic, "offset", msg.Offset, "err", err)
		return nil
	}
	if !c.dedupe.shouldApply(ev.DedupeKey(), ev.Seq) {
		observability.ObserveInvalidation(ev.Op, "stale_seq")
		c.logger.Debug("stale invalidation event skipped",
			"scope", ev.DedupeKey(), "seq", ev.Seq)
		return nil
	}

	var err error
	switch {
	case ev.RunID != "":
		err = c.target.InvalidateRun(ctx, ev.RunID)
	default:
		err = c.target.InvalidateArea(ctx, ev.AreaID)
	}
	if err != nil {
		observability.ObserveInvalidation(ev.Op, "error")
		c.logger.Error("invalidation apply failed",
			"scope", ev.DedupeKey(), "op", ev.Op, "err", err)
		return fmt.Errorf("apply invalidation: %w", err)
	}

	c.dedupe.markApplied(ev.DedupeKey(), ev.Seq)
	observability.ObserveInvalidation(ev.Op, "ok")
	c.logger.Debug("invalidation applied", "scope", ev.DedupeKey(), "op", ev.Op, "seq", ev.Seq)
	return nil
}
