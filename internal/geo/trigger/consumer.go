// Package trigger consumes location-change messages and re-geocodes the
// affected events on top of the scheduled batches.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// Processor re-geocodes one event. Satisfied by *geo.Worker.
type Processor interface {
	ProcessEvent(ctx context.Context, id int64) error
}

// Config selects the brokers and topic. Empty Brokers disables the
// consumer entirely.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Message is the wire format published by the write side.
type Message struct {
	EventID int64  `json:"event_id"`
	Change  string `json:"change"`
}

const changeLocation = "location_changed"

// Consumer runs a sarama consumer group over the trigger topic.
type Consumer struct {
	cfg       Config
	processor Processor
	logger    *slog.Logger
}

func New(cfg Config, processor Processor, logger *slog.Logger) *Consumer {
	return &Consumer{
		cfg:       cfg,
		processor: processor,
		logger:    logger.With("component", "trigger_consumer"),
	}
}

// Enabled reports whether brokers are configured.
func (c *Consumer) Enabled() bool { return len(c.cfg.Brokers) > 0 }

// Start consumes until ctx is cancelled. Transient group errors back
// off and rejoin; a cancelled context returns nil.
func (c *Consumer) Start(ctx context.Context) error {
	if !c.Enabled() {
		c.logger.Info("trigger consumer disabled, no brokers configured")
		return nil
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer group.Close()

	handler := &groupHandler{process: c.ProcessOne}
	c.logger.Info("trigger consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("trigger consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				c.logger.Error("consumer group error", "error", err)
				time.Sleep(2 * time.Second)
			}
		}
	}
}

// ProcessOne handles a single message. Undecodable or unrecognized
// messages are dropped with a warning; processor failures are returned
// so the claim retries them.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var m Message
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		c.logger.Warn("undecodable trigger message dropped",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return nil
	}
	if m.Change != changeLocation || m.EventID == 0 {
		c.logger.Warn("unrecognized trigger message dropped", "change", m.Change, "event_id", m.EventID)
		return nil
	}

	if err := c.processor.ProcessEvent(ctx, m.EventID); err != nil {
		return fmt.Errorf("re-geocode event %d: %w", m.EventID, err)
	}
	c.logger.Info("event re-geocoded on trigger", "event_id", m.EventID)
	return nil
}

type groupHandler struct {
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.process(ctx, msg); err != nil {
				return fmt.Errorf("process (topic=%s, part=%d, off=%d): %w",
					msg.Topic, msg.Partition, msg.Offset, err)
			}
			sess.MarkMessage(msg, "")
		}
	}
}
