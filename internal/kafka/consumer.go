package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"

	"github.com/clan-roster/internal/config"
	"github.com/clan-roster/internal/domain"
)

// AwardHandler applies points awards
type AwardHandler interface {
	Award(ctx context.Context, award domain.PointsAward, source string) (domain.PointsResult, error)
}

// Consumer consumes points award events from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	handler       AwardHandler
	validate      *validator.Validate
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler AwardHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	c := newConsumer(cfg, handler, logger)
	c.consumerGroup = consumerGroup
	return c, nil
}

func newConsumer(cfg *config.KafkaConfig, handler AwardHandler, logger *slog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		config:   cfg,
		handler:  handler,
		validate: validator.New(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	ready := newReadySignal()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			if c.ctx.Err() != nil {
				return
			}
		}
	}()

	select {
	case <-ready.done:
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
	c.logger.Info("kafka consumer ready")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// decode parses and checks one award message. Messages without an event id
// get one derived from their partition offset so redelivery is idempotent.
func (c *Consumer) decode(msg *sarama.ConsumerMessage) (domain.PointsAward, error) {
	var award domain.PointsAward
	if err := json.Unmarshal(msg.Value, &award); err != nil {
		return award, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	if err := c.validate.Struct(award); err != nil {
		return award, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	if award.EventID == "" {
		award.EventID = fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
	}
	if award.Timestamp.IsZero() {
		award.Timestamp = msg.Timestamp
	}
	return award, nil
}

// process applies one message. Transient failures are retried a bounded
// number of times; rejections and duplicates are final.
func (c *Consumer) process(ctx context.Context, msg *sarama.ConsumerMessage) error {
	award, err := c.decode(msg)
	if err != nil {
		c.logger.Warn("skipping invalid points message",
			"error", err,
			"offset", msg.Offset,
			"partition", msg.Partition,
		)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.config.RetryBackoff), uint64(c.config.RetryAttempts-1)),
		ctx,
	)
	err = backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.config.HandlerTimeout)
		defer cancel()
		_, err := c.handler.Award(callCtx, award, "kafka")
		if err == nil {
			return nil
		}
		if isFinal(err) {
			return backoff.Permanent(err)
		}
		c.logger.Warn("points award failed, retrying", "event_id", award.EventID, "error", err)
		return err
	}, policy)

	switch {
	case err == nil:
		c.logger.Debug("points award applied", "event_id", award.EventID)
	case errors.Is(err, domain.ErrDuplicateEvent):
		c.logger.Debug("points award already applied", "event_id", award.EventID)
		return nil
	case isFinal(err):
		c.logger.Warn("points award rejected", "event_id", award.EventID, "error", err)
	default:
		c.logger.Error("points award dropped after retries", "event_id", award.EventID, "error", err)
	}
	return err
}

func isFinal(err error) bool {
	return errors.Is(err, domain.ErrDuplicateEvent) ||
		errors.Is(err, domain.ErrInvalidRequest) ||
		errors.Is(err, domain.ErrNotPermitted) ||
		domain.IsRejection(err) ||
		domain.IsNotFoundError(err)
}

// readySignal is closed by the first session setup. Later sessions after a
// rebalance find it already closed.
type readySignal struct {
	once sync.Once
	done chan struct{}
}

func newReadySignal() *readySignal {
	return &readySignal{done: make(chan struct{})}
}

func (r *readySignal) fire() {
	r.once.Do(func() { close(r.done) })
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    *readySignal
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.ready.fire()
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim applies messages from one partition in order. Every message
// is marked once handled so a poison message cannot stall the partition.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			_ = h.consumer.process(session.Context(), message)
			session.MarkMessage(message, "")
		}
	}
}

// EncodeAward serializes an award for publishing
func EncodeAward(award domain.PointsAward) ([]byte, error) {
	return json.Marshal(award)
}
