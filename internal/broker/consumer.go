package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"paperflow/internal/config"
	"paperflow/internal/logger"
)

const (
	headerRetryCount = "x-retry-count"
	headerLastError  = "x-last-error"
)

// Handler обрабатывает тело одного сообщения. Ошибка, обёрнутая в
// Permanent, отбрасывает сообщение; любая другая - повторная доставка.
type Handler func(ctx context.Context, body []byte) error

type attemptKey struct{}

// WithAttempt кладёт в контекст номер попытки обработки сообщения
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// Attempt возвращает число предыдущих неудачных попыток обработки
// текущего сообщения; 0 для первой доставки.
func Attempt(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}

// Republisher нужен консьюмеру для повторов и dead-letter
type Republisher interface {
	PublishRaw(ctx context.Context, queue string, body []byte, headers amqp.Table) error
}

type ConsumerOptions struct {
	Queue          string
	Durable        bool
	MaxRetries     int
	RetryDelay     time.Duration
	HandlerTimeout time.Duration
}

func ConsumerOptionsFromConfig(queue string, cfg config.BrokerConfig) ConsumerOptions {
	return ConsumerOptions{
		Queue:          queue,
		Durable:        cfg.Durable,
		MaxRetries:     cfg.MaxRetries,
		RetryDelay:     cfg.RetryDelay,
		HandlerTimeout: cfg.HandlerTimeout,
	}
}

// Consumer читает одну очередь с prefetch = 1: следующее сообщение не
// принимается, пока текущее не подтверждено или не отклонено.
type Consumer struct {
	sup     *Supervisor
	pub     Republisher
	opts    ConsumerOptions
	handler Handler
	log     *logger.Logger
}

func NewConsumer(sup *Supervisor, pub Republisher, opts ConsumerOptions, handler Handler, log *logger.Logger) *Consumer {
	return &Consumer{
		sup:     sup,
		pub:     pub,
		opts:    opts,
		handler: handler,
		log:     log.With("component", "consumer", "queue", opts.Queue),
	}
}

// Run потребляет очередь до отмены ctx, переподключаясь после обрывов.
// При остановке сообщение, которое уже обрабатывается, доводится до конца.
func (c *Consumer) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.sup.initial
	b.MaxInterval = c.sup.max

	for {
		started := time.Now()
		err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			c.log.Info("consumer stopped")
			return nil
		}
		if time.Since(started) > c.sup.max {
			b.Reset()
		}
		wait := b.NextBackOff()
		c.log.Warn("consumer interrupted, reconnecting", "error", err, "retry_in", wait)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	ch, err := c.sup.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := declareQueue(ch, c.opts.Queue, c.opts.Durable); err != nil {
		return err
	}
	if err := declareQueue(ch, DeadLetterQueue(c.opts.Queue), c.opts.Durable); err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	tag := c.opts.Queue + "-" + uuid.NewString()
	deliveries, err := ch.Consume(c.opts.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", c.opts.Queue, err)
	}
	c.log.Info("consuming", "consumer_tag", tag)

	for {
		select {
		case <-ctx.Done():
			// Перестаём принимать новые сообщения; неподтверждённые вернутся в очередь
			if err := ch.Cancel(tag, false); err != nil {
				c.log.Warn("failed to cancel consumer", "error", err)
			}
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handleDelivery(ctx, d)
		}
	}
}

// handleDelivery выполняет обработчик и решает судьбу сообщения:
// ack, ack с отбрасыванием, повтор, dead-letter или nack с requeue.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	log := c.log.With("delivery_tag", d.DeliveryTag)

	hctx := context.WithoutCancel(ctx)
	if c.opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, c.opts.HandlerTimeout)
		defer cancel()
	}

	err := c.handler(WithAttempt(hctx, retryCount(d.Headers)), d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error("failed to ack message", "error", ackErr)
		}
	case IsPermanent(err):
		log.Warn("dropping message", "error", err)
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error("failed to ack dropped message", "error", ackErr)
		}
	default:
		c.retry(ctx, log, d, err)
	}
}

func (c *Consumer) retry(ctx context.Context, log *logger.Logger, d amqp.Delivery, cause error) {
	if c.opts.MaxRetries <= 0 {
		log.Warn("handler failed, requeueing", "error", cause)
		c.requeue(log, d)
		return
	}

	attempt := retryCount(d.Headers) + 1
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[headerRetryCount] = int32(attempt)

	pubCtx := context.WithoutCancel(ctx)
	target := c.opts.Queue
	if attempt > c.opts.MaxRetries {
		target = DeadLetterQueue(c.opts.Queue)
		headers[headerLastError] = cause.Error()
		log.Error("retries exhausted, dead-lettering", "attempt", attempt, "error", cause)
	} else {
		log.Warn("handler failed, scheduling retry", "attempt", attempt, "max_retries", c.opts.MaxRetries, "error", cause)
		select {
		case <-ctx.Done():
		case <-time.After(c.opts.RetryDelay):
		}
	}

	if err := c.pub.PublishRaw(pubCtx, target, d.Body, headers); err != nil {
		log.Error("failed to republish message", "target", target, "error", err)
		c.requeue(log, d)
		return
	}
	if err := d.Ack(false); err != nil {
		log.Error("failed to ack republished message", "error", err)
	}
}

func (c *Consumer) requeue(log *logger.Logger, d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		log.Error("failed to nack message", "error", err)
	}
}

func retryCount(headers amqp.Table) int {
	switch v := headers[headerRetryCount].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}
