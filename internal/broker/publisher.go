package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"paperflow/internal/logger"
)

// Publisher публикует JSON-сообщения в именованные очереди через exchange
// по умолчанию. Каждая публикация ждёт подтверждения брокера.
type Publisher struct {
	sup     *Supervisor
	durable bool
	log     *logger.Logger

	mu       sync.Mutex
	ch       *amqp.Channel
	declared map[string]bool
}

func NewPublisher(sup *Supervisor, durable bool, log *logger.Logger) *Publisher {
	return &Publisher{
		sup:      sup,
		durable:  durable,
		log:      log.With("component", "publisher"),
		declared: make(map[string]bool),
	}
}

// Connected сообщает, есть ли сейчас соединение с брокером
func (p *Publisher) Connected() bool {
	return p.sup.Connected()
}

func (p *Publisher) Publish(ctx context.Context, queue string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", queue, err)
	}
	return p.PublishRaw(ctx, queue, body, nil)
}

func (p *Publisher) PublishRaw(ctx context.Context, queue string, body []byte, headers amqp.Table) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}

	if !p.declared[queue] {
		if err := declareQueue(ch, queue, p.durable); err != nil {
			p.reset()
			return err
		}
		p.declared[queue] = true
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		p.reset()
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		p.reset()
		return fmt.Errorf("failed to confirm publish to %s: %w", queue, err)
	}
	if !acked {
		return errors.New("broker rejected message for " + queue)
	}
	return nil
}

func (p *Publisher) channel(ctx context.Context) (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.reset()

	ch, err := p.sup.Channel(ctx)
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	p.ch = ch
	return ch, nil
}

// reset выбрасывает канал; следующая публикация откроет новый
func (p *Publisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	p.ch = nil
	clear(p.declared)
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}
