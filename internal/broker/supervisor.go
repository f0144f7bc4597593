package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"paperflow/internal/config"
	"paperflow/internal/logger"
)

const heartbeat = 10 * time.Second

// Supervisor владеет единственным соединением процесса с брокером и
// переподключается с экспоненциальной задержкой - при старте и после обрыва.
type Supervisor struct {
	url     string
	name    string
	initial time.Duration
	max     time.Duration
	log     *logger.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	connected atomic.Bool
	closed    bool
}

func NewSupervisor(cfg config.BrokerConfig, name string, log *logger.Logger) *Supervisor {
	return &Supervisor{
		url:     cfg.URL,
		name:    name,
		initial: cfg.ReconnectInitial,
		max:     cfg.ReconnectMax,
		log:     log.With("component", "broker", "connection_name", name),
	}
}

// Connected используется health-сервером
func (s *Supervisor) Connected() bool {
	return s.connected.Load()
}

// Connection возвращает живое соединение, при необходимости дозваниваясь
// до брокера, пока не будет отменён ctx.
func (s *Supervisor) Connection(ctx context.Context) (*amqp.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("broker supervisor is closed")
	}
	if s.conn != nil && !s.conn.IsClosed() {
		return s.conn, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initial
	b.MaxInterval = s.max

	attempt := 0
	conn, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		attempt++
		c, err := amqp.DialConfig(s.url, amqp.Config{
			Heartbeat:  heartbeat,
			Locale:     "en_US",
			Properties: amqp.Table{"connection_name": s.name},
		})
		if err != nil {
			s.log.Warn("broker dial failed", "attempt", attempt, "broker", s.url, "error", err)
			return nil, err
		}
		return c, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(0))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	s.conn = conn
	s.connected.Store(true)
	s.log.Info("connected to broker", "attempts", attempt)

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	go s.watch(conn, closeCh)

	return conn, nil
}

func (s *Supervisor) watch(conn *amqp.Connection, closeCh <-chan *amqp.Error) {
	amqpErr, ok := <-closeCh
	if ok && amqpErr != nil {
		s.log.Warn("broker connection lost", "error", amqpErr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.connected.Store(false)
	}
}

// Channel открывает новый канал на текущем соединении
func (s *Supervisor) Channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := s.Connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, nil
}

func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.connected.Store(false)
	if s.conn == nil || s.conn.IsClosed() {
		return nil
	}
	return s.conn.Close()
}

// DeadLetterQueue - имя очереди для сообщений, исчерпавших попытки
func DeadLetterQueue(queue string) string {
	return queue + ".dead"
}

func declareQueue(ch *amqp.Channel, name string, durable bool) error {
	if _, err := ch.QueueDeclare(name, durable, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}
