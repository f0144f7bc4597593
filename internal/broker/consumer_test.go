package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperflow/internal/logger"
)

type ackRecord struct {
	acked   bool
	nacked  bool
	requeue bool
}

type fakeAcknowledger struct {
	mu  sync.Mutex
	rec ackRecord
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec.acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec.nacked = true
	f.rec.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

type published struct {
	queue   string
	body    []byte
	headers amqp.Table
}

type fakeRepublisher struct {
	err  error
	sent []published
}

func (f *fakeRepublisher) PublishRaw(_ context.Context, queue string, body []byte, headers amqp.Table) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{queue: queue, body: body, headers: headers})
	return nil
}

func newTestConsumer(pub Republisher, maxRetries int, handler Handler) *Consumer {
	return &Consumer{
		pub: pub,
		opts: ConsumerOptions{
			Queue:      "documents",
			MaxRetries: maxRetries,
		},
		handler: handler,
		log:     logger.NewNop(),
	}
}

func delivery(ack *fakeAcknowledger, headers amqp.Table) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Headers:      headers,
		Body:         []byte(`{"versionId":1}`),
	}
}

func TestHandleDeliverySuccessAcks(t *testing.T) {
	ack := &fakeAcknowledger{}
	pub := &fakeRepublisher{}
	c := newTestConsumer(pub, 3, func(context.Context, []byte) error { return nil })

	c.handleDelivery(context.Background(), delivery(ack, nil))

	assert.Equal(t, ackRecord{acked: true}, ack.rec)
	assert.Empty(t, pub.sent)
}

func TestHandleDeliveryPassesAttemptToHandler(t *testing.T) {
	seen := -1
	c := newTestConsumer(&fakeRepublisher{}, 5, func(ctx context.Context, _ []byte) error {
		seen = Attempt(ctx)
		return nil
	})

	c.handleDelivery(context.Background(), delivery(&fakeAcknowledger{}, nil))
	assert.Equal(t, 0, seen)

	c.handleDelivery(context.Background(), delivery(&fakeAcknowledger{}, amqp.Table{headerRetryCount: int32(3)}))
	assert.Equal(t, 3, seen)
}

func TestHandleDeliveryPermanentErrorDrops(t *testing.T) {
	ack := &fakeAcknowledger{}
	pub := &fakeRepublisher{}
	c := newTestConsumer(pub, 3, func(context.Context, []byte) error {
		return Permanent(errors.New("malformed payload"))
	})

	c.handleDelivery(context.Background(), delivery(ack, nil))

	assert.Equal(t, ackRecord{acked: true}, ack.rec)
	assert.Empty(t, pub.sent)
}

func TestHandleDeliveryUnlimitedRetryNacksWithRequeue(t *testing.T) {
	ack := &fakeAcknowledger{}
	pub := &fakeRepublisher{}
	c := newTestConsumer(pub, 0, func(context.Context, []byte) error { return errors.New("tool crashed") })

	c.handleDelivery(context.Background(), delivery(ack, nil))

	assert.Equal(t, ackRecord{nacked: true, requeue: true}, ack.rec)
	assert.Empty(t, pub.sent)
}

func TestHandleDeliveryRepublishesWithRetryCount(t *testing.T) {
	ack := &fakeAcknowledger{}
	pub := &fakeRepublisher{}
	c := newTestConsumer(pub, 3, func(context.Context, []byte) error { return errors.New("timeout") })

	c.handleDelivery(context.Background(), delivery(ack, amqp.Table{headerRetryCount: int32(1), "trace": "abc"}))

	assert.Equal(t, ackRecord{acked: true}, ack.rec)
	require.Len(t, pub.sent, 1)
	assert.Equal(t, "documents", pub.sent[0].queue)
	assert.Equal(t, int32(2), pub.sent[0].headers[headerRetryCount])
	assert.Equal(t, "abc", pub.sent[0].headers["trace"])
	assert.JSONEq(t, `{"versionId":1}`, string(pub.sent[0].body))
}

func TestHandleDeliveryDeadLettersAfterMaxRetries(t *testing.T) {
	ack := &fakeAcknowledger{}
	pub := &fakeRepublisher{}
	c := newTestConsumer(pub, 3, func(context.Context, []byte) error { return errors.New("still broken") })

	c.handleDelivery(context.Background(), delivery(ack, amqp.Table{headerRetryCount: int64(3)}))

	assert.Equal(t, ackRecord{acked: true}, ack.rec)
	require.Len(t, pub.sent, 1)
	assert.Equal(t, "documents.dead", pub.sent[0].queue)
	assert.Equal(t, "still broken", pub.sent[0].headers[headerLastError])
}

func TestHandleDeliveryFallsBackToRequeueWhenRepublishFails(t *testing.T) {
	ack := &fakeAcknowledger{}
	pub := &fakeRepublisher{err: errors.New("channel closed")}
	c := newTestConsumer(pub, 3, func(context.Context, []byte) error { return errors.New("timeout") })

	c.handleDelivery(context.Background(), delivery(ack, nil))

	assert.Equal(t, ackRecord{nacked: true, requeue: true}, ack.rec)
}

func TestHandleDeliveryRunsHandlerPastShutdown(t *testing.T) {
	ack := &fakeAcknowledger{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var handlerCtxErr error
	c := newTestConsumer(&fakeRepublisher{}, 3, func(hctx context.Context, _ []byte) error {
		handlerCtxErr = hctx.Err()
		return nil
	})

	c.handleDelivery(ctx, delivery(ack, nil))

	assert.NoError(t, handlerCtxErr)
	assert.True(t, ack.rec.acked)
}

func TestPermanentWrapping(t *testing.T) {
	base := errors.New("bad json")
	err := fmt.Errorf("decode: %w", Permanent(base))

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}

func TestRetryCountParsesHeaderTypes(t *testing.T) {
	assert.Equal(t, 0, retryCount(nil))
	assert.Equal(t, 2, retryCount(amqp.Table{headerRetryCount: int16(2)}))
	assert.Equal(t, 4, retryCount(amqp.Table{headerRetryCount: int64(4)}))
	assert.Equal(t, 0, retryCount(amqp.Table{headerRetryCount: "7"}))
}
