// Copyright 2025 James Ross
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/williamwinkler/openai-batch-manager/internal/breaker"
	"github.com/williamwinkler/openai-batch-manager/internal/obs"
	"github.com/williamwinkler/openai-batch-manager/internal/statemachine"
	"github.com/williamwinkler/openai-batch-manager/internal/store"
)

// amqpConfirmTimeout bounds waiting for a publish confirm, per spec.md §5.
const amqpConfirmTimeout = 10 * time.Second

// AMQPSink publishes a Request's response_payload to RabbitMQ, in either
// the queue form (default exchange, routing key = queue name) or the
// exchange form (named exchange + routing key), per spec.md §4.8. Circuit
// broken like WebhookSink: a broker that's down or congested shouldn't
// be redialed on every one of a batch's requests.
type AMQPSink struct {
	url string
	cb  *breaker.CircuitBreaker

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPSink(url string) *AMQPSink {
	return &AMQPSink{url: url, cb: breaker.New(time.Minute, 30*time.Second, 0.5, 20)}
}

// channel returns a confirm-mode channel on a live connection, dialing
// lazily and redialing if the previous connection died.
func (a *AMQPSink) channel() (*amqp.Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil && !a.conn.IsClosed() && a.ch != nil && !a.ch.IsClosed() {
		return a.ch, nil
	}

	conn, err := amqp.Dial(a.url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	a.conn, a.ch = conn, ch
	return ch, nil
}

func (a *AMQPSink) Send(ctx context.Context, cfg store.DeliveryConfig, payload json.RawMessage) (statemachine.RequestDeliveryOutcome, string, error) {
	if a.url == "" {
		return statemachine.OutcomeRabbitMQNotConfigured, "amqp sink has no broker url configured", nil
	}
	if !a.cb.Allow() {
		return statemachine.OutcomeConnectionError, "circuit open", nil
	}

	exchange, routingKey := "", ""
	switch cfg.Type {
	case store.DeliveryAMQPQueue:
		exchange, routingKey = "", cfg.Queue
	case store.DeliveryAMQPExchange:
		exchange, routingKey = cfg.Exchange, cfg.RoutingKey
	default:
		return statemachine.OutcomeOther, "delivery_config is not an amqp variant", nil
	}

	ch, err := a.channel()
	if err != nil {
		a.record(false)
		return statemachine.OutcomeOther, err.Error(), nil
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	ctx, cancel := context.WithTimeout(ctx, amqpConfirmTimeout)
	defer cancel()

	err = ch.PublishWithContext(ctx, exchange, routingKey, true, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		a.record(false)
		return classifyPublishError(err)
	}

	select {
	case confirm, ok := <-confirms:
		if !ok || !confirm.Ack {
			a.record(false)
			return statemachine.OutcomeConnectionError, "broker nack", nil
		}
		a.record(true)
		return statemachine.OutcomeSuccess, "", nil
	case <-ctx.Done():
		a.record(false)
		return statemachine.OutcomeTimeout, "timed out waiting for publish confirm", nil
	}
}

// classifyPublishError distinguishes the broker-reported error codes
// spec.md §4.8 names as separate outcomes.
func classifyPublishError(err error) (statemachine.RequestDeliveryOutcome, string, error) {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.NotFound:
			if strings.Contains(strings.ToLower(amqpErr.Reason), "exchange") {
				return statemachine.OutcomeExchangeNotFound, amqpErr.Reason, nil
			}
			return statemachine.OutcomeQueueNotFound, amqpErr.Reason, nil
		}
	}
	if errors.Is(err, amqp.ErrClosed) {
		return statemachine.OutcomeConnectionError, err.Error(), nil
	}
	return statemachine.OutcomeOther, err.Error(), nil
}

// record updates the breaker and mirrors its state into the
// circuit_breaker_state/circuit_breaker_trips_total metrics.
func (a *AMQPSink) record(ok bool) {
	before := a.cb.State()
	a.cb.Record(ok)
	after := a.cb.State()
	obs.CircuitBreakerState.WithLabelValues("amqp").Set(float64(after))
	if before != breaker.Open && after == breaker.Open {
		obs.CircuitBreakerTrips.WithLabelValues("amqp").Inc()
	}
}

var _ Sink = (*AMQPSink)(nil)
