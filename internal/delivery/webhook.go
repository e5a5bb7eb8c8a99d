// Copyright 2025 James Ross
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/williamwinkler/openai-batch-manager/internal/breaker"
	"github.com/williamwinkler/openai-batch-manager/internal/obs"
	"github.com/williamwinkler/openai-batch-manager/internal/statemachine"
	"github.com/williamwinkler/openai-batch-manager/internal/store"
)

// webhookTimeout bounds connect+read for one POST, per spec.md §5.
const webhookTimeout = 30 * time.Second

// WebhookSink POSTs a Request's response_payload to delivery_config.url.
// Circuit broken the same way internal/provider/httpclient protects the
// upstream Batch API: a down webhook endpoint shouldn't be hammered with
// every request in the batch.
type WebhookSink struct {
	httpClient *http.Client
	cb         *breaker.CircuitBreaker
}

func NewWebhookSink() *WebhookSink {
	return &WebhookSink{
		httpClient: &http.Client{Timeout: webhookTimeout},
		cb:         breaker.New(time.Minute, 30*time.Second, 0.5, 20),
	}
}

func (w *WebhookSink) Send(ctx context.Context, cfg store.DeliveryConfig, payload json.RawMessage) (statemachine.RequestDeliveryOutcome, string, error) {
	if !w.cb.Allow() {
		return statemachine.OutcomeConnectionError, "circuit open", nil
	}

	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return statemachine.OutcomeOther, err.Error(), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	w.record(err == nil)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return statemachine.OutcomeTimeout, err.Error(), nil
		}
		return statemachine.OutcomeConnectionError, err.Error(), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		io.Copy(io.Discard, resp.Body)
		return statemachine.OutcomeSuccess, "", nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return statemachine.OutcomeHTTPStatusNot2xx, fmt.Sprintf("status %d: %s", resp.StatusCode, body), nil
}

// record updates the breaker and mirrors its state into the
// circuit_breaker_state/circuit_breaker_trips_total metrics.
func (w *WebhookSink) record(ok bool) {
	before := w.cb.State()
	w.cb.Record(ok)
	after := w.cb.State()
	obs.CircuitBreakerState.WithLabelValues("webhook").Set(float64(after))
	if before != breaker.Open && after == breaker.Open {
		obs.CircuitBreakerTrips.WithLabelValues("webhook").Inc()
	}
}

var _ Sink = (*WebhookSink)(nil)
