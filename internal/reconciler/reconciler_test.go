// Copyright 2025 James Ross
package reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager/internal/provider/fake"
	"github.com/williamwinkler/openai-batch-manager/internal/statemachine"
	"github.com/williamwinkler/openai-batch-manager/internal/store"
	"github.com/williamwinkler/openai-batch-manager/internal/store/memstore"
)

// memOpener resolves the fake provider's "memory://<fileID>" paths back to
// their staged content, mirroring how a production opener would resolve a
// real local path.
type memOpener struct {
	client *fake.Client
}

func (m memOpener) Open(path string) (io.ReadCloser, error) {
	fileID := strings.TrimPrefix(path, "memory://")
	content, ok := m.client.ContentFor(fileID)
	if !ok {
		return nil, io.EOF
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func seedRequest(t *testing.T, ctx context.Context, s store.Store, batchID, customID string) *store.Request {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"custom_id": customID, "model": "gpt-x", "url": "/v1/chat/completions"})
	r, err := s.CreateRequest(ctx, batchID, &store.Request{
		CustomID:           customID,
		URL:                "/v1/chat/completions",
		Model:              "gpt-x",
		RequestPayload:     payload,
		RequestPayloadSize: int64(len(payload)),
		DeliveryConfig:     store.DeliveryConfig{Type: store.DeliveryWebhook, URL: "https://example.com/hook"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionRequest(ctx, r.ID, statemachine.RequestOpenAIProcessing, nil); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestProcessDownloadedFileClassifiesSuccessAndError(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	p := fake.New()

	b, err := s.CreateBatch(ctx, "/v1/chat/completions", "gpt-x")
	if err != nil {
		t.Fatal(err)
	}
	ok := seedRequest(t, ctx, s, b.ID, "ok")
	bad := seedRequest(t, ctx, s, b.ID, "bad")

	outputLines := []string{
		`{"id":"resp_1","custom_id":"ok","response":{"status_code":200,"body":{"choices":[]}},"error":null}`,
	}
	errorLines := []string{
		`{"id":"resp_2","custom_id":"bad","response":null,"error":{"message":"boom"}}`,
	}
	p.SetFileContent("file_out", []byte(strings.Join(outputLines, "\n")))
	p.SetFileContent("file_err", []byte(strings.Join(errorLines, "\n")))

	r := &Reconciler{Store: s, Opener: memOpener{client: p}, Log: zap.NewNop()}
	if err := r.ProcessDownloadedFile(ctx, b.ID, "memory://file_out", "memory://file_err"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRequest(ctx, ok.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != statemachine.RequestOpenAIProcessed {
		t.Fatalf("expected ok request openai_processed, got %s", got.State)
	}
	if len(got.ResponsePayload) == 0 {
		t.Fatalf("expected response_payload to be stored")
	}

	gotBad, err := s.GetRequest(ctx, bad.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotBad.State != statemachine.RequestFailed {
		t.Fatalf("expected bad request failed, got %s", gotBad.State)
	}
	if gotBad.ErrorMsg == "" {
		t.Fatalf("expected error_msg to be set")
	}
}

func TestProcessDownloadedFileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	p := fake.New()

	b, err := s.CreateBatch(ctx, "/v1/chat/completions", "gpt-x")
	if err != nil {
		t.Fatal(err)
	}
	req := seedRequest(t, ctx, s, b.ID, "ok")

	line := `{"id":"resp_1","custom_id":"ok","response":{"status_code":200,"body":{}},"error":null}`
	p.SetFileContent("file_out", []byte(line))

	r := &Reconciler{Store: s, Opener: memOpener{client: p}, Log: zap.NewNop()}
	if err := r.ProcessDownloadedFile(ctx, b.ID, "memory://file_out", ""); err != nil {
		t.Fatal(err)
	}
	if err := r.ProcessDownloadedFile(ctx, b.ID, "memory://file_out", ""); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != statemachine.RequestOpenAIProcessed {
		t.Fatalf("expected still openai_processed after re-application, got %s", got.State)
	}
}

func TestReconcileFileSkipsMalformedLines(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	p := fake.New()

	b, err := s.CreateBatch(ctx, "/v1/chat/completions", "gpt-x")
	if err != nil {
		t.Fatal(err)
	}
	req := seedRequest(t, ctx, s, b.ID, "ok")

	lines := []string{
		"not json at all",
		`{"id":"resp_1","custom_id":"ok","response":{"status_code":200,"body":{}},"error":null}`,
	}
	p.SetFileContent("file_out", []byte(strings.Join(lines, "\n")))

	r := &Reconciler{Store: s, Opener: memOpener{client: p}, Log: zap.NewNop()}
	if err := r.ProcessDownloadedFile(ctx, b.ID, "memory://file_out", ""); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != statemachine.RequestOpenAIProcessed {
		t.Fatalf("expected malformed line skipped and good line applied, got %s", got.State)
	}
}

func TestProcessExpiredBatchResetsStillProcessingAndResubmits(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	p := fake.New()

	b, err := s.CreateBatch(ctx, "/v1/chat/completions", "gpt-x")
	if err != nil {
		t.Fatal(err)
	}
	done := seedRequest(t, ctx, s, b.ID, "done")
	stuck := seedRequest(t, ctx, s, b.ID, "stuck")

	if _, err := s.TransitionBatch(ctx, b.ID, statemachine.BatchUploading, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionBatch(ctx, b.ID, statemachine.BatchUploaded, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionBatch(ctx, b.ID, statemachine.BatchOpenAIProcessing, func(bb *store.Batch) {
		bb.ProviderBatchID = "batch_1"
		bb.ProviderInputFileID = "file_in"
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionBatch(ctx, b.ID, statemachine.BatchExpired, nil); err != nil {
		t.Fatal(err)
	}

	line := `{"id":"resp_1","custom_id":"done","response":{"status_code":200,"body":{}},"error":null}`
	p.SetFileContent("file_out", []byte(line))

	r := &Reconciler{Store: s, Opener: memOpener{client: p}, Log: zap.NewNop()}
	if err := r.ProcessExpiredBatch(ctx, b.ID, "memory://file_out", ""); err != nil {
		t.Fatal(err)
	}

	gotDone, err := s.GetRequest(ctx, done.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotDone.State != statemachine.RequestOpenAIProcessed {
		t.Fatalf("expected done request openai_processed, got %s", gotDone.State)
	}

	gotStuck, err := s.GetRequest(ctx, stuck.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotStuck.State != statemachine.RequestPending {
		t.Fatalf("expected stuck request reset to pending, got %s", gotStuck.State)
	}

	gotBatch, err := s.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotBatch.State != statemachine.BatchUploading {
		t.Fatalf("expected batch resubmitted to uploading, got %s", gotBatch.State)
	}
	if gotBatch.ProviderBatchID != "" || gotBatch.ProviderInputFileID != "" {
		t.Fatalf("expected provider ids cleared for resubmission")
	}
}
