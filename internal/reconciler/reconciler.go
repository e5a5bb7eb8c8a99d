// Copyright 2025 James Ross

// Package reconciler implements FileReconciler (spec.md §4.7): it streams
// a provider output/error JSONL file in bounded chunks and folds each
// line's outcome into the matching Request, classifying it as success or
// error by the bit-exact line schema of spec.md §6.3.
package reconciler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager/internal/obs"
	"github.com/williamwinkler/openai-batch-manager/internal/statemachine"
	"github.com/williamwinkler/openai-batch-manager/internal/store"
)

// chunkSize bounds how many lines are parsed and looked up per Store
// round-trip (spec.md §4.7: "Streams a JSONL file in bounded chunks
// (100 lines)").
const chunkSize = 100

// progressEvery logs a progress line every N chunks (spec.md §4.7).
const progressEvery = 10

// FileOpener abstracts reading a downloaded file's content, so tests can
// substitute the provider fake's in-memory staged content for a real
// os.Open call.
type FileOpener interface {
	Open(path string) (io.ReadCloser, error)
}

// OSOpener opens files from the local filesystem, for
// internal/provider/httpclient's real downloads.
type OSOpener struct{}

func (OSOpener) Open(path string) (io.ReadCloser, error) { return os.Open(path) }

var _ FileOpener = OSOpener{}

// line is the bit-exact JSONL shape of spec.md §6.3.
type line struct {
	ID       string          `json:"id"`
	CustomID string          `json:"custom_id"`
	Response *lineResponse   `json:"response"`
	Error    json.RawMessage `json:"error"`
}

type lineResponse struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

// isError classifies a line per spec.md §4.7: the error file, a non-null
// top-level error, a non-200 status, or a body.error are all errors.
func (l line) isError(isErrorFile bool) bool {
	if isErrorFile {
		return true
	}
	if len(l.Error) > 0 && string(l.Error) != "null" {
		return true
	}
	if l.Response == nil {
		return true
	}
	if l.Response.StatusCode != 200 {
		return true
	}
	var body struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(l.Response.Body, &body); err == nil {
		if len(body.Error) > 0 && string(body.Error) != "null" {
			return true
		}
	}
	return false
}

// Reconciler is BatchWorkflow's FileProcessor (grounded on the Engine's
// FileProcessor interface declared in internal/workflow).
type Reconciler struct {
	Store  store.Store
	Opener FileOpener
	Log    *zap.Logger
}

func New(s store.Store, log *zap.Logger) *Reconciler {
	return &Reconciler{Store: s, Opener: OSOpener{}, Log: log}
}

// ProcessDownloadedFile reconciles a normal (non-expired) completion:
// output_file_id as success lines, error_file_id as error lines.
func (r *Reconciler) ProcessDownloadedFile(ctx context.Context, batchID, outputLocalPath, errorLocalPath string) error {
	if outputLocalPath != "" {
		if err := r.reconcileFile(ctx, batchID, outputLocalPath, false); err != nil {
			return fmt.Errorf("reconciler: output file: %w", err)
		}
	}
	if errorLocalPath != "" {
		if err := r.reconcileFile(ctx, batchID, errorLocalPath, true); err != nil {
			return fmt.Errorf("reconciler: error file: %w", err)
		}
	}
	return nil
}

// ProcessExpiredBatch is the partial-expiration variant (spec.md §4.7):
// reconciles whichever file exists, then resets any Request still in
// openai_processing back to pending and clears the batch's provider IDs
// so a resubmission can pick them up.
func (r *Reconciler) ProcessExpiredBatch(ctx context.Context, batchID, outputLocalPath, errorLocalPath string) error {
	if err := r.ProcessDownloadedFile(ctx, batchID, outputLocalPath, errorLocalPath); err != nil {
		return err
	}

	stillProcessing, err := r.Store.ListRequestsByBatchAndStates(ctx, batchID, []statemachine.RequestState{statemachine.RequestOpenAIProcessing})
	if err != nil {
		return err
	}
	for _, req := range stillProcessing {
		if _, err := r.Store.TransitionRequest(ctx, req.ID, statemachine.RequestPending, nil); err != nil {
			return err
		}
	}

	if _, err := r.Store.UpdateBatch(ctx, batchID, func(b *store.Batch) {
		b.ProviderBatchID = ""
		b.ProviderInputFileID = ""
	}); err != nil {
		return err
	}

	if len(stillProcessing) > 0 {
		_, err := r.Store.TransitionBatch(ctx, batchID, statemachine.BatchUploading, nil)
		return err
	}
	return nil
}

func (r *Reconciler) reconcileFile(ctx context.Context, batchID, localPath string, isErrorFile bool) error {
	f, err := r.Opener.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	chunk := make([]line, 0, chunkSize)
	rawChunk := make([]string, 0, chunkSize)
	chunks := 0

	fileKind := "output"
	if isErrorFile {
		fileKind = "error"
	}

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := r.applyChunk(ctx, batchID, chunk, rawChunk, isErrorFile); err != nil {
			return err
		}
		chunks++
		obs.ReconcilerChunksProcessed.WithLabelValues(fileKind).Inc()
		if chunks%progressEvery == 0 {
			r.Log.Info("reconciliation progress", obs.String("batch_id", batchID), obs.Int("chunks", chunks))
		}
		chunk = chunk[:0]
		rawChunk = rawChunk[:0]
		return nil
	}

	for scanner.Scan() {
		raw := scanner.Text()
		if raw == "" {
			continue
		}
		var l line
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			obs.ReconcilerLinesSkipped.WithLabelValues("malformed").Inc()
			r.Log.Warn("skipping malformed reconciliation line", obs.String("batch_id", batchID), obs.Err(err))
			continue
		}
		chunk = append(chunk, l)
		rawChunk = append(rawChunk, raw)
		if len(chunk) == chunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}

func (r *Reconciler) applyChunk(ctx context.Context, batchID string, lines []line, raw []string, isErrorFile bool) error {
	customIDs := make([]string, 0, len(lines))
	for _, l := range lines {
		customIDs = append(customIDs, l.CustomID)
	}
	requests, err := r.Store.ListRequestsByCustomIDs(ctx, batchID, customIDs)
	if err != nil {
		return err
	}
	byCustomID := make(map[string]*store.Request, len(requests))
	for _, req := range requests {
		byCustomID[req.CustomID] = req
	}

	for i, l := range lines {
		req, ok := byCustomID[l.CustomID]
		if !ok {
			obs.ReconcilerLinesSkipped.WithLabelValues("no_matching_request").Inc()
			r.Log.Warn("reconciliation line has no matching request",
				obs.String("batch_id", batchID), obs.String("custom_id", l.CustomID))
			continue
		}
		if req.State.IsTerminal() {
			continue
		}

		if l.isError(isErrorFile) {
			if _, err := r.Store.TransitionRequest(ctx, req.ID, statemachine.RequestFailed, func(rr *store.Request) {
				rr.ErrorMsg = raw[i]
			}); err != nil {
				return err
			}
			continue
		}

		if req.State == statemachine.RequestOpenAIProcessed {
			continue // already reconciled; idempotent re-application.
		}
		if _, err := r.Store.TransitionRequest(ctx, req.ID, statemachine.RequestOpenAIProcessed, func(rr *store.Request) {
			rr.ResponsePayload = json.RawMessage(raw[i])
		}); err != nil {
			return err
		}
	}
	return nil
}
