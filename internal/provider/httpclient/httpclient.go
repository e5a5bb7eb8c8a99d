// Copyright 2025 James Ross

// Package httpclient is the production provider.Client: a thin HTTP
// wrapper around the upstream Batch API's file-upload, batch-create,
// batch-poll, file-download, cancel and delete endpoints, wrapped in an
// internal/breaker circuit breaker.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager/internal/breaker"
	"github.com/williamwinkler/openai-batch-manager/internal/obs"
	"github.com/williamwinkler/openai-batch-manager/internal/provider"
)

// Timeouts per spec.md §5: provider calls ≤120s, file download ≤600s.
const (
	callTimeout     = 120 * time.Second
	downloadTimeout = 600 * time.Second
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	downloadTo string
	cb         *breaker.CircuitBreaker
	log        *zap.Logger
}

func New(baseURL, apiKey, downloadDir string, log *zap.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{},
		downloadTo: downloadDir,
		cb:         breaker.New(time.Minute, 30*time.Second, 0.5, 20),
		log:        log,
	}
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if !c.cb.Allow() {
		return nil, fmt.Errorf("provider: circuit open")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpClient.Do(req)
	before := c.cb.State()
	c.cb.Record(err == nil)
	after := c.cb.State()
	obs.CircuitBreakerState.WithLabelValues("provider").Set(float64(after))
	if before != breaker.Open && after == breaker.Open {
		obs.CircuitBreakerTrips.WithLabelValues("provider").Inc()
	}
	return resp, err
}

func (c *Client) UploadFile(ctx context.Context, stream io.Reader) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("purpose", "batch"); err != nil {
		return "", err
	}
	part, err := w.CreateFormFile("file", "batch_input.jsonl")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, stream); err != nil {
		return "", fmt.Errorf("provider: copy upload body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("provider: upload_file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("provider: upload_file status %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("provider: decode upload_file response: %w", err)
	}
	return out.ID, nil
}

func (c *Client) CreateBatch(ctx context.Context, fileID, url, model string) (string, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	payload, _ := json.Marshal(map[string]string{
		"input_file_id":     fileID,
		"endpoint":          url,
		"completion_window": "24h",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/batches", bytes.NewReader(payload))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("provider: create_batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", time.Time{}, fmt.Errorf("provider: create_batch status %d", resp.StatusCode)
	}
	var out struct {
		ID          string `json:"id"`
		ExpiresAtUx int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, fmt.Errorf("provider: decode create_batch response: %w", err)
	}
	return out.ID, time.Unix(out.ExpiresAtUx, 0).UTC(), nil
}

func (c *Client) GetBatch(ctx context.Context, batchID string) (provider.BatchStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/batches/"+batchID, nil)
	if err != nil {
		return provider.BatchStatus{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		return provider.BatchStatus{}, fmt.Errorf("provider: get_batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return provider.BatchStatus{}, fmt.Errorf("provider: get_batch status %d", resp.StatusCode)
	}

	var out struct {
		Status        string `json:"status"`
		OutputFileID  string `json:"output_file_id"`
		ErrorFileID   string `json:"error_file_id"`
		RequestCounts struct {
			Total     int `json:"total"`
			Completed int `json:"completed"`
			Failed    int `json:"failed"`
		} `json:"request_counts"`
		Usage struct {
			InputTokens     int64 `json:"input_tokens"`
			CachedTokens    int64 `json:"cached_tokens"`
			ReasoningTokens int64 `json:"reasoning_tokens"`
			OutputTokens    int64 `json:"output_tokens"`
		} `json:"usage"`
		Errors struct {
			Data []struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"data"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return provider.BatchStatus{}, fmt.Errorf("provider: decode get_batch response: %w", err)
	}

	bs := provider.BatchStatus{
		Status:       provider.Status(out.Status),
		OutputFileID: out.OutputFileID,
		ErrorFileID:  out.ErrorFileID,
		RequestCounts: &provider.RequestCounts{
			Total: out.RequestCounts.Total, Completed: out.RequestCounts.Completed, Failed: out.RequestCounts.Failed,
		},
		Usage: &provider.Usage{
			InputTokens: out.Usage.InputTokens, CachedTokens: out.Usage.CachedTokens,
			ReasoningTokens: out.Usage.ReasoningTokens, OutputTokens: out.Usage.OutputTokens,
		},
	}
	for _, d := range out.Errors.Data {
		bs.Errors = append(bs.Errors, provider.ErrorDatum{Code: d.Code, Message: d.Message})
	}
	return bs, nil
}

func (c *Client) DownloadFile(ctx context.Context, fileID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/"+fileID+"/content", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("provider: download_file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", provider.ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("provider: download_file status %d", resp.StatusCode)
	}

	localPath := filepath.Join(c.downloadTo, fileID+".jsonl")
	f, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("provider: create local file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", fmt.Errorf("provider: write local file: %w", err)
	}
	return localPath, nil
}

func (c *Client) CancelBatch(ctx context.Context, batchID string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/batches/"+batchID+"/cancel", nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("provider: cancel_batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return provider.ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("provider: cancel_batch status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/files/"+fileID, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		c.log.Warn("provider: delete_file request failed", obs.Err(err))
		return fmt.Errorf("provider: delete_file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return provider.ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("provider: delete_file status %d", resp.StatusCode)
	}
	return nil
}

var _ provider.Client = (*Client)(nil)
