// Copyright 2025 James Ross

// Package fake is an in-memory, scriptable provider.Client for
// BatchWorkflow and FileReconciler tests: callers preload batch/file
// outcomes and the fake returns them in order.
package fake

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/williamwinkler/openai-batch-manager/internal/provider"
)

// Client is a sequential script per batch/file id: GetBatch calls pop the
// next queued provider.BatchStatus for that batch, so tests can model a
// poll sequence (in_progress, in_progress, completed).
type Client struct {
	mu sync.Mutex

	nextFileID  int
	nextBatchID int

	uploadedFiles map[string][]byte // fileID -> content, for UploadFile
	fileContents  map[string][]byte // fileID -> downloadable content, for DownloadFile
	batchStatuses map[string][]provider.BatchStatus
	batchExpiry   map[string]time.Time
	cancelled     map[string]bool
	deletedFiles  map[string]bool

	// FailUpload etc let tests force an error return.
	FailUpload      error
	FailCreateBatch error
	FailGetBatch    error
	FailDownload    error
	FailCancel      error
	FailDelete      error
}

func New() *Client {
	return &Client{
		uploadedFiles: map[string][]byte{},
		fileContents:  map[string][]byte{},
		batchStatuses: map[string][]provider.BatchStatus{},
		batchExpiry:   map[string]time.Time{},
		cancelled:     map[string]bool{},
		deletedFiles:  map[string]bool{},
	}
}

// SetFileContent preloads what DownloadFile(fileID) returns.
func (c *Client) SetFileContent(fileID string, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fileContents[fileID] = content
}

// QueueBatchStatus appends a status to the sequence GetBatch(batchID)
// will return, oldest first.
func (c *Client) QueueBatchStatus(batchID string, status provider.BatchStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchStatuses[batchID] = append(c.batchStatuses[batchID], status)
}

func (c *Client) UploadFile(ctx context.Context, stream io.Reader) (string, error) {
	if c.FailUpload != nil {
		return "", c.FailUpload
	}
	content, err := io.ReadAll(stream)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextFileID++
	id := "file_" + strconv.Itoa(c.nextFileID)
	c.uploadedFiles[id] = content
	return id, nil
}

func (c *Client) CreateBatch(ctx context.Context, fileID, url, model string) (string, time.Time, error) {
	if c.FailCreateBatch != nil {
		return "", time.Time{}, c.FailCreateBatch
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextBatchID++
	id := "batch_" + strconv.Itoa(c.nextBatchID)
	expires := time.Now().UTC().Add(24 * time.Hour)
	c.batchExpiry[id] = expires
	return id, expires, nil
}

func (c *Client) GetBatch(ctx context.Context, batchID string) (provider.BatchStatus, error) {
	if c.FailGetBatch != nil {
		return provider.BatchStatus{}, c.FailGetBatch
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.batchStatuses[batchID]
	if len(queue) == 0 {
		return provider.BatchStatus{}, fmt.Errorf("fake provider: no queued status for %s", batchID)
	}
	next := queue[0]
	if len(queue) > 1 {
		c.batchStatuses[batchID] = queue[1:]
	}
	return next, nil
}

func (c *Client) DownloadFile(ctx context.Context, fileID string) (string, error) {
	if c.FailDownload != nil {
		return "", c.FailDownload
	}
	c.mu.Lock()
	_, ok := c.fileContents[fileID]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("fake provider: no content staged for %s", fileID)
	}
	// The fake hands back a synthetic local path; FileReconciler in
	// tests is given the content directly rather than reading from disk.
	return "memory://" + fileID, nil
}

// ContentFor lets a test read back what DownloadFile would have written,
// since the fake doesn't touch the filesystem.
func (c *Client) ContentFor(fileID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.fileContents[fileID]
	return b, ok
}

func (c *Client) CancelBatch(ctx context.Context, batchID string) error {
	if c.FailCancel != nil {
		return c.FailCancel
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.batchExpiry[batchID]; !ok {
		return provider.ErrNotFound
	}
	c.cancelled[batchID] = true
	return nil
}

func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	if c.FailDelete != nil {
		return c.FailDelete
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.uploadedFiles[fileID]; !ok {
		if _, ok := c.fileContents[fileID]; !ok {
			return provider.ErrNotFound
		}
	}
	c.deletedFiles[fileID] = true
	return nil
}

var _ provider.Client = (*Client)(nil)
