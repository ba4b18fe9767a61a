// Azure Blob Storage backend for Driftdesk.
//
// The Azure backend streams uploads through Block Blob primitives: each
// flushed buffer is staged with StageBlock, and CommitBlockList finalizes
// the blob from the staged sequence. Abort simply walks away: uncommitted
// blocks are garbage-collected by Azure within 7 days.
//
// Key mapping:
//
//	Objects: {prefix}vault/{id}
//
// Credentials are resolved via DefaultAzureCredential (env vars, managed
// identity, Azure CLI, etc.).
package blobstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"

	"github.com/driftdesk/driftdesk/internal/uid"
)

// azureBlockSize is the staged-block size for Azure uploads.
const azureBlockSize = 4 * 1024 * 1024

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the backend uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// StageBlock stages a block on a blob for later commit.
	StageBlock(ctx context.Context, containerName, blobName, blockID string, data []byte) error
	// CommitBlockList commits a list of block IDs to finalize a blob.
	CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string) error
	// DownloadStream opens a blob's contents for reading.
	DownloadStream(ctx context.Context, containerName, blobName string) (io.ReadCloser, error)
	// GetBlobProperties retrieves the size of a blob.
	GetBlobProperties(ctx context.Context, containerName, blobName string) (int64, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
}

// realAzureClient wraps the official Azure SDK client to satisfy AzureBlobAPI.
type realAzureClient struct {
	client *azblob.Client
}

// newRealAzureClient creates a real Azure Blob client using
// DefaultAzureCredential.
func newRealAzureClient(accountURL string) (*realAzureClient, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return &realAzureClient{client: client}, nil
}

func (c *realAzureClient) StageBlock(ctx context.Context, containerName, blobName, blockID string, data []byte) error {
	bbClient := c.client.ServiceClient().NewContainerClient(containerName).NewBlockBlobClient(blobName)
	body := streaming.NopCloser(bytes.NewReader(data))
	_, err := bbClient.StageBlock(ctx, blockID, body, nil)
	return err
}

func (c *realAzureClient) CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string) error {
	bbClient := c.client.ServiceClient().NewContainerClient(containerName).NewBlockBlobClient(blobName)
	_, err := bbClient.CommitBlockList(ctx, blockIDs, &blockblob.CommitBlockListOptions{})
	return err
}

func (c *realAzureClient) DownloadStream(ctx context.Context, containerName, blobName string) (io.ReadCloser, error) {
	resp, err := c.client.DownloadStream(ctx, containerName, blobName, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *realAzureClient) GetBlobProperties(ctx context.Context, containerName, blobName string) (int64, error) {
	resp, err := c.client.ServiceClient().NewContainerClient(containerName).NewBlobClient(blobName).GetProperties(ctx, nil)
	if err != nil {
		return 0, err
	}
	if resp.ContentLength != nil {
		return *resp.ContentLength, nil
	}
	return 0, nil
}

func (c *realAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	_, err := c.client.DeleteBlob(ctx, containerName, blobName, nil)
	return err
}

// AzureStore implements the Store interface on Azure Blob Storage.
type AzureStore struct {
	// Container is the upstream Azure Blob container name.
	Container string
	// AccountURL is the storage account URL (e.g. https://account.blob.core.windows.net).
	AccountURL string
	// Prefix is the blob name prefix for all Driftdesk objects.
	Prefix string
	// client is the Azure Blob client (satisfying the AzureBlobAPI interface).
	client AzureBlobAPI
}

// NewAzureStore creates a new AzureStore targeting the specified container.
// It initializes the Azure SDK client using DefaultAzureCredential.
func NewAzureStore(ctx context.Context, container, accountURL, prefix string) (*AzureStore, error) {
	client, err := newRealAzureClient(accountURL)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	s := &AzureStore{
		Container:  container,
		AccountURL: accountURL,
		Prefix:     prefix,
		client:     client,
	}

	// Verify the upstream container is accessible by probing a
	// non-existent blob: not-found means reachable.
	_, err = s.client.GetBlobProperties(ctx, container, "\x00nonexistent\x00")
	if err != nil && !isAzureNotFound(err) {
		return nil, fmt.Errorf("cannot access upstream Azure container %q: %w", container, err)
	}

	slog.Info("Azure blob store initialized", "container", container, "account", accountURL, "prefix", prefix)
	return s, nil
}

// NewAzureStoreWithClient creates an AzureStore with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewAzureStoreWithClient(container, accountURL, prefix string, client AzureBlobAPI) *AzureStore {
	return &AzureStore{Container: container, AccountURL: accountURL, Prefix: prefix, client: client}
}

// blobName maps a fresh object id to an upstream Azure blob name.
func (s *AzureStore) blobName(id string) string {
	return s.Prefix + "vault/" + id
}

// blockID generates a block ID for a staged block. Block IDs must be
// base64-encoded and the same length for all blocks in a blob.
func blockID(n int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%06d", n)))
}

// OpenSink returns a sink that stages fixed-size blocks and commits the
// block list on finalize.
func (s *AzureStore) OpenSink(ctx context.Context, meta ObjectMetadata) (WriteSink, error) {
	return &azureSink{
		store: s,
		blob:  s.blobName(uid.New()),
		md5:   md5.New(),
	}, nil
}

// azureSink buffers bytes into staged Block Blob blocks.
type azureSink struct {
	store    *AzureStore
	blob     string
	buf      bytes.Buffer
	blockIDs []string
	md5      hash.Hash
	size     int64
	done     bool
}

func (k *azureSink) Write(ctx context.Context, p []byte) (int, error) {
	if k.done {
		return 0, fmt.Errorf("write to finalized or aborted sink")
	}
	k.buf.Write(p)
	k.md5.Write(p)
	k.size += int64(len(p))

	if k.buf.Len() >= azureBlockSize {
		if err := k.flushBlock(ctx); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// flushBlock stages the buffered bytes as the next block.
func (k *azureSink) flushBlock(ctx context.Context) error {
	if k.buf.Len() == 0 {
		return nil
	}
	id := blockID(len(k.blockIDs))
	data := make([]byte, k.buf.Len())
	copy(data, k.buf.Bytes())
	k.buf.Reset()

	if err := k.store.client.StageBlock(ctx, k.store.Container, k.blob, id, data); err != nil {
		return fmt.Errorf("staging Azure block %s: %w", id, err)
	}
	k.blockIDs = append(k.blockIDs, id)
	return nil
}

func (k *azureSink) Finalize(ctx context.Context) (ObjectHandle, error) {
	if k.done {
		return ObjectHandle{}, fmt.Errorf("sink already released")
	}
	k.done = true

	if err := k.flushBlock(ctx); err != nil {
		return ObjectHandle{}, err
	}

	if err := k.store.client.CommitBlockList(ctx, k.store.Container, k.blob, k.blockIDs); err != nil {
		return ObjectHandle{}, fmt.Errorf("committing Azure block list: %w", err)
	}

	return ObjectHandle{
		Key:  k.blob,
		Size: k.size,
		ETag: fmt.Sprintf(`"%x"`, k.md5.Sum(nil)),
	}, nil
}

func (k *azureSink) Abort(ctx context.Context) error {
	if k.done {
		return nil
	}
	k.done = true
	// Uncommitted blocks auto-expire in 7 days; nothing to release eagerly.
	return nil
}

// OpenReadStream opens a finalized blob for reading. The caller is
// responsible for closing the returned ReadCloser.
func (s *AzureStore) OpenReadStream(ctx context.Context, handle ObjectHandle) (io.ReadCloser, int64, error) {
	size, err := s.client.GetBlobProperties(ctx, s.Container, handle.Key)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, fmt.Errorf("object not found: %s", handle.Key)
		}
		return nil, 0, fmt.Errorf("getting blob properties from Azure: %w", err)
	}

	r, err := s.client.DownloadStream(ctx, s.Container, handle.Key)
	if err != nil {
		return nil, 0, fmt.Errorf("opening Azure blob stream: %w", err)
	}
	return r, size, nil
}

// Delete removes a finalized blob. Idempotent: catches not-found silently.
func (s *AzureStore) Delete(ctx context.Context, handle ObjectHandle) error {
	err := s.client.DeleteBlob(ctx, s.Container, handle.Key)
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("deleting Azure blob: %w", err)
	}
	return nil
}

// HealthCheck probes the upstream container.
func (s *AzureStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.GetBlobProperties(ctx, s.Container, "\x00nonexistent\x00")
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("Azure health check: %w", err)
	}
	return nil
}

// isAzureNotFound reports whether an Azure SDK error represents a missing
// blob or container. The SDK surfaces these as service error strings.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") ||
		strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "containernotfound") ||
		strings.Contains(msg, "the specified blob does not exist") ||
		strings.Contains(msg, "the specified container does not exist")
}

// Compile-time interface checks for all store backends.
var (
	_ Store = (*LocalStore)(nil)
	_ Store = (*GCSStore)(nil)
	_ Store = (*S3Store)(nil)
	_ Store = (*AzureStore)(nil)
)
