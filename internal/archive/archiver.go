package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/sellerstudio/api/internal/client"
)

// maxMediaBytes caps a single archived file
const maxMediaBytes = 512 << 20

// Archiver copies generated media from provider URLs into object storage
type Archiver struct {
	storage    client.StorageClient
	httpClient *http.Client
}

func New(storage client.StorageClient) *Archiver {
	return &Archiver{
		storage:    storage,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Mirror downloads srcURL and uploads it under generations/<user>/<task>/.
// It returns the public URL of the stored copy.
func (a *Archiver) Mirror(ctx context.Context, userID, taskID, srcURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", srcURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: status %d", srcURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", srcURL, err)
	}
	if len(data) > maxMediaBytes {
		return "", fmt.Errorf("download %s: file exceeds %d bytes", srcURL, maxMediaBytes)
	}

	mtype := mimetype.Detect(data)
	key := fmt.Sprintf("generations/%s/%s/%s%s", keySegment(userID), keySegment(taskID), uuid.New().String(), mtype.Extension())

	publicURL, err := a.storage.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), mtype.String())
	if err != nil {
		return "", err
	}
	return publicURL, nil
}

// Remove deletes an archived copy. URLs outside the storage are ignored.
func (a *Archiver) Remove(ctx context.Context, publicURL string) error {
	prefix := a.storage.GetPublicURL("")
	if prefix == "" || !strings.HasPrefix(publicURL, prefix) {
		return nil
	}
	return a.storage.Delete(ctx, strings.TrimPrefix(publicURL, prefix))
}

func keySegment(s string) string {
	if s == "" {
		return "anonymous"
	}
	return s
}
