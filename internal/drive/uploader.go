// Package drive archives attachment content into the remote document store
// under a deterministic /<root>/<YYYY>/<MM>/<name> layout, choosing between a
// single-shot write and a chunked upload session by content size.
package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// simpleUploadLimit is the size at which uploads switch to a chunked
	// session.
	simpleUploadLimit = 4 << 20 // 4 MiB

	// chunkSize is the upload session fragment size. Graph requires a
	// multiple of 320 KiB.
	chunkSize = 320 << 10

	defaultBaseURL = "https://graph.microsoft.com/v1.0"
)

// ErrUploadIncomplete means a chunked upload failed mid-stream. There is no
// resume; the caller retries the whole attachment on a later cycle.
var ErrUploadIncomplete = errors.New("drive: chunked upload did not complete")

// Result describes the created file.
type Result struct {
	Path   string
	FileID string
	Size   int64
	WebURL string
}

// Uploader writes attachments into a drive owner's document store.
type Uploader struct {
	httpClient *http.Client
	baseURL    string
	root       string
	log        *zap.Logger
}

// NewUploader creates an uploader archiving under the given root folder.
func NewUploader(root string, log *zap.Logger) *Uploader {
	return &Uploader{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		baseURL:    defaultBaseURL,
		root:       root,
		log:        log,
	}
}

// NewUploaderWithBaseURL is NewUploader pointed at a non-default Graph
// endpoint. Used in tests.
func NewUploaderWithBaseURL(root, baseURL string, log *zap.Logger) *Uploader {
	u := NewUploader(root, log)
	u.baseURL = strings.TrimRight(baseURL, "/")
	return u
}

// Upload archives content into the drive of owner at the deterministic path
// derived from the message's received time and the attachment name. Folders
// are created on demand; an existing folder is success, not an error.
func (u *Uploader) Upload(ctx context.Context, accessToken, owner string, receivedAt time.Time, fileName string, content []byte) (*Result, error) {
	received := receivedAt.UTC()
	segments := []string{u.root, received.Format("2006"), received.Format("01")}

	parent := ""
	for _, segment := range segments {
		if err := u.ensureFolder(ctx, accessToken, owner, parent, segment); err != nil {
			return nil, fmt.Errorf("ensure folder %q: %w", segment, err)
		}
		if parent == "" {
			parent = segment
		} else {
			parent = parent + "/" + segment
		}
	}

	sanitized := SanitizeFileName(fileName)
	itemPath := parent + "/" + sanitized

	var (
		item *driveItem
		err  error
	)
	if len(content) < simpleUploadLimit {
		item, err = u.simpleUpload(ctx, accessToken, owner, itemPath, content)
	} else {
		item, err = u.chunkedUpload(ctx, accessToken, owner, itemPath, content)
	}
	if err != nil {
		return nil, err
	}

	u.log.Info("attachment archived",
		zap.String("owner", owner),
		zap.String("path", "/"+itemPath),
		zap.Int64("size", item.Size))

	return &Result{
		Path:   "/" + itemPath,
		FileID: item.ID,
		Size:   item.Size,
		WebURL: item.WebURL,
	}, nil
}

// driveItem is the subset of the store's item metadata we keep.
type driveItem struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	WebURL string `json:"webUrl"`
}

// ensureFolder creates name under parentPath, treating "already exists" as
// success.
func (u *Uploader) ensureFolder(ctx context.Context, token, owner, parentPath, name string) error {
	var endpoint string
	if parentPath == "" {
		endpoint = fmt.Sprintf("%s/users/%s/drive/root/children", u.baseURL, url.PathEscape(owner))
	} else {
		endpoint = fmt.Sprintf("%s/users/%s/drive/root:/%s:/children", u.baseURL, url.PathEscape(owner), escapePath(parentPath))
	}

	body, err := json.Marshal(map[string]any{
		"name":                              name,
		"folder":                            map[string]any{},
		"@microsoft.graph.conflictBehavior": "fail",
	})
	if err != nil {
		return err
	}

	resp, err := u.do(ctx, token, http.MethodPost, endpoint, "application/json", bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Folder already there.
		return nil
	default:
		return newAPIError(resp)
	}
}

// simpleUpload writes content in one PUT.
func (u *Uploader) simpleUpload(ctx context.Context, token, owner, itemPath string, content []byte) (*driveItem, error) {
	endpoint := fmt.Sprintf("%s/users/%s/drive/root:/%s:/content", u.baseURL, url.PathEscape(owner), escapePath(itemPath))

	resp, err := u.do(ctx, token, http.MethodPut, endpoint, "application/octet-stream", bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, newAPIError(resp)
	}

	var item driveItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("decode drive item: %w", err)
	}
	return &item, nil
}

// chunkedUpload creates an upload session and streams sequential 320 KiB
// fragments. Any fragment response outside accepted/created fails the whole
// upload; there is no partial resume.
func (u *Uploader) chunkedUpload(ctx context.Context, token, owner, itemPath string, content []byte) (*driveItem, error) {
	endpoint := fmt.Sprintf("%s/users/%s/drive/root:/%s:/createUploadSession", u.baseURL, url.PathEscape(owner), escapePath(itemPath))

	body, err := json.Marshal(map[string]any{
		"item": map[string]any{
			"@microsoft.graph.conflictBehavior": "rename",
		},
	})
	if err != nil {
		return nil, err
	}

	resp, err := u.do(ctx, token, http.MethodPost, endpoint, "application/json", bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, newAPIError(resp)
	}

	var session struct {
		UploadURL string `json:"uploadUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("decode upload session: %w", err)
	}
	if session.UploadURL == "" {
		return nil, fmt.Errorf("%w: session has no upload URL", ErrUploadIncomplete)
	}

	total := int64(len(content))
	for offset := int64(0); offset < total; offset += chunkSize {
		end := offset + chunkSize
		if end > total {
			end = total
		}
		chunk := content[offset:end]

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.UploadURL, bytes.NewReader(chunk))
		if err != nil {
			return nil, err
		}
		req.ContentLength = int64(len(chunk))
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, end-1, total))

		chunkResp, err := u.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: fragment at %d: %v", ErrUploadIncomplete, offset, err)
		}

		switch chunkResp.StatusCode {
		case http.StatusAccepted:
			chunkResp.Body.Close()
		case http.StatusOK, http.StatusCreated:
			var item driveItem
			err := json.NewDecoder(chunkResp.Body).Decode(&item)
			chunkResp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("decode drive item: %w", err)
			}
			return &item, nil
		default:
			apiErr := newAPIError(chunkResp)
			chunkResp.Body.Close()
			return nil, fmt.Errorf("%w: fragment at %d: %v", ErrUploadIncomplete, offset, apiErr)
		}
	}

	// Every fragment was accepted but the store never returned the item.
	return nil, ErrUploadIncomplete
}

func (u *Uploader) do(ctx context.Context, token, method, endpoint, contentType string, body io.Reader, length int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = length
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", contentType)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// apiError carries a non-success document store response.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("document store returned %d: %s", e.Status, e.Body)
}

func newAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &apiError{Status: resp.StatusCode, Body: string(body)}
}

// escapePath escapes each segment of a drive path, keeping separators.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
