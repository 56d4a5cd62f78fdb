package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"sort"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/tekcloud/go-uploadutils/config"
	"github.com/tekcloud/go-uploadutils/multipart"
)

const (
	accessKeyHeader = "X-IS-AK"
	viewBaseURL     = "https://drive.tekcloud.com/#/f/"
)

type createFileRequest struct {
	Name      string `json:"name"`
	NumChunks int    `json:"numChunks,omitempty"`
}

// FileRecord is the TekDrive file metadata returned on creation.
type FileRecord struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	FileType       string `json:"fileType"`
	UploadState    string `json:"uploadState"`
	Bytes          string `json:"bytes"`
	ParentFolderID string `json:"parentFolderId"`
}

// UploadPart is one presigned part destination of a multipart file.
type UploadPart struct {
	PartNumber int    `json:"partNumber"`
	UploadURL  string `json:"uploadUrl"`
	UploadID   string `json:"uploadId"`
}

// CreateFileResponse ...
type CreateFileResponse struct {
	File                 FileRecord   `json:"file"`
	UploadURL            string       `json:"uploadUrl"`
	UploadParts          []UploadPart `json:"uploadParts"`
	CompleteUploadURL    string       `json:"completeUploadUrl"`
	StorageLimitExceeded bool         `json:"storageLimitExceeded"`
}

type completeUploadRequest struct {
	UploadID string           `json:"uploadId"`
	Parts    []multipart.Part `json:"parts"`
}

// Client talks to the TekDrive file API.
type Client struct {
	httpClient *retryablehttp.Client
	baseURL    string
	accessKey  config.Secret
	logger     log.Logger
}

// NewClient ...
func NewClient(httpClient *retryablehttp.Client, baseURL string, accessKey config.Secret, logger log.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		accessKey:  accessKey,
		logger:     logger,
	}
}

// CreateFile creates a file record. A positive numChunks requests a multipart upload with one part per chunk,
// otherwise the response carries a single upload URL.
func (c *Client) CreateFile(ctx context.Context, name string, numChunks int) (CreateFileResponse, error) {
	body, err := json.Marshal(createFileRequest{Name: name, NumChunks: numChunks})
	if err != nil {
		return CreateFileResponse{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/file", body)
	if err != nil {
		return CreateFileResponse{}, err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return CreateFileResponse{}, err
	}
	defer c.closeBody(resp.Body)

	if !isSuccess(resp.StatusCode) {
		return CreateFileResponse{}, unwrapError(resp)
	}

	var response CreateFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return CreateFileResponse{}, fmt.Errorf("decode create file response: %w", err)
	}
	if response.File.ID == "" {
		return CreateFileResponse{}, errors.New("create file response has no file ID")
	}
	if response.StorageLimitExceeded {
		c.logger.Warnf("TekDrive storage limit exceeded")
	}

	return response, nil
}

// Prepare creates a multipart file record for the planned chunks.
func (c *Client) Prepare(ctx context.Context, name string, descriptors []multipart.ChunkDescriptor) (Session, error) {
	resp, err := c.CreateFile(ctx, name, len(descriptors))
	if err != nil {
		return Session{}, fmt.Errorf("create file: %w", err)
	}
	c.logger.Debugf("Created file %s with %d upload parts", resp.File.ID, len(resp.UploadParts))

	if len(resp.UploadParts) != len(descriptors) {
		return Session{}, fmt.Errorf("requested %d upload parts, got %d", len(descriptors), len(resp.UploadParts))
	}
	if resp.CompleteUploadURL == "" {
		return Session{}, errors.New("create file response has no complete upload URL")
	}

	parts := append([]UploadPart(nil), resp.UploadParts...)
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	destinations := make([]multipart.Destination, len(parts))
	for i, part := range parts {
		if part.PartNumber != descriptors[i].Index {
			return Session{}, fmt.Errorf("unexpected part number %d for chunk %d", part.PartNumber, descriptors[i].Index)
		}
		destinations[i] = multipart.Destination{
			Index:     part.PartNumber,
			URL:       part.UploadURL,
			SessionID: part.UploadID,
			Method:    http.MethodPut,
			Headers:   map[string]string{"Content-Type": "application/octet-stream"},
		}
	}

	return Session{
		ID:           parts[0].UploadID,
		FileID:       resp.File.ID,
		CompleteURL:  resp.CompleteUploadURL,
		Destinations: destinations,
	}, nil
}

// Refresh returns the session unchanged: TekDrive has no endpoint to renew part URLs,
// so a resumed session reuses the recorded ones.
func (c *Client) Refresh(_ context.Context, session Session) (Session, error) {
	c.logger.Debugf("Reusing recorded upload URLs of file %s", session.FileID)
	return session, nil
}

// Coordinator ...
func (c *Client) Coordinator(session Session) multipart.Coordinator {
	return &tekDriveCoordinator{client: c, session: session}
}

// UploadSingle creates a file record and uploads the whole file with one PUT.
func (c *Client) UploadSingle(ctx context.Context, name, path string) (string, error) {
	resp, err := c.CreateFile(ctx, name, 0)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	if resp.UploadURL == "" {
		return "", errors.New("create file response has no upload URL")
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer func(file *os.File) {
		if err := file.Close(); err != nil {
			c.logger.Errorf("failed to close file: %s", err)
		}
	}(file)

	fileInfo, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat file: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, resp.UploadURL, file)
	if err != nil {
		return "", err
	}
	// Chunked transfer encoding is not accepted by the storage
	req.Header.Set("Content-Length", fmt.Sprintf("%d", fileInfo.Size()))
	req.ContentLength = fileInfo.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	putResp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer c.closeBody(putResp.Body)

	if !isSuccess(putResp.StatusCode) {
		return "", unwrapError(putResp)
	}

	return resp.File.ID, nil
}

// ViewURL ...
func (c *Client) ViewURL(fileID string) string {
	return viewBaseURL + fileID
}

func (c *Client) complete(ctx context.Context, completeURL, uploadID string, parts []multipart.Part) error {
	body, err := json.Marshal(completeUploadRequest{UploadID: uploadID, Parts: parts})
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, completeURL, body)
	if err != nil {
		return err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	dump, err := httputil.DumpRequest(req.Request, true)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Complete request dump: %s", redact(string(dump), c.accessKey))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if !isSuccess(resp.StatusCode) {
		return unwrapError(resp)
	}
	return nil
}

func (c *Client) deleteFile(ctx context.Context, fileID string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/file/%s", c.baseURL, fileID), nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		c.logger.Debugf("File %s is already gone", fileID)
		return nil
	}
	if !isSuccess(resp.StatusCode) {
		return unwrapError(resp)
	}
	return nil
}

func (c *Client) authorize(req *retryablehttp.Request) {
	req.Header.Set(accessKeyHeader, c.accessKey.Value())
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

type tekDriveCoordinator struct {
	client  *Client
	session Session
}

func (tc *tekDriveCoordinator) Finalize(ctx context.Context, sessionID string, parts []multipart.Part) (string, error) {
	if err := tc.client.complete(ctx, tc.session.CompleteURL, sessionID, parts); err != nil {
		return "", &multipart.FinalizeError{SessionID: sessionID, Err: err}
	}
	return tc.session.FileID, nil
}

// Abort deletes the file record, the remote side reclaims the uploaded parts with it.
func (tc *tekDriveCoordinator) Abort(ctx context.Context, sessionID, reason string) error {
	tc.client.logger.Debugf("Deleting file %s of upload %s (%s)", tc.session.FileID, sessionID, reason)
	return tc.client.deleteFile(ctx, tc.session.FileID)
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}

func redact(s string, secret config.Secret) string {
	if secret.Value() == "" {
		return s
	}
	return strings.ReplaceAll(s, secret.Value(), secret.String())
}
