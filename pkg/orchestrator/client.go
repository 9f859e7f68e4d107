package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/bevara/compiler/pkg/auth"
)

// ArchiveName is the file name of the uploaded source archive.
const ArchiveName = "source.zip"

// Client interacts with the remote build service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      auth.TokenProvider
}

// NewClient creates a build service client. The HTTP client has no timeout:
// a compile response stays open for as long as the build runs, and callers
// bound it through the request context instead.
func NewClient(baseURL string, token auth.TokenProvider) *Client {
	trimmed := strings.TrimSuffix(baseURL, "/")
	return &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{},
		token:      token,
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// CompileOptions are the control fields sent with an archive.
type CompileOptions struct {
	Debug     bool
	Folder    string
	RequestID string
}

// TransportError reports a failed compile request: either the connection
// failed or the service answered with a non-2xx status.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		if e.Body != "" {
			return fmt.Sprintf("compile request failed: HTTP %d: %s", e.StatusCode, e.Body)
		}
		return fmt.Sprintf("compile request failed: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("compile request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Compile uploads archive and returns the open streaming response. The caller
// must close the body. Non-2xx responses are returned as *TransportError.
func (c *Client) Compile(ctx context.Context, archive []byte, opts CompileOptions) (*http.Response, error) {
	body, contentType, err := compileBody(archive, opts)
	if err != nil {
		return nil, fmt.Errorf("encode compile request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/compile", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create compile request: %w", err)
	}
	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Request-ID", requestID)
	if err := auth.Authorize(ctx, httpReq, c.token); err != nil {
		return nil, fmt.Errorf("compile request credential: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(payload)),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	return resp, nil
}

func compileBody(archive []byte, opts CompileOptions) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	debug := "False"
	if opts.Debug {
		debug = "True"
	}
	if err := mw.WriteField("debug", debug); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("folder", opts.Folder); err != nil {
		return nil, "", err
	}
	part, err := mw.CreateFormFile("file", ArchiveName)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(archive); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
