// Package concentriq is a client for the Proscia Concentriq digital
// pathology platform. It covers the JSON API (groups, image sets, folders,
// images, annotations) and the browser-style multipart image upload, which
// lives in the s3multipart subpackage.
package concentriq

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/slidepath/concentriq-go/internal/logging"
	"github.com/slidepath/concentriq-go/s3multipart"
)

// Client talks to one Concentriq deployment with basic auth credentials.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string // normalized to end with "/"
	user     string
	password string

	http       *http.Client
	noRedirect *http.Client

	chunkSize    int64
	uploaderOpts []s3multipart.Option
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default retrying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithChunkSize sets the upload chunk size in bytes.
func WithChunkSize(size int64) ClientOption {
	return func(c *Client) { c.chunkSize = size }
}

// WithUploaderOptions passes options through to the multipart uploader, for
// example to point it at a non-default image store endpoint.
func WithUploaderOptions(opts ...s3multipart.Option) ClientOption {
	return func(c *Client) { c.uploaderOpts = append(c.uploaderOpts, opts...) }
}

// NewClient creates a Client for the API at apiURL (e.g.
// "https://demo.concentriq.proscia.com/api/").
func NewClient(apiURL, user, password string, opts ...ClientOption) (*Client, error) {
	if !strings.HasPrefix(apiURL, "http://") && !strings.HasPrefix(apiURL, "https://") {
		return nil, fmt.Errorf("api url %q must start with http:// or https://", apiURL)
	}
	if strings.TrimSpace(user) == "" {
		return nil, fmt.Errorf("user must not be empty")
	}
	if strings.TrimSpace(password) == "" {
		return nil, fmt.Errorf("password must not be empty")
	}
	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}

	c := &Client{
		baseURL:   apiURL,
		user:      user,
		password:  password,
		chunkSize: s3multipart.DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", c.chunkSize)
	}
	if c.http == nil {
		c.http = defaultHTTPClient(nil)
	}

	// separate client so image download redirects can be intercepted
	nr := *c.http
	nr.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	c.noRedirect = &nr
	return c, nil
}

// NewClientFromConfig creates a Client from a loaded configuration,
// including the custom CA bundle and chunk size it may carry.
func NewClientFromConfig(cfg *Config, opts ...ClientOption) (*Client, error) {
	var tlsConfig *tls.Config
	if cfg.SSLCertificate != "" {
		pem, err := os.ReadFile(cfg.SSLCertificate)
		if err != nil {
			return nil, fmt.Errorf("read ssl certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.SSLCertificate)
		}
		tlsConfig = &tls.Config{RootCAs: pool}
	}

	base := []ClientOption{WithHTTPClient(defaultHTTPClient(tlsConfig))}
	if cfg.Upload.ChunkSize > 0 {
		base = append(base, WithChunkSize(int64(cfg.Upload.ChunkSize)))
	}
	return NewClient(cfg.APIURL, cfg.User, cfg.Password, append(base, opts...)...)
}

// defaultHTTPClient retries idempotent requests a few times with backoff.
// The retry layer never replays a request that reached the server with a
// non-5xx answer, so API errors surface exactly once.
func defaultHTTPClient(tlsConfig *tls.Config) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	if tlsConfig != nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsConfig
		rc.HTTPClient.Transport = transport
	}
	return rc.StandardClient()
}

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
	Meta *struct {
		Pagination *PageInfo `json:"pagination"`
	} `json:"meta"`
	Error *APIError `json:"error"`
}

func (c *Client) url(endpoint string) string {
	return c.baseURL + strings.TrimPrefix(endpoint, "/")
}

// doEnvelope sends the request and unpacks the {data, meta, error} envelope.
// When paginated is false, a response that carries pagination info is
// rejected: it means the caller got a truncated listing without asking for
// one.
func (c *Client) doEnvelope(req *http.Request, paginated bool) (json.RawMessage, *PageInfo, error) {
	req.SetBasicAuth(c.user, c.password)
	logging.Debug("%s %s", req.Method, req.URL)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}

	var env apiEnvelope
	if err := sonic.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if env.Error != nil {
		return nil, nil, env.Error
	}

	var page *PageInfo
	if env.Meta != nil {
		page = env.Meta.Pagination
	}
	if !paginated && page != nil {
		return nil, nil, fmt.Errorf("%s %s: unexpected paginated response", req.Method, req.URL.Path)
	}
	if paginated && page == nil {
		return nil, nil, fmt.Errorf("%s %s: response carries no pagination info", req.Method, req.URL.Path)
	}
	return env.Data, page, nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values) (json.RawMessage, error) {
	data, _, err := c.getWithQuery(ctx, endpoint, query, false)
	return data, err
}

func (c *Client) getPaged(ctx context.Context, endpoint string, query url.Values) (json.RawMessage, *PageInfo, error) {
	return c.getWithQuery(ctx, endpoint, query, true)
}

func (c *Client) getWithQuery(ctx context.Context, endpoint string, query url.Values, paginated bool) (json.RawMessage, *PageInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(endpoint), nil)
	if err != nil {
		return nil, nil, err
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	return c.doEnvelope(req, paginated)
}

// getText fetches an endpoint that answers with a plain (non-envelope) body,
// such as the CSV and XML exports.
func (c *Client) getText(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(endpoint), nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.user, c.password)
	logging.Debug("GET %s", req.URL)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s returned status %d", req.URL.Path, resp.StatusCode)
	}
	return string(body), nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) (json.RawMessage, error) {
	return c.sendForm(ctx, http.MethodPost, endpoint, form)
}

func (c *Client) patchForm(ctx context.Context, endpoint string, form url.Values) (json.RawMessage, error) {
	return c.sendForm(ctx, http.MethodPatch, endpoint, form)
}

func (c *Client) sendForm(ctx context.Context, method, endpoint string, form url.Values) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	data, _, err := c.doEnvelope(req, false)
	return data, err
}

// postJSON sends v as a JSON body. The annotations endpoint is the one place
// the API expects JSON instead of form encoding.
func (c *Client) postJSON(ctx context.Context, endpoint string, v any) (json.RawMessage, error) {
	body, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(endpoint), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	data, _, err := c.doEnvelope(req, false)
	return data, err
}

// postMultipart uploads a single file as a multipart/form-data request.
func (c *Client) postMultipart(ctx context.Context, endpoint, field, filename string, content []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		return nil, fmt.Errorf("build multipart request: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, fmt.Errorf("build multipart request: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("build multipart request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(endpoint), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	data, _, err := c.doEnvelope(req, false)
	return data, err
}

func (c *Client) del(ctx context.Context, endpoint string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url(endpoint), nil)
	if err != nil {
		return nil, err
	}
	data, _, err := c.doEnvelope(req, false)
	return data, err
}

// redirectLocation performs a GET that the server is expected to answer with
// a redirect, and returns the Location target without following it.
func (c *Client) redirectLocation(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(endpoint), nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.user, c.password)
	logging.Debug("GET %s", req.URL)

	resp, err := c.noRedirect.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return "", fmt.Errorf("GET %s returned status %d, want a redirect", req.URL.Path, resp.StatusCode)
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("GET %s redirect carries no Location header", req.URL.Path)
	}
	return location, nil
}
