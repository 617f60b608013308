package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"
)

var errNotJSON = errors.New("body is not JSON")

// DefaultAPIPath is where the lab serves this tool's API, relative to the lab base URL.
const DefaultAPIPath = "xcube"

// Client talks to the lab-side API and probes the compute server.
type Client struct {
	labBase string // lab base URL with a trailing slash; bounds where the token goes
	apiBase string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string // lab base URL, e.g. http://localhost:8888/
	APIPath  string
	Token    string // sent as "Authorization: token <Token>"
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8888/",
		APIPath: DefaultAPIPath,
		Timeout: 10 * time.Second,
	}
}

// New creates a new API client.
func New(config Config) (*Client, error) {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.APIPath == "" {
		config.APIPath = def.APIPath
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		labBase: strings.TrimRight(config.BaseURL, "/") + "/",
		apiBase: strings.TrimRight(config.BaseURL, "/") + "/" + strings.Trim(config.APIPath, "/"),
		token:   config.Token,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}, nil
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 -- explicit operator opt-in
		return tlsConfig, nil
	}
	if config.TLS.SkipVerify {
		tlsConfig.InsecureSkipVerify = true // #nosec G402
	}
	tlsConfig.ServerName = config.TLS.ServerName
	if config.TLS.CACert != "" {
		caCert, err := os.ReadFile(config.TLS.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// IsReachable checks that the lab-side API answers.
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, c.endpoint("healthz"), nil, nil)
	c.logger.Debug("API reachability check", "reachable", err == nil, "error", err)
	return err == nil
}

func (c *Client) GetLabInfo(ctx context.Context) (LabInfo, error) {
	var li LabInfo
	err := c.do(ctx, http.MethodGet, c.endpoint("labinfo"), nil, &li)
	return li, err
}

// SetLabInfo stores labURL; the API decides has_proxy.
func (c *Client) SetLabInfo(ctx context.Context, labURL string) (LabInfo, error) {
	body, err := json.Marshal(map[string]string{"lab_url": labURL})
	if err != nil {
		return LabInfo{}, fmt.Errorf("marshal request: %w", err)
	}
	var li LabInfo
	err = c.do(ctx, http.MethodPut, c.endpoint("labinfo"), body, &li)
	return li, err
}

func (c *Client) DeleteLabInfo(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, c.endpoint("labinfo"), nil, nil)
}

// StartServer asks the API to start the server. Starting a running server is a no-op
// on the API side and returns its current state.
func (c *Client) StartServer(ctx context.Context) (ProcessState, error) {
	var st ProcessState
	err := c.do(ctx, http.MethodPut, c.endpoint("server"), nil, &st)
	return st, err
}

// ServerState re-queries the server state.
func (c *Client) ServerState(ctx context.Context) (ProcessState, error) {
	var st ProcessState
	err := c.do(ctx, http.MethodGet, c.endpoint("server"), nil, &st)
	return st, err
}

func (c *Client) StopServer(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, c.endpoint("server"), nil, nil)
}

// Probe issues a GET against url and returns its body. A 2xx answer whose body is
// not JSON (an empty body, a proxy's HTML page) is an error: the server is not ready.
// The lab token is sent only when url lies under the lab base URL.
func (c *Client) Probe(ctx context.Context, url string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, url, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) endpoint(p string) string { return c.apiBase + "/" + p }

// do performs a request; out, when non-nil, receives the decoded body.
func (c *Client) do(ctx context.Context, method, url string, body []byte, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" && strings.HasPrefix(url, c.labBase) {
		req.Header.Set("Authorization", "token "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "method", method, "url", url, "error", err)
		return &NetworkError{Method: method, URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Method: method, URL: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.responseError(url, resp.StatusCode, data)
	}
	return decodeBody(data, out)
}

func decodeBody(data []byte, out any) error {
	switch v := out.(type) {
	case nil:
		return nil
	case *json.RawMessage:
		if !json.Valid(data) {
			return fmt.Errorf("decode response: %w", errNotJSON)
		}
		*v = append((*v)[:0], data...)
		return nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) responseError(url string, code int, data []byte) error {
	e := &ResponseError{URL: url, StatusCode: code}
	var er ErrorResponse
	if json.Unmarshal(data, &er) == nil && (er.Message != "" || er.Error != "") {
		e.Message = er.Message
		if e.Message == "" {
			e.Message = er.Error
		}
	} else {
		e.Message = strings.TrimSpace(string(data))
		e.Message = truncate(e.Message, 200)
	}
	c.logger.Debug("API request failed", "url", url, "status", code, "message", e.Message)
	return e
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
