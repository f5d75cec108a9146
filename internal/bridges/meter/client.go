package meter

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseSize caps a single meter response. 2030.5 documents are a
// few kilobytes.
const maxResponseSize = 1 << 20

// Fetcher performs a GET against the meter. Implemented by RequestClient.
type Fetcher interface {
	Get(ctx context.Context, url string, timeout time.Duration) ([]byte, error)
}

// RequestClientOptions configures a RequestClient.
type RequestClientOptions struct {
	// CertFile and KeyFile are the optional client key pair the meter
	// uses to authorise the bridge.
	CertFile string
	KeyFile  string

	// InsecureSkipVerify skips verification of the meter's certificate.
	InsecureSkipVerify bool

	Retry RetryPolicy

	// HTTPClient overrides the client built from the options above.
	HTTPClient *http.Client
}

// RequestClient issues GET requests to the meter over one reusable
// connection pool, retrying transient failures.
type RequestClient struct {
	http  *http.Client
	retry RetryPolicy
}

// NewRequestClient creates a RequestClient.
//
// Returns an error if the key pair is configured but cannot be loaded.
func NewRequestClient(opts RequestClientOptions) (*RequestClient, error) {
	client := opts.HTTPClient
	if client == nil {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
			//nolint:gosec // meters present self-signed certificates
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}

		if opts.CertFile != "" || opts.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("loading meter key pair: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}

		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsConfig
		transport.MaxIdleConnsPerHost = 1
		client = &http.Client{Transport: transport}
	}

	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		logger := retry.Logger
		retry = DefaultRetryPolicy()
		retry.Logger = logger
	}

	return &RequestClient{http: client, retry: retry}, nil
}

// Get fetches url, bounding each attempt by timeout.
//
// Transient failures are retried per the client's RetryPolicy; the final
// error is returned unchanged. Non-2xx responses return *StatusError.
// The body is not parsed here, so malformed documents are never retried.
func (c *RequestClient) Get(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	var body []byte
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		b, err := c.fetch(ctx, url, timeout)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *RequestClient) fetch(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/sep+xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		//nolint:errcheck // drained so the connection can be reused
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Close releases idle connections.
func (c *RequestClient) Close() {
	c.http.CloseIdleConnections()
}
