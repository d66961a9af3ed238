// Package executor issues the outbound authenticated requests used by the
// replication health checker and the topology crawler. Transport-level
// failures come back as *RequestFailure; HTTP error codes come back as
// ordinary responses.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/driftdb/drift/pkg/metrics"
	"github.com/driftdb/drift/pkg/version"
	"github.com/driftdb/drift/replication"
)

const defaultTimeout = 30 * time.Second
const maxResponseBody = 1 * 1024 * 1024 // 1MiB

// Response is a received HTTP response with its body already drained.
type Response struct {
	StatusCode   int
	ReasonPhrase string
	Body         []byte
}

func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ErrorText extracts a human-readable error message from the response body.
// JSON bodies carrying an Error or Message field yield that field, anything
// else yields the trimmed raw body.
func (r *Response) ErrorText() string {
	var parsed struct {
		Error   string `json:"Error"`
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(r.Body, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return strings.TrimSpace(string(r.Body))
}

type ExecutorOptions struct {
	Logger *zap.Logger

	// HTTPClient overrides the built-in client when set; Timeout only
	// applies to the built-in one.
	HTTPClient *http.Client
	Timeout    time.Duration
	UserAgent  string
}

// RequestOptions carries the per-request authentication material.
type RequestOptions struct {
	Credentials replication.Credentials
}

type Executor struct {
	logger    *zap.Logger
	client    *http.Client
	userAgent string
}

func NewExecutor(opts ExecutorOptions) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = fmt.Sprintf("%s/%s", version.Application, version.Version)
	}

	return &Executor{
		logger:    logger,
		client:    client,
		userAgent: userAgent,
	}
}

// Execute performs one outbound request. The returned error is non-nil only
// for transport-level failures and is always a *RequestFailure; any received
// response, whatever its status code, yields a *Response and a nil error.
func (e *Executor) Execute(ctx context.Context, method string, url string, opts RequestOptions) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, &RequestFailure{Kind: FailureUnknown, URL: url, Err: err}
	}

	req.Header.Set("User-Agent", e.userAgent)

	creds := opts.Credentials
	if creds.APIKey != "" {
		req.Header.Set("Api-Key", creds.APIKey)
	} else if creds.Username != "" {
		username := creds.Username
		if creds.Domain != "" {
			username = creds.Domain + `\` + creds.Username
		}
		req.SetBasicAuth(username, creds.Password)
	}

	metrics.GetNodeMetrics().ProbesSent.Add(ctx, 1)

	resp, err := e.client.Do(req)
	if err != nil {
		kind := classifyTransportError(err)
		metrics.GetNodeMetrics().ProbesFailed.Add(ctx, 1)
		e.logger.Debug("request transport failure",
			zap.String("url", url),
			zap.Stringer("kind", kind),
			zap.Error(err))
		return nil, &RequestFailure{Kind: kind, URL: url, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		metrics.GetNodeMetrics().ProbesFailed.Add(ctx, 1)
		return nil, &RequestFailure{Kind: FailureProtocol, URL: url, Err: err}
	}

	return &Response{
		StatusCode:   resp.StatusCode,
		ReasonPhrase: reasonPhrase(resp),
		Body:         body,
	}, nil
}

func reasonPhrase(resp *http.Response) string {
	phrase := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if phrase == "" {
		phrase = http.StatusText(resp.StatusCode)
	}
	return phrase
}
