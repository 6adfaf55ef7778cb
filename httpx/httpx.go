package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/byte4ever/resilix"
)

// maxErrorBody bounds how much of a failed response body is kept.
const maxErrorBody = 4 << 10

// ErrorClass tells the engine how to treat an HTTP status code.
type ErrorClass int

const (
	// Success means the request succeeded (e.g. 2xx).
	Success ErrorClass = iota
	// Transient means the error is retriable (e.g. 429, 503).
	Transient
	// Permanent means the error is non-retriable (e.g. 400).
	Permanent
	// Timeout means the server gave up waiting upstream (504).
	Timeout
)

func (c ErrorClass) String() string {
	switch c {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Timeout:
		return "timeout"
	default:
		return "ErrorClass(" + strconv.Itoa(int(c)) + ")"
	}
}

// Classifier maps an HTTP status code to an ErrorClass.
type Classifier func(statusCode int) ErrorClass

// DefaultClassifier treats 429 and 5xx as transient, 504 as a timeout,
// other 4xx as permanent and everything else as success.
func DefaultClassifier(code int) ErrorClass {
	switch {
	case code == http.StatusGatewayTimeout:
		return Timeout
	case code == http.StatusTooManyRequests, code >= 500:
		return Transient
	case code >= 400:
		return Permanent
	default:
		return Success
	}
}

// StatusError is returned when the Classifier rejects a status code. The
// response body has been read (up to 4KiB) into Body and closed.
type StatusError struct {
	Response   *http.Response
	StatusCode int
	Class      ErrorClass
	Body       []byte
}

// Error returns a human-readable description of the status error.
func (e *StatusError) Error() string {
	return "http status " + strconv.Itoa(e.StatusCode)
}

// Unwrap lets timeout-class responses match resilix.ErrTimeout.
func (e *StatusError) Unwrap() error {
	if e.Class == Timeout {
		return resilix.ErrTimeout
	}

	return nil
}

// Client sends HTTP requests as guarded calls against one engine target.
type Client struct {
	hc     *http.Client
	engine *resilix.Engine
	target string
	cl     Classifier
}

// NewClient returns a Client for target. A nil hc means
// http.DefaultClient and a nil cl means DefaultClassifier.
func NewClient(
	engine *resilix.Engine,
	target string,
	hc *http.Client,
	cl Classifier,
) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}

	if cl == nil {
		cl = DefaultClassifier
	}

	return &Client{hc: hc, engine: engine, target: target, cl: cl}
}

// Target returns the engine target the client calls.
func (c *Client) Target() string { return c.target }

// Do sends req under the target's policies. Each attempt sends a clone of
// req; requests with a body must set GetBody to be retried. A successful
// response body is read in full within the attempt, so it stays readable
// after the attempt's deadline is released.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return resilix.Do(ctx, c.engine, c.target, func(ctx context.Context) (*http.Response, error) {
		return c.attempt(ctx, req)
	})
}

// Get sends a GET for url.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, resilix.Permanent(fmt.Errorf("httpx: build request: %w", err))
	}

	return c.Do(ctx, req)
}

func (c *Client) attempt(ctx context.Context, req *http.Request) (*http.Response, error) {
	r := req.Clone(ctx)

	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, resilix.Permanent(fmt.Errorf("httpx: rewind body: %w", err))
		}

		r.Body = body
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		// Transport failures are transient unless the context ended,
		// which the engine classifies on its own.
		return nil, err
	}

	class := c.cl(resp.StatusCode)
	if class == Success {
		b, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if err != nil {
			return nil, fmt.Errorf("httpx: read body: %w", err)
		}

		resp.Body = io.NopCloser(bytes.NewReader(b))

		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()

	se := &StatusError{
		Response:   resp,
		StatusCode: resp.StatusCode,
		Class:      class,
		Body:       body,
	}

	switch class {
	case Permanent:
		return nil, resilix.Permanent(se)
	case Timeout:
		return nil, se
	default:
		return nil, resilix.Transient(se)
	}
}
