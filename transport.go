package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// maxResponseBody bounds how much of a response body is read.
const maxResponseBody = 10 << 20

var errBodyTooLarge = errors.New("response body exceeds 10 MiB")

// Params are the path and query parameters of a request. Keys matching a
// :name placeholder in the route URL are substituted into the path.
type Params map[string]any

// Middleware wraps the physical HTTP exchange.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper represents the HTTP transport interface
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for middleware
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Response is a successful (or cached) response.
type Response struct {
	StatusCode int         `json:"statusCode"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body"`
	Cached     bool        `json:"cached"`
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if r == nil || len(r.Body) == 0 {
		return errors.New("orchestrator: empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("orchestrator: decode response: %w", err)
	}
	return nil
}

// Call is one physical request to perform.
type Call struct {
	RouteID string
	Method  string
	URL     string
	Params  Params
	Body    any
	Header  http.Header
	Timeout time.Duration
}

// Transport performs single HTTP exchanges and classifies their outcome. It
// never retries or caches.
type Transport struct {
	client     *http.Client
	baseURL    string
	header     http.Header
	middleware []Middleware
	clock      Clock
}

// NewTransport returns a Transport over client. Relative route URLs are
// resolved against baseURL.
func NewTransport(client *http.Client, baseURL string, clock Clock) *Transport {
	if client == nil {
		client = &http.Client{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Transport{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		header:  make(http.Header),
		clock:   clock,
	}
}

// Use appends middleware; the first added runs outermost.
func (t *Transport) Use(mw ...Middleware) {
	t.middleware = append(t.middleware, mw...)
}

// Execute performs call. Non-2xx responses become *HTTPError and exchanges
// without a response become *NetworkError.
func (t *Transport) Execute(ctx context.Context, call Call) (*Response, error) {
	req, err := t.newRequest(ctx, call)
	if err != nil {
		return nil, err
	}
	if call.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(req.Context(), call.Timeout)
		defer cancel()
		req = req.WithContext(ctx)
	}

	resp, err := t.roundTrip(req)
	if err != nil {
		return nil, &NetworkError{
			RouteID: call.RouteID,
			Method:  req.Method,
			URL:     req.URL.String(),
			Timeout: isTimeout(err),
			Cause:   err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return nil, &NetworkError{
			RouteID: call.RouteID,
			Method:  req.Method,
			URL:     req.URL.String(),
			Timeout: isTimeout(err),
			Cause:   err,
		}
	}
	tooLarge := len(body) > maxResponseBody
	if tooLarge {
		body = body[:maxResponseBody]
	}

	// Status wins over size: an oversized error response is still an
	// *HTTPError, with its body truncated.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{
			RouteID:    call.RouteID,
			Method:     req.Method,
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       body,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), t.clock.Now()),
		}
	}

	if tooLarge {
		return nil, &NetworkError{
			RouteID: call.RouteID,
			Method:  req.Method,
			URL:     req.URL.String(),
			Cause:   errBodyTooLarge,
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (t *Transport) roundTrip(req *http.Request) (*http.Response, error) {
	if len(t.middleware) == 0 {
		return t.client.Do(req)
	}

	current := RoundTripperFunc(t.client.Do)
	for i := len(t.middleware) - 1; i >= 0; i-- {
		middleware := t.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}
	return current.RoundTrip(req)
}

func (t *Transport) newRequest(ctx context.Context, call Call) (*http.Request, error) {
	method := strings.ToUpper(call.Method)
	if method == "" {
		method = http.MethodGet
	}

	path, rest, err := expandURL(call.RouteID, call.URL, call.Params)
	if err != nil {
		return nil, err
	}
	target := t.resolve(path)

	var body io.Reader
	hasBody := false
	switch {
	case call.Body != nil:
		b, err := encodeBody(call.Body)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: encode body for %q: %w", call.RouteID, err)
		}
		body, hasBody = bytes.NewReader(b), true
		if len(rest) > 0 {
			target = appendQuery(target, rest)
		}
	case len(rest) > 0 && paramsInQuery(method):
		target = appendQuery(target, rest)
	case len(rest) > 0:
		b, err := json.Marshal(rest)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: encode params for %q: %w", call.RouteID, err)
		}
		body, hasBody = bytes.NewReader(b), true
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &ConfigError{RouteID: call.RouteID, Problems: []string{err.Error()}}
	}

	for k, vs := range t.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, vs := range call.Header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if hasBody && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (t *Transport) resolve(path string) string {
	if t.baseURL == "" || strings.Contains(path, "://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return t.baseURL + path
}

var placeholderPattern = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)

// expandURL substitutes :name placeholders from params and returns the
// params that were not consumed.
func expandURL(routeID, template string, params Params) (string, Params, error) {
	used := make(map[string]bool)
	var missing []string

	expanded := placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1:]
		v, ok := params[name]
		if !ok || v == nil {
			missing = append(missing, name)
			return m
		}
		used[name] = true
		return url.PathEscape(formatParam(v))
	})

	if len(missing) > 0 {
		problems := make([]string, len(missing))
		for i, name := range missing {
			problems[i] = fmt.Sprintf("missing path parameter %q", name)
		}
		return "", nil, &ConfigError{RouteID: routeID, Problems: problems}
	}

	var rest Params
	for k, v := range params {
		if used[k] {
			continue
		}
		if rest == nil {
			rest = make(Params)
		}
		rest[k] = v
	}
	return expanded, rest, nil
}

func paramsInQuery(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

func appendQuery(target string, params Params) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := url.Values{}
	for _, k := range keys {
		switch v := params[k].(type) {
		case nil:
		case []string:
			for _, s := range v {
				q.Add(k, s)
			}
		case []any:
			for _, s := range v {
				q.Add(k, formatParam(s))
			}
		default:
			q.Add(k, formatParam(v))
		}
	}
	if len(q) == 0 {
		return target
	}

	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + q.Encode()
}

// formatParam renders a parameter for a path or query string. Floats never
// use exponent notation, so 1e6 becomes "1000000".
func formatParam(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return json.Marshal(body)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
