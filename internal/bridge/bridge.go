// Package bridge mediates all outbound HTTP traffic on behalf of sandboxed
// plugins. It is the only component that opens network connections; egress
// policy is enforced here, before any transport activity, by consulting the
// capability registry for the calling plugin.
package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/modulaur/modulaur/internal/logger"
	runtimeerrors "github.com/modulaur/modulaur/pkg/errors"
)

const (
	// DefaultTimeout bounds a single outbound request.
	DefaultTimeout = 15 * time.Second

	// DefaultMaxResponseBytes caps the response body read from the wire.
	DefaultMaxResponseBytes = 8 << 20 // 8 MiB
)

// Header is a single name/value pair. Headers travel as an ordered list
// across the sandbox boundary, not a map, so repeated names survive intact.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Request describes an outbound HTTP call requested by a plugin. Body is the
// literal request body text: it crosses the sandbox boundary as a plain JSON
// string, so a guest sends `{"body":"{...}"}` and never base64.
type Request struct {
	Method  string   `json:"method"`
	URL     string   `json:"url"`
	Headers []Header `json:"headers,omitempty"`
	Body    string   `json:"body,omitempty"`
}

// Response carries the result of an outbound call back to the plugin.
// A non-2xx status is a valid response, not an error: plugins decide what
// their upstream's status codes mean. Body is the response text, carried as
// a plain string across the boundary.
type Response struct {
	Status  int      `json:"status"`
	Headers []Header `json:"headers,omitempty"`
	Body    string   `json:"body,omitempty"`
}

// NetworkChecker answers whether a plugin may reach a host.
type NetworkChecker interface {
	CheckNetwork(pluginID, host string) bool
}

// Bridge performs capability-checked HTTP requests for plugins.
type Bridge struct {
	checker   NetworkChecker
	transport http.RoundTripper
	timeout   time.Duration
	maxBody   int64
	log       *logger.Logger
}

// Options configures a Bridge. Zero values fall back to defaults;
// Transport defaults to http.DefaultTransport and is injected in tests.
type Options struct {
	Transport        http.RoundTripper
	Timeout          time.Duration
	MaxResponseBytes int64
	Logger           *logger.Logger
}

// New creates a Bridge that consults checker before every request.
func New(checker NetworkChecker, opts Options) *Bridge {
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	return &Bridge{
		checker:   checker,
		transport: opts.Transport,
		timeout:   opts.Timeout,
		maxBody:   opts.MaxResponseBytes,
		log:       opts.Logger.WithComponent("bridge"),
	}
}

var supportedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodPatch:  true,
}

// Get performs a capability-checked GET with no headers or body.
func (b *Bridge) Get(ctx context.Context, pluginID, rawURL string) (*Response, error) {
	return b.Do(ctx, pluginID, Request{Method: http.MethodGet, URL: rawURL})
}

// Do validates the request, checks the plugin's network grant, and performs
// the call. The capability check happens before any transport activity: a
// denied request never opens a connection.
func (b *Bridge) Do(ctx context.Context, pluginID string, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if !supportedMethods[method] {
		return nil, runtimeerrors.NewBridgeError(pluginID, req.URL, runtimeerrors.ReasonBadRequest,
			fmt.Errorf("unsupported method %q", req.Method))
	}

	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, runtimeerrors.NewBridgeError(pluginID, req.URL, runtimeerrors.ReasonBadRequest, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, runtimeerrors.NewBridgeError(pluginID, req.URL, runtimeerrors.ReasonBadRequest,
			fmt.Errorf("unsupported scheme %q", target.Scheme))
	}
	host := target.Hostname()
	if host == "" {
		return nil, runtimeerrors.NewBridgeError(pluginID, req.URL, runtimeerrors.ReasonBadRequest,
			fmt.Errorf("url has no host"))
	}

	if !b.checker.CheckNetwork(pluginID, host) {
		b.log.WithPlugin(pluginID).Warnf("denied network access to %s", host)
		return nil, runtimeerrors.NewCapabilityDenied(pluginID, "network:"+host)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, runtimeerrors.NewBridgeError(pluginID, req.URL, runtimeerrors.ReasonBadRequest, err)
	}
	for _, h := range req.Headers {
		httpReq.Header.Add(h.Name, h.Value)
	}

	client := &http.Client{Transport: b.transport}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, runtimeerrors.NewBridgeError(pluginID, req.URL, runtimeerrors.ReasonConnection, err)
	}
	defer resp.Body.Close()

	// Read one byte past the cap so truncation is detectable.
	data, err := io.ReadAll(io.LimitReader(resp.Body, b.maxBody+1))
	if err != nil {
		return nil, runtimeerrors.NewBridgeError(pluginID, req.URL, runtimeerrors.ReasonConnection, err)
	}
	if int64(len(data)) > b.maxBody {
		return nil, runtimeerrors.NewBridgeError(pluginID, req.URL, runtimeerrors.ReasonResponseTooLarge,
			fmt.Errorf("response body exceeds %d bytes", b.maxBody))
	}

	b.log.WithPlugin(pluginID).Debugf("%s %s -> %d (%d bytes)", method, host, resp.StatusCode, len(data))

	return &Response{
		Status:  resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
		Body:    string(data),
	}, nil
}

// flattenHeaders converts the response header map into an ordered list.
// Names are sorted for a stable boundary representation; values keep their
// wire order within a name.
func flattenHeaders(h http.Header) []Header {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Header, 0, len(h))
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, Header{Name: name, Value: v})
		}
	}
	return out
}
