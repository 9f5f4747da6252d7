package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/service-proxy/service-proxy-srv/logger"
	"golang.org/x/net/http/httpguts"
)

// hopHeaders are meaningful for a single connection only and are never
// copied across the gateway.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopByHopHeaders deletes hopHeaders and every header the Connection
// header lists as connection-specific.
func removeHopByHopHeaders(h http.Header) {
	for _, field := range h["Connection"] {
		for _, name := range strings.Split(field, ",") {
			if name = textproto.TrimString(name); name != "" && httpguts.ValidHeaderFieldName(name) {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// ForwardResult describes one forwarded exchange. Status is zero when no
// response head reached the client.
type ForwardResult struct {
	Status   int
	Upstream string
	BytesIn  int64
	BytesOut int64
}

// Forwarder relays requests to a backend and streams the reply back.
// It is safe for concurrent use.
type Forwarder struct {
	client      *http.Client
	readTimeout time.Duration
}

// NewForwarder creates a forwarder with bounded connect and read timeouts.
// A zero timeout means no limit.
func NewForwarder(connectTimeout, readTimeout time.Duration) *Forwarder {
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
		DisableCompression:    true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Forwarder{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		readTimeout: readTimeout,
	}
}

// Close drops idle upstream connections.
func (f *Forwarder) Close() {
	f.client.CloseIdleConnections()
}

// outboundURL keeps the target's origin and the inbound path and query.
func outboundURL(target *url.URL, in *url.URL) *url.URL {
	return &url.URL{
		Scheme:   target.Scheme,
		Host:     target.Host,
		Path:     in.Path,
		RawPath:  in.RawPath,
		RawQuery: in.RawQuery,
	}
}

// Forward sends r to target and writes the upstream response to w. An
// error with Status zero in the result means nothing was written yet and
// the caller may still answer with an error response.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, target *url.URL) (ForwardResult, error) {
	result := ForwardResult{Upstream: target.Host}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var body io.Reader
	var counter *countingReader
	if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
		counter = &countingReader{r: r.Body}
		body = counter
	}

	outURL := outboundURL(target, r.URL)
	outReq, err := http.NewRequestWithContext(ctx, r.Method, outURL.String(), body)
	if err != nil {
		return result, NewProxyError(ErrCodeHTTPRequestCreateFailed, GetErrorDescription(ErrCodeHTTPRequestCreateFailed), err)
	}
	outReq.ContentLength = r.ContentLength
	if body == nil {
		outReq.ContentLength = 0
	}
	outReq.Header = r.Header.Clone()
	removeHopByHopHeaders(outReq.Header)
	if _, ok := outReq.Header["User-Agent"]; !ok {
		// keep net/http from adding its own
		outReq.Header.Set("User-Agent", "")
	}
	outReq.Host = target.Host

	logger.Debug("Forwarding %s %s to %s", r.Method, r.URL.RequestURI(), outURL.String())

	resp, err := f.client.Do(outReq)
	if counter != nil {
		result.BytesIn = counter.n.Load()
	}
	if err != nil {
		return result, NewUpstreamError(target.Host, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Debug("Error closing upstream response body: %v", closeErr)
		}
	}()

	removeHopByHopHeaders(resp.Header)
	dst := w.Header()
	for key, values := range resp.Header {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	result.Status = resp.StatusCode

	var src io.Reader = resp.Body
	if f.readTimeout > 0 {
		idle := newIdleTimeoutReader(resp.Body, f.readTimeout, cancel)
		defer idle.stop()
		src = idle
	}

	fw := newFlushWriter(w)
	result.BytesOut, err = copyBuffer(fw, src)
	if counter != nil {
		result.BytesIn = counter.n.Load()
	}
	if err != nil {
		code := ErrCodeHTTPBodyReadFailed
		switch {
		case fw.err != nil:
			code = ErrCodeHTTPResponseWriteFailed
		case ctx.Err() != nil && r.Context().Err() == nil:
			code = ErrCodeTimeoutExceeded
		}
		return result, NewProxyError(code, "failed to stream response from "+target.Host+": "+GetErrorDescription(code), err)
	}
	return result, nil
}

// countingReader counts the request body bytes sent upstream. The
// transport may still be reading when the response arrives.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// idleTimeoutReader cancels the upstream request when a single Read waits
// longer than timeout, which closes the outbound socket. The clock only
// runs inside Read, so a slow client never counts against the backend.
type idleTimeoutReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	once    sync.Once
}

func newIdleTimeoutReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutReader {
	timer := time.AfterFunc(timeout, cancel)
	timer.Stop()
	return &idleTimeoutReader{
		r:       r,
		timeout: timeout,
		timer:   timer,
	}
}

func (i *idleTimeoutReader) Read(p []byte) (int, error) {
	i.timer.Reset(i.timeout)
	n, err := i.r.Read(p)
	i.timer.Stop()
	return n, err
}

func (i *idleTimeoutReader) stop() {
	i.once.Do(func() { i.timer.Stop() })
}
