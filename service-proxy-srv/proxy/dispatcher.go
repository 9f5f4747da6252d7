package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codefionn/service-proxy/service-proxy-srv/logger"
	"github.com/codefionn/service-proxy/service-proxy-srv/routing"
	"github.com/codefionn/service-proxy/service-proxy-srv/stats"
)

// Version is reported by the info route.
var Version = "1.0.0"

// ServiceName is the name reported by the info route.
const ServiceName = "Service Proxy Server"

// AdminPathPrefix is routed to the admin handler, when one is installed,
// before any rule is consulted.
const AdminPathPrefix = "/__admin/"

// Dispatcher matches each request against the rule table and runs the
// matched rule's action.
type Dispatcher struct {
	table     *routing.Table
	forwarder *Forwarder
	collector stats.Collector
	admin     atomic.Pointer[http.Handler]
}

// NewDispatcher creates a dispatcher. A nil collector disables recording.
func NewDispatcher(table *routing.Table, forwarder *Forwarder, collector stats.Collector) *Dispatcher {
	if collector == nil {
		collector = stats.NewDummyCollector()
	}
	return &Dispatcher{
		table:     table,
		forwarder: forwarder,
		collector: collector,
	}
}

// SetAdminHandler installs h for requests below AdminPathPrefix. A nil
// handler removes it.
func (d *Dispatcher) SetAdminHandler(h http.Handler) {
	if h == nil {
		d.admin.Store(nil)
		return
	}
	d.admin.Store(&h)
}

func (d *Dispatcher) adminHandler() http.Handler {
	if h := d.admin.Load(); h != nil {
		return *h
	}
	return nil
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if admin := d.adminHandler(); admin != nil && strings.HasPrefix(r.URL.Path, AdminPathPrefix) {
		admin.ServeHTTP(w, r)
		return
	}

	start := time.Now()
	sw := &statusWriter{ResponseWriter: w}
	rec := stats.RequestRecord{
		Method:    r.Method,
		Path:      r.URL.Path,
		ClientIP:  clientIP(r),
		Timestamp: start,
	}

	defer func() {
		if p := recover(); p != nil {
			if p == http.ErrAbortHandler {
				panic(p)
			}
			logger.Error("Recovered from panic while handling %s %s: %v\n%s", r.Method, r.URL.Path, p, debug.Stack())
			rec.ErrorCode = ErrCodePanicRecovered
			d.recordError(r.Context(), rec.RouteID, ErrCodePanicRecovered, fmt.Sprint(p))
			if sw.status == 0 {
				writeErrorResponse(sw, http.StatusInternalServerError, ErrCodePanicRecovered)
			}
		}
		rec.Status = sw.status
		if rec.BytesOut == 0 {
			rec.BytesOut = sw.written
		}
		rec.Duration = time.Since(start)
		d.record(r.Context(), rec)
	}()

	rule, ok := d.table.Match(r.Method, r.URL.Path)
	if !ok {
		logger.Debug("No route for %s %s", r.Method, r.URL.Path)
		rec.ErrorCode = ErrCodeNoRouteMatched
		writeNoRoute(sw)
		return
	}
	rec.RouteID = rule.ID

	switch action := rule.Action.(type) {
	case routing.ProxyAction:
		d.serveProxy(sw, r, rule, action, &rec)
	case routing.StaticAction:
		writeStatic(sw, action)
	case routing.DescribeAction:
		d.serveDescribe(sw)
	default:
		logger.Error("Rule %s has unsupported action %T", rule.ID, rule.Action)
		rec.ErrorCode = ErrCodeInternalError
		writeErrorResponse(sw, http.StatusInternalServerError, ErrCodeInternalError)
	}
}

func (d *Dispatcher) serveProxy(w *statusWriter, r *http.Request, rule routing.Rule, action routing.ProxyAction, rec *stats.RequestRecord) {
	result, err := d.forwarder.Forward(w, r, action.Target)
	rec.Upstream = result.Upstream
	rec.BytesIn = result.BytesIn
	rec.BytesOut = result.BytesOut
	if err == nil {
		return
	}

	code, _ := errorCode(err)
	rec.ErrorCode = code
	d.recordError(r.Context(), rule.ID, code, err.Error())

	if result.Status != 0 {
		// head already sent, the client sees a truncated body
		logger.Warn("Route %s: %v", rule.ID, err)
		return
	}
	if r.Context().Err() != nil {
		logger.Debug("Route %s: client went away: %v", rule.ID, err)
		return
	}

	logger.Warn("Route %s: %v", rule.ID, err)
	writeProxyErrorResponse(w, err, ErrCodeUpstreamConnectFailed)
}

// describeDocument is the body of the info route.
type describeDocument struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Proxies   map[string]string `json:"proxies"`
	Endpoints map[string]string `json:"endpoints"`
}

// DescribeRules renders the info document for rules. When several rules
// share a pattern, the one matched first wins.
func DescribeRules(rules []routing.Rule) ([]byte, error) {
	doc := describeDocument{
		Service: ServiceName,
		Version: Version,
		Proxies: make(map[string]string),
		Endpoints: map[string]string{
			"health": HealthPath,
			"info":   InfoPath,
		},
	}
	for _, rule := range rules {
		action, ok := rule.Action.(routing.ProxyAction)
		if !ok {
			continue
		}
		if _, seen := doc.Proxies[rule.Path.Expr]; !seen {
			doc.Proxies[rule.Path.Expr] = action.Target.String()
		}
	}
	return json.MarshalIndent(doc, "", "  ")
}

func (d *Dispatcher) serveDescribe(w http.ResponseWriter) {
	body, err := DescribeRules(d.table.Rules())
	if err != nil {
		logger.Error("Failed to render route listing: %v", err)
		writeErrorResponse(w, http.StatusInternalServerError, ErrCodeInternalError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		logger.Debug("Failed to write route listing: %v", err)
	}
}

func writeStatic(w http.ResponseWriter, action routing.StaticAction) {
	dst := w.Header()
	for key, values := range action.Header {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
	status := action.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(action.Body) > 0 {
		if _, err := w.Write(action.Body); err != nil {
			logger.Debug("Failed to write static response: %v", err)
		}
	}
}

func writeNoRoute(w http.ResponseWriter) {
	writeErrorResponse(w, http.StatusNotFound, ErrCodeNoRouteMatched)
}

// writeProxyErrorResponse answers with a 502 carrying the code of
// originalErr, or defaultErrorCode when it has none.
func writeProxyErrorResponse(w http.ResponseWriter, originalErr error, defaultErrorCode string) {
	code := defaultErrorCode
	if c, ok := errorCode(originalErr); ok {
		code = c
	}

	if _, exists := ErrorDescriptions[code]; !exists {
		logger.Warn("Error code '%s' not found in ErrorDescriptions. Original error: %v. Default code used: '%s'", code, originalErr, defaultErrorCode)
	}

	writeResponse(w, NewBadGatewayResponse(code))
}

func writeErrorResponse(w http.ResponseWriter, status int, code string) {
	writeResponse(w, newErrorResponse(status, code))
}

func writeResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Debug("Failed to copy error response body: %v", err)
	}
}

func (d *Dispatcher) record(ctx context.Context, rec stats.RequestRecord) {
	if err := d.collector.RecordRequest(context.WithoutCancel(ctx), rec); err != nil {
		logger.Error("Failed to record request: %v", err)
	}
}

func (d *Dispatcher) recordError(ctx context.Context, routeID, errorType, message string) {
	if err := d.collector.RecordError(context.WithoutCancel(ctx), routeID, errorType, message); err != nil {
		logger.Error("Failed to record error: %v", err)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusWriter remembers the status and body size written through it.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (s *statusWriter) WriteHeader(code int) {
	if s.status == 0 && code >= http.StatusOK {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(p)
	s.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusWriter) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
