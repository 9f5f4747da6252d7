package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/codefionn/service-proxy/service-proxy-srv/config"
	"github.com/codefionn/service-proxy/service-proxy-srv/logger"
	"github.com/codefionn/service-proxy/service-proxy-srv/routing"
	"github.com/codefionn/service-proxy/service-proxy-srv/stats"
	"github.com/google/uuid"
	"golang.org/x/net/netutil"
)

// Built-in routes.
const (
	HealthPath   = "/health"
	InfoPath     = "/"
	HealthRuleID = "health"
	InfoRuleID   = "info"

	healthBody = `{"status": "UP", "service": "service-proxy"}`
)

// RouteRuleID returns the rule ID of a configured backend route.
func RouteRuleID(name string) string {
	return "route-" + name
}

// State is the lifecycle state of a Server.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Server is one gateway instance: a listener, its rule table and the
// lifecycle around them. Rules outlive a stop/start cycle.
type Server struct {
	config      *config.Config
	table       *routing.Table
	forwarder   *Forwarder
	dispatcher  *Dispatcher
	collector   stats.Collector
	credentials *CredentialBundle

	mu         sync.Mutex
	state      State
	httpServer *http.Server
	listener   net.Listener
	tls        bool
	served     chan struct{} // closed when Serve returns
	stopped    chan struct{} // closed when the run reached StateStopped
}

// NewServer creates a server and the statistics collector its
// configuration asks for.
func NewServer(cfg *config.Config) *Server {
	collector, err := stats.NewCollectorFactory().CreateCollectorFromConfig(cfg)
	if err != nil {
		logger.Error("Failed to initialize statistics collector: %v", err)
		collector = stats.NewDummyCollector()
	}
	return NewServerWithCollector(cfg, collector)
}

// NewServerWithCollector creates a server recording into collector.
func NewServerWithCollector(cfg *config.Config, collector stats.Collector) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	if collector == nil {
		collector = stats.NewDummyCollector()
	}

	table := routing.NewTable()
	forwarder := NewForwarder(
		time.Duration(cfg.ConnectTimeoutSeconds)*time.Second,
		time.Duration(cfg.ReadTimeoutSeconds)*time.Second,
	)

	return &Server{
		config:     cfg,
		table:      table,
		forwarder:  forwarder,
		dispatcher: NewDispatcher(table, forwarder, collector),
		collector:  collector,
		state:      StateCreated,
	}
}

// SetCredentials supplies the TLS identity. Without it a TLS start loads
// the files named in the configuration.
func (s *Server) SetCredentials(bundle *CredentialBundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials = bundle
}

// SetAdminHandler mounts h below AdminPathPrefix.
func (s *Server) SetAdminHandler(h http.Handler) {
	s.dispatcher.SetAdminHandler(h)
}

// Collector returns the statistics collector of the server.
func (s *Server) Collector() stats.Collector {
	return s.collector
}

// Handler returns the dispatcher serving this server's requests.
func (s *Server) Handler() http.Handler {
	return s.dispatcher
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the bound address, or nil when not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsTLS reports whether the current or last run terminated TLS.
func (s *Server) IsTLS() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tls
}

// Rules returns the rule table in match order.
func (s *Server) Rules() []routing.Rule {
	return s.table.Rules()
}

// Start binds port and serves until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context, port int) error {
	if err := s.StartNonBlocking(port); err != nil {
		return err
	}

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return s.Stop()
	case <-stopped:
		return nil
	}
}

// StartNonBlocking binds port, installs the default rules and serves in
// the background. Port 0 picks a free port, see Addr.
func (s *Server) StartNonBlocking(port int) error {
	s.mu.Lock()
	if s.state != StateCreated && s.state != StateStopped {
		state := s.state
		s.mu.Unlock()
		return NewStateError("start", state)
	}
	s.state = StateStarting
	bundle := s.credentials
	s.mu.Unlock()

	httpServer, listener, err := s.listen(port, bundle)
	if err != nil {
		s.setState(StateStopped)
		return err
	}

	if err := s.installDefaultRules(); err != nil {
		if closeErr := listener.Close(); closeErr != nil {
			logger.Warn("Failed to close listener after start failure: %v", closeErr)
		}
		s.setState(StateStopped)
		return err
	}

	served := make(chan struct{})
	stopped := make(chan struct{})

	s.mu.Lock()
	s.httpServer = httpServer
	s.listener = listener
	s.served = served
	s.stopped = stopped
	s.state = StateRunning
	s.mu.Unlock()

	scheme := "http"
	if s.IsTLS() {
		scheme = "https"
	}
	logger.Info("Service proxy listening on %s://%s", scheme, listener.Addr())
	for _, rule := range s.table.Rules() {
		if action, ok := rule.Action.(routing.ProxyAction); ok {
			logger.Info("  %s %s -> %s", rule.Method, rule.Path, action.Target)
		}
	}

	go func() {
		defer close(served)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Listener on %s failed: %v", listener.Addr(), err)
			go func() {
				if err := s.Stop(); err != nil {
					logger.Error("Error stopping after listener failure: %v", err)
				}
			}()
		}
	}()

	return nil
}

// listen builds the TLS configuration (if any) and binds the socket.
func (s *Server) listen(port int, bundle *CredentialBundle) (*http.Server, net.Listener, error) {
	var tlsConfig *tls.Config
	if s.config.TLS.Enabled {
		var err error
		if bundle == nil {
			if bundle, err = LoadCredentials(&s.config.TLS); err != nil {
				return nil, nil, err
			}
		}
		if tlsConfig, err = BuildTLSConfig(bundle); err != nil {
			return nil, nil, err
		}
	}

	if port < 0 || port > 65535 {
		return nil, nil, NewBindError(strconv.Itoa(port), fmt.Errorf("port out of range"))
	}
	addr := net.JoinHostPort("", strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, NewBindError(addr, err)
	}

	if limit := s.config.MaxConcurrentConnections; limit > 0 {
		logger.Debug("Limiting listener to %d concurrent connections", limit)
		listener = netutil.LimitListener(listener, limit)
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}

	s.mu.Lock()
	s.tls = tlsConfig != nil
	s.mu.Unlock()

	httpServer := &http.Server{
		Handler:           s.dispatcher,
		ReadHeaderTimeout: time.Duration(s.config.ReadTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(s.config.IdleTimeoutSeconds) * time.Second,
		ErrorLog:          logger.StdLogger(logger.WARN),
		// no h2 over TLS
		TLSNextProto: make(map[string]func(*http.Server, *tls.Conn, http.Handler)),
	}
	return httpServer, listener, nil
}

// installDefaultRules registers the built-in and configured routes that
// are not in the table yet.
func (s *Server) installDefaultRules() error {
	defaults := []routing.Rule{
		{
			ID:     HealthRuleID,
			Method: routing.MethodGet,
			Path:   routing.Literal(HealthPath),
			Action: routing.JSONResponse(http.StatusOK, healthBody),
		},
		{
			ID:     InfoRuleID,
			Method: routing.MethodGet,
			Path:   routing.Literal(InfoPath),
			Action: routing.DescribeAction{},
		},
	}
	for _, route := range s.config.Routes {
		id := RouteRuleID(route.Name)
		action, err := routing.NewProxyAction(route.TargetURL)
		if err != nil {
			return NewServerConfigError(id, &routing.InvalidRuleError{RuleID: id, Reason: "target url does not parse", Err: err})
		}
		defaults = append(defaults, routing.Rule{
			ID:     id,
			Method: routing.MethodAny,
			Path:   routing.PrefixPattern(route.PathPrefix),
			Action: action,
		})
	}

	// dry run on a scratch table so a bad route leaves the real one untouched
	pending := defaults[:0]
	scratch := routing.NewTable()
	for _, rule := range defaults {
		if s.table.Has(rule.ID) {
			continue
		}
		if _, err := scratch.Register(rule); err != nil {
			return NewServerConfigError(rule.ID, err)
		}
		pending = append(pending, rule)
	}

	for _, rule := range pending {
		if _, err := s.table.Register(rule); err != nil {
			return NewInvalidRuleError(err)
		}
	}
	return nil
}

// Stop refuses new connections, gives in-flight requests the configured
// grace period and closes whatever is left. It is a no-op unless running.
func (s *Server) Stop() error {
	s.mu.Lock()
	switch s.state {
	case StateCreated, StateStopped:
		s.mu.Unlock()
		return nil
	case StateStarting:
		s.mu.Unlock()
		return NewStateError("stop", StateStarting)
	case StateStopping:
		stopped := s.stopped
		s.mu.Unlock()
		<-stopped
		return nil
	}
	s.state = StateStopping
	httpServer, served, stopped := s.httpServer, s.served, s.stopped
	s.mu.Unlock()

	var errs []error
	grace := time.Duration(s.config.ShutdownGraceSeconds) * time.Second
	logger.Info("Stopping service proxy (grace %s)", grace)

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	err := httpServer.Shutdown(ctx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("Grace period expired, closing remaining connections")
		} else {
			logger.Error("Graceful shutdown failed: %v", err)
			errs = append(errs, NewProxyError(ErrCodeShutdownFailed, "graceful shutdown failed", err))
		}
		if closeErr := httpServer.Close(); closeErr != nil {
			logger.Error("Failed to close connections: %v", closeErr)
			errs = append(errs, NewProxyError(ErrCodeShutdownFailed, "failed to close connections", closeErr))
		}
	}
	<-served
	s.forwarder.Close()

	s.mu.Lock()
	s.state = StateStopped
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()
	close(stopped)

	logger.Info("Service proxy stopped")
	return errors.Join(errs...)
}

// Close stops the server and releases the statistics collector.
func (s *Server) Close() error {
	stopErr := s.Stop()
	var closeErr error
	if err := s.collector.Close(); err != nil {
		closeErr = NewProxyError(ErrCodeShutdownFailed, "failed to close statistics collector", err)
	}
	return errors.Join(stopErr, closeErr)
}

func (s *Server) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Server) requireRunning(op string) error {
	if state := s.State(); state != StateRunning {
		return NewStateError(op, state)
	}
	return nil
}

// RegisterMapping forwards requests whose path fully matches the regular
// expression pathPattern to targetURL. Unknown methods match any method.
// It returns the generated rule ID.
func (s *Server) RegisterMapping(pathPattern, targetURL, method string) (string, error) {
	if err := s.requireRunning("register mapping"); err != nil {
		return "", err
	}
	action, err := routing.NewProxyAction(targetURL)
	if err != nil {
		return "", NewInvalidRuleError(&routing.InvalidRuleError{Reason: "target url does not parse", Err: err})
	}

	rule, err := s.RegisterRule(routing.Rule{
		ID:       uuid.NewString(),
		Method:   routing.ParseMethod(method),
		Path:     routing.Regex(pathPattern),
		Priority: routing.PriorityNormal,
		Action:   action,
	})
	if err != nil {
		return "", err
	}
	return rule.ID, nil
}

// RegisterRule adds rule to the table. An empty ID is replaced by a
// generated one.
func (s *Server) RegisterRule(rule routing.Rule) (routing.Rule, error) {
	if err := s.requireRunning("register rule"); err != nil {
		return routing.Rule{}, err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	stored, err := s.table.Register(rule)
	if err != nil {
		return routing.Rule{}, NewInvalidRuleError(err)
	}
	logger.Info("Added mapping %s: %s %s", stored.ID, stored.Method, stored.Path)
	return stored, nil
}

// UnregisterMapping removes the rule with id.
func (s *Server) UnregisterMapping(id string) error {
	if err := s.requireRunning("unregister mapping"); err != nil {
		return err
	}
	if !s.table.Unregister(id) {
		return NewProxyError(ErrCodeRuleNotFound, "no rule with id "+id, nil)
	}
	logger.Info("Removed mapping %s", id)
	return nil
}
