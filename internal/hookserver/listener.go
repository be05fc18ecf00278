// Package hookserver runs the loopback HTTP endpoint that running agents call
// back into from their CLI hooks.
package hookserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sevir/clubhoused/pkg/models"
)

const (
	// NonceHeader carries the per-spawn secret.
	NonceHeader = "X-Clubhouse-Nonce"
	// AgentHeader names the agent on the legacy POST /hook route.
	AgentHeader = "X-Clubhouse-Agent-Id"

	DefaultHost         = "127.0.0.1"
	DefaultMaxBodyBytes = 1 << 20
)

// ErrClosed is returned by WaitReady after Close.
var ErrClosed = errors.New("hook listener closed")

// NonceLookup returns the nonce tracked for an agent.
type NonceLookup func(agentID string) (string, bool)

// Sink receives every accepted event.
type Sink func(event models.HookEvent)

// Config configures a Listener.
type Config struct {
	Host         string
	MaxBodyBytes int64
	Nonces       NonceLookup
	Sink         Sink
}

// Listener owns one lazily bound HTTP server for the life of the process.
type Listener struct {
	host    string
	maxBody int64
	nonces  NonceLookup
	sink    Sink
	engine  *gin.Engine

	mu         sync.Mutex
	port       int
	httpServer *http.Server
	closed     bool
}

// New creates a listener. Nothing is bound until WaitReady.
func New(cfg Config) *Listener {
	if cfg.Host == "" || cfg.Host == "localhost" {
		cfg.Host = DefaultHost
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Nonces == nil {
		cfg.Nonces = func(string) (string, bool) { return "", false }
	}
	if cfg.Sink == nil {
		cfg.Sink = func(models.HookEvent) {}
	}

	l := &Listener{
		host:    cfg.Host,
		maxBody: cfg.MaxBodyBytes,
		nonces:  cfg.Nonces,
		sink:    cfg.Sink,
	}
	l.engine = l.newGinEngine()
	return l
}

func (l *Listener) newGinEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/hook", l.handleHook)
	r.POST("/hook/:agentId", l.handleHook)

	return r
}

// Handler exposes the routes without binding a port.
func (l *Listener) Handler() http.Handler {
	return l.engine
}

// WaitReady binds the server on first call and returns its port. Concurrent
// and later calls return the same port. A failed bind is returned and the
// next call tries again.
func (l *Listener) WaitReady(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}
	if l.httpServer != nil {
		return l.port, nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(l.host, "0"))
	if err != nil {
		return 0, fmt.Errorf("failed to bind hook listener: %w", err)
	}

	srv := &http.Server{
		Handler:           l.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	l.port = ln.Addr().(*net.TCPAddr).Port
	l.httpServer = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Warning: hook listener stopped: %v", err)
		}
	}()

	log.Printf("hook_event=listening addr=%s", ln.Addr())
	return l.port, nil
}

// Port returns the bound port, or 0 before WaitReady succeeds.
func (l *Listener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

// URL returns the hook base URL agents POST to, or "" before WaitReady.
func (l *Listener) URL() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.httpServer == nil {
		return ""
	}
	return "http://" + net.JoinHostPort(l.host, strconv.Itoa(l.port)) + "/hook"
}

// Close stops the server. The listener cannot be restarted.
func (l *Listener) Close(ctx context.Context) error {
	l.mu.Lock()
	srv := l.httpServer
	l.closed = true
	l.httpServer = nil
	l.port = 0
	l.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (l *Listener) handleHook(c *gin.Context) {
	agentID := c.Param("agentId")
	if agentID == "" {
		agentID = c.GetHeader(AgentHeader)
	}

	if !l.authorized(agentID, c.GetHeader(NonceHeader)) {
		log.Printf("Warning: hook_event=rejected agent_id=%q remote=%s reason=nonce", agentID, c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, l.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Printf("Warning: hook_event=dropped agent_id=%s reason=too_large limit=%d", agentID, l.maxBody)
			c.JSON(http.StatusBadRequest, gin.H{"error": "body too large"})
			return
		}
		log.Printf("Warning: hook_event=dropped agent_id=%s reason=read error=%q", agentID, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if !json.Valid(body) {
		log.Printf("Warning: hook_event=dropped agent_id=%s reason=malformed bytes=%d", agentID, len(body))
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed JSON"})
		return
	}

	event := models.HookEvent{
		AgentID:    agentID,
		EventName:  c.Query("event"),
		Payload:    json.RawMessage(body),
		ReceivedAt: time.Now(),
	}
	if event.EventName == "" {
		event.EventName = eventNameFromPayload(body)
	}

	l.sink(event)
	c.Status(http.StatusOK)
}

func (l *Listener) authorized(agentID, given string) bool {
	if agentID == "" || given == "" {
		return false
	}
	want, ok := l.nonces(agentID)
	if !ok || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(given)) == 1
}

// eventNameFromPayload reads the event name CLIs embed in the payload.
func eventNameFromPayload(body []byte) string {
	var probe struct {
		HookEventName  string `json:"hook_event_name"`
		CamelEventName string `json:"hookEventName"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	if probe.HookEventName != "" {
		return probe.HookEventName
	}
	return probe.CamelEventName
}
