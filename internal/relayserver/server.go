// Package relayserver implements the zero-knowledge store-and-forward
// relay (§4.14): it authenticates connections by Ed25519 proof of key
// ownership, never learns plaintext, and holds ciphertext blobs only
// until the recipient acknowledges delivery or the retention window
// expires.
package relayserver

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"webbook/internal/platform/ratelimiter"
	"webbook/internal/wire"
	"webbook/pkg/models"
)

const (
	blobRetention   = 90 * 24 * time.Hour
	sweepInterval   = 1 * time.Hour
	rateLimitRPS    = 5.0
	rateLimitBurst  = 20
	rateLimitIdleTTL = 30 * time.Minute
)

// Config controls the relay server's listening behavior and limits.
type Config struct {
	Addr           string
	BlobDBPath     string
	MaxConnections int64
	Version        string
}

// Server accepts websocket connections carrying internal/wire frames,
// authenticates each with a signed-nonce HELLO, and relays SEND frames
// to their recipient: every message is stored durably until the
// recipient acknowledges it, and is also delivered live if the
// recipient is connected.
type Server struct {
	cfg     Config
	blobs   *BlobStore
	metrics *Metrics
	limiter *ratelimiter.MapLimiter
	log     *zap.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	activeConns int64

	mu      sync.Mutex
	online  map[string]*connection
}

type connection struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	pubKeyRaw string
}

// New builds a Server over an already-open blob store.
func New(cfg Config, blobs *BlobStore, log *zap.Logger) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1024
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		blobs:   blobs,
		metrics: NewMetrics(),
		limiter: ratelimiter.New(rateLimitRPS, rateLimitBurst, rateLimitIdleTTL),
		log:     log,
		online:  make(map[string]*connection),
	}
}

// Handler builds the relay's HTTP mux (healthz, relay upgrade, metrics).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/relay", s.handleWebsocket)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	return mux
}

// Run starts the HTTP/WebSocket listener and background expiry sweep,
// blocking until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runSweep(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		wg.Wait()
		return err
	case err := <-errCh:
		wg.Wait()
		return err
	}
}

func (s *Server) runSweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.blobs.ExpireOlderThan(time.Now())
			if err != nil {
				s.log.Warn("relayserver: expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.metrics.BlobsExpired.Add(float64(n))
				s.log.Info("relayserver: expired blobs", zap.Int64("count", n))
			}
			if count, err := s.blobs.Count(); err == nil {
				s.metrics.BlobsStored.Set(float64(count))
			}
		}
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.TLS == nil {
		target := "https://" + r.Host + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusMovedPermanently)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "healthy", Version: s.cfg.Version})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt64(&s.activeConns) >= s.cfg.MaxConnections {
		s.metrics.ConnectionsBusy.Inc()
		http.Error(w, "relay busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	atomic.AddInt64(&s.activeConns, 1)
	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsActive.Inc()
	defer func() {
		atomic.AddInt64(&s.activeConns, -1)
		s.metrics.ConnectionsActive.Dec()
		conn.Close()
	}()

	s.serveConnection(conn, clientKey(r))
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) serveConnection(wsConn *websocket.Conn, rateKey string) {
	pubKey, err := s.authenticate(wsConn)
	if err != nil {
		s.log.Warn("relayserver: auth failed", zap.Error(err))
		s.sendError(wsConn, wire.ErrorCodeAuthFailed, "authentication failed")
		return
	}

	c := &connection{conn: wsConn, pubKeyRaw: string(pubKey)}
	s.registerOnline(c)
	defer s.unregisterOnline(c)

	s.deliverStored(c, pubKey)

	for {
		_, body, err := wsConn.ReadMessage()
		if err != nil {
			return
		}
		if !s.limiter.Allow(rateKey, time.Now()) {
			s.metrics.RateLimited.Inc()
			s.sendError(wsConn, wire.ErrorCodeRateLimited, "slow down")
			continue
		}
		s.handleFrame(c, body)
	}
}

func (s *Server) authenticate(conn *websocket.Conn) (ed25519.PublicKey, error) {
	_, body, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	tag, v, err := wire.Decode(body)
	if err != nil {
		return nil, err
	}
	if tag != wire.TagHello {
		return nil, fmt.Errorf("relayserver: expected HELLO, got tag %d", tag)
	}
	hello := v.(wire.Hello)
	if !ed25519.Verify(hello.PubKey[:], hello.Nonce[:], hello.Signature[:]) {
		return nil, errors.New("relayserver: hello signature invalid")
	}

	ackRaw, err := wire.Encode(wire.HelloAck{ServerTime: time.Now().Unix()})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, ackRaw); err != nil {
		return nil, err
	}
	return append(ed25519.PublicKey(nil), hello.PubKey[:]...), nil
}

func (s *Server) handleFrame(c *connection, body []byte) {
	tag, v, err := wire.Decode(body)
	if err != nil {
		s.sendError(c.conn, wire.ErrorCodeUnknownFrame, "malformed frame")
		return
	}
	switch tag {
	case wire.TagPing:
		s.writeFrame(c, wire.EncodePong())
	case wire.TagSend:
		send := v.(wire.Send)
		s.relay(c, send)
	case wire.TagDeliverAck:
		ack := v.(wire.DeliverAck)
		_ = s.blobs.Delete(uuid.UUID(ack.MessageID).String())
	}
}

func (s *Server) relay(c *connection, send wire.Send) {
	id := uuid.New()
	blob := models.RelayBlob{
		ID:         id.String(),
		Recipient:  append([]byte(nil), send.RecipientPubKey[:]...),
		Sender:     []byte(c.pubKeyRaw),
		Ciphertext: send.Ciphertext,
		CreatedAt:  time.Now().UTC(),
		ExpiryAt:   time.Now().UTC().Add(blobRetention),
	}

	if err := s.blobs.Store(blob); err != nil {
		s.log.Warn("relayserver: store blob failed", zap.Error(err))
	}

	recipient := s.lookupOnline(string(blob.Recipient))
	if recipient != nil {
		var messageID [16]byte
		copy(messageID[:], id[:])
		var senderKey [32]byte
		copy(senderKey[:], c.pubKeyRaw)
		raw, err := wire.Encode(wire.Deliver{MessageID: messageID, SenderPubKey: senderKey, Ciphertext: blob.Ciphertext})
		if err == nil {
			s.writeFrame(recipient, raw)
		}
	}

	s.metrics.MessagesRelayed.Inc()

	// Echo the sender's own message id so Client.Send can correlate this
	// ack with the pending call it is blocked on (§4.7/§4.8); the relay's
	// internal blob id above is unrelated and never leaves the server
	// except inside the recipient's Deliver frame.
	ackRaw, err := wire.Encode(wire.SendAck{MessageID: send.MessageID})
	if err == nil {
		s.writeFrame(c, ackRaw)
	}
}

func (s *Server) deliverStored(c *connection, pubKey ed25519.PublicKey) {
	blobs, err := s.blobs.ForRecipient(pubKey)
	if err != nil {
		s.log.Warn("relayserver: load stored blobs failed", zap.Error(err))
		return
	}
	for _, b := range blobs {
		var messageID [16]byte
		id, err := uuid.Parse(b.ID)
		if err != nil {
			continue
		}
		copy(messageID[:], id[:])
		var senderKey [32]byte
		copy(senderKey[:], b.Sender)
		raw, err := wire.Encode(wire.Deliver{MessageID: messageID, SenderPubKey: senderKey, Ciphertext: b.Ciphertext})
		if err != nil {
			continue
		}
		s.writeFrame(c, raw)
	}
}

func (s *Server) writeFrame(c *connection, raw []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteMessage(websocket.BinaryMessage, raw)
}

func (s *Server) sendError(conn *websocket.Conn, code wire.ErrorCode, msg string) {
	raw, err := wire.Encode(wire.ErrorFrame{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.BinaryMessage, raw)
}

func (s *Server) registerOnline(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[c.pubKeyRaw] = c
}

func (s *Server) unregisterOnline(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online[c.pubKeyRaw] == c {
		delete(s.online, c.pubKeyRaw)
	}
}

func (s *Server) lookupOnline(pubKeyRaw string) *connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[pubKeyRaw]
}
