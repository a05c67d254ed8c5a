// Package relayclient drives the client side of the relay connection: a
// small state machine over a gorilla/websocket connection carrying
// internal/wire frames, with signed-nonce authentication, a heartbeat,
// and exponential-backoff reconnects (§4.8).
package relayclient

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"webbook/internal/cryptoprim"
	"webbook/internal/weberr"
	"webbook/internal/wire"
)

// State enumerates the connection lifecycle (§4.8).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

const (
	pingInterval  = 25 * time.Second
	pongTimeout   = 10 * time.Second
	sendTimeout   = 5 * time.Second
	backoffMin    = 1 * time.Second
	backoffMax    = 30 * time.Second
)

// Deliver is one inbound store-and-forward message handed to OnDeliver.
type Deliver struct {
	MessageID    [16]byte
	SenderPubKey [32]byte
	Ciphertext   []byte
}

// Client manages one logical relay connection, reconnecting under the
// hood; every lifecycle transition (connecting, authenticating,
// connected, disconnected) is reported through OnStateChange.
type Client struct {
	url        string
	signingPub ed25519.PublicKey
	signingKey ed25519.PrivateKey
	log        *slog.Logger

	OnDeliver    func(Deliver)
	OnStateChange func(State)

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	pendingAcks map[[16]byte]chan error
}

// New builds a Client. url is the wss:// relay endpoint; signingPub/Key
// authenticate the HELLO handshake.
func New(url string, signingPub ed25519.PublicKey, signingKey ed25519.PrivateKey, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		url:         url,
		signingPub:  signingPub,
		signingKey:  signingKey,
		log:         log,
		pendingAcks: make(map[[16]byte]chan error),
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}

// State reports the connection's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run drives the connect/auth/heartbeat loop until ctx is cancelled,
// reconnecting with exponential backoff (1s..30s, ±20% jitter) on
// failure. It returns only when ctx is done.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffMin
	bo.MaxInterval = backoffMax
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		c.log.Warn("relay connection lost, reconnecting", "error", err, "backoff", wait)
		c.setState(StateDisconnected)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	c.setState(StateConnecting)
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return weberr.New(weberr.KindConnectionLost, "relayclient.dial", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.authenticate(conn); err != nil {
		return err
	}
	c.setState(StateConnected)

	return c.pump(ctx, conn)
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	c.setState(StateAuthenticating)
	nonce, err := cryptoprim.RandomBytes(16)
	if err != nil {
		return err
	}
	var hello wire.Hello
	copy(hello.PubKey[:], c.signingPub)
	copy(hello.Nonce[:], nonce)
	sig := cryptoprim.Sign(c.signingKey, nonce)
	copy(hello.Signature[:], sig)

	raw, err := wire.Encode(hello)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return weberr.New(weberr.KindConnectionLost, "relayclient.hello", err)
	}

	_, body, err := conn.ReadMessage()
	if err != nil {
		return weberr.New(weberr.KindConnectionLost, "relayclient.helloAck", err)
	}
	tag, _, err := wire.Decode(body)
	if err != nil {
		return err
	}
	if tag == wire.TagError {
		return weberr.New(weberr.KindAEADFailed, "relayclient.helloAck", errors.New("relay rejected hello"))
	}
	if tag != wire.TagHelloAck {
		return weberr.New(weberr.KindConnectionLost, "relayclient.helloAck", fmt.Errorf("unexpected tag %d", tag))
	}
	return nil
}

// pump runs the read loop and heartbeat for one live connection.
func (c *Client) pump(ctx context.Context, conn *websocket.Conn) error {
	readErrs := make(chan error, 1)
	incoming := make(chan []byte, 32)

	go func() {
		for {
			_, body, err := conn.ReadMessage()
			if err != nil {
				readErrs <- err
				return
			}
			incoming <- body
		}
	}()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	pongDeadline := time.NewTimer(pingInterval + pongTimeout)
	defer pongDeadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErrs:
			return weberr.New(weberr.KindConnectionLost, "relayclient.read", err)
		case <-pongDeadline.C:
			return weberr.New(weberr.KindConnectionLost, "relayclient.pongTimeout", nil)
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.BinaryMessage, wire.EncodePing()); err != nil {
				return weberr.New(weberr.KindConnectionLost, "relayclient.ping", err)
			}
		case body := <-incoming:
			if err := c.handleFrame(conn, body, pongDeadline); err != nil {
				return err
			}
		}
	}
}

func (c *Client) handleFrame(conn *websocket.Conn, body []byte, pongDeadline *time.Timer) error {
	tag, v, err := wire.Decode(body)
	if err != nil {
		c.log.Warn("dropping malformed frame", "error", err)
		return nil
	}
	switch tag {
	case wire.TagPong:
		if !pongDeadline.Stop() {
			select {
			case <-pongDeadline.C:
			default:
			}
		}
		pongDeadline.Reset(pingInterval + pongTimeout)
	case wire.TagSendAck:
		ack := v.(wire.SendAck)
		c.resolveAck(ack.MessageID, nil)
	case wire.TagDeliver:
		d := v.(wire.Deliver)
		if c.OnDeliver != nil {
			c.OnDeliver(Deliver{MessageID: d.MessageID, SenderPubKey: d.SenderPubKey, Ciphertext: d.Ciphertext})
		}
	case wire.TagError:
		ef := v.(wire.ErrorFrame)
		c.log.Warn("relay error frame", "code", ef.Code, "message", ef.Message)
	}
	return nil
}

func (c *Client) resolveAck(id [16]byte, err error) {
	c.mu.Lock()
	ch, ok := c.pendingAcks[id]
	if ok {
		delete(c.pendingAcks, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- err
	}
}

// Send transmits one ciphertext addressed to recipientPubKey and blocks
// until SEND_ACK or sendTimeout elapses.
func (c *Client) Send(ctx context.Context, recipientPubKey []byte, ciphertext []byte) ([16]byte, error) {
	var id [16]byte
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return id, weberr.New(weberr.KindConnectionLost, "relayclient.Send", errors.New("not connected"))
	}

	nonce, err := cryptoprim.RandomBytes(16)
	if err != nil {
		return id, err
	}
	copy(id[:], nonce)

	var frame wire.Send
	copy(frame.RecipientPubKey[:], recipientPubKey)
	frame.MessageID = id
	frame.Ciphertext = ciphertext

	raw, err := wire.Encode(frame)
	if err != nil {
		return id, err
	}

	ackCh := make(chan error, 1)

	c.mu.Lock()
	c.pendingAcks[id] = ackCh
	c.mu.Unlock()

	if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		c.mu.Lock()
		delete(c.pendingAcks, id)
		c.mu.Unlock()
		return id, weberr.New(weberr.KindConnectionLost, "relayclient.Send", err)
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return id, ctx.Err()
	case <-timer.C:
		c.mu.Lock()
		delete(c.pendingAcks, id)
		c.mu.Unlock()
		return id, weberr.New(weberr.KindSendTimeout, "relayclient.Send", nil)
	case err := <-ackCh:
		return id, err
	}
}

// AckDeliver confirms application of a delivered message so the relay
// may drop its stored blob.
func (c *Client) AckDeliver(messageID [16]byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return weberr.New(weberr.KindConnectionLost, "relayclient.AckDeliver", errors.New("not connected"))
	}
	raw, err := wire.Encode(wire.DeliverAck{MessageID: messageID})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return weberr.New(weberr.KindConnectionLost, "relayclient.AckDeliver", err)
	}
	return nil
}
