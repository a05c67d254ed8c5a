package relayserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"webbook/internal/cryptoprim"
	"webbook/internal/wire"
)

func newTestServer(t *testing.T, maxConns int64) (*Server, *httptest.Server) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "blobs.sqlite")
	blobs, err := OpenBlobStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	srv := New(Config{MaxConnections: maxConns}, blobs, nil)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return srv, httpSrv
}

func wsURLFor(httpSrv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/relay"
}

func helloWithKeys(t *testing.T, conn *websocket.Conn, pub, priv []byte) {
	t.Helper()
	nonce, err := cryptoprim.RandomBytes(16)
	require.NoError(t, err)

	var hello wire.Hello
	copy(hello.PubKey[:], pub)
	copy(hello.Nonce[:], nonce)
	copy(hello.Signature[:], cryptoprim.Sign(priv, nonce))

	raw, err := wire.Encode(hello)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, raw))

	_, body, err := conn.ReadMessage()
	require.NoError(t, err)
	tag, _, err := wire.Decode(body)
	require.NoError(t, err)
	require.Equal(t, wire.TagHelloAck, tag)
}

func TestHelloAuthenticationSucceeds(t *testing.T) {
	_, httpSrv := newTestServer(t, 10)
	conn, _, err := websocket.DefaultDialer.Dial(wsURLFor(httpSrv), nil)
	require.NoError(t, err)
	defer conn.Close()

	pub, priv, err := cryptoprim.GenerateSigningKeyPair()
	require.NoError(t, err)
	helloWithKeys(t, conn, pub, priv)
}

func TestHelloRejectsBadSignature(t *testing.T) {
	_, httpSrv := newTestServer(t, 10)
	conn, _, err := websocket.DefaultDialer.Dial(wsURLFor(httpSrv), nil)
	require.NoError(t, err)
	defer conn.Close()

	pub, _, err := cryptoprim.GenerateSigningKeyPair()
	require.NoError(t, err)
	_, otherPriv, err := cryptoprim.GenerateSigningKeyPair()
	require.NoError(t, err)
	nonce, err := cryptoprim.RandomBytes(16)
	require.NoError(t, err)

	var hello wire.Hello
	copy(hello.PubKey[:], pub)
	copy(hello.Nonce[:], nonce)
	copy(hello.Signature[:], cryptoprim.Sign(otherPriv, nonce))

	raw, err := wire.Encode(hello)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, raw))

	_, body, err := conn.ReadMessage()
	require.NoError(t, err)
	tag, v, err := wire.Decode(body)
	require.NoError(t, err)
	require.Equal(t, wire.TagError, tag)
	require.Equal(t, wire.ErrorCodeAuthFailed, v.(wire.ErrorFrame).Code)
}

func TestSendToOfflineRecipientThenDeliveredOnReconnect(t *testing.T) {
	_, httpSrv := newTestServer(t, 10)
	wsURL := wsURLFor(httpSrv)

	senderConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer senderConn.Close()
	senderPub, senderPriv, err := cryptoprim.GenerateSigningKeyPair()
	require.NoError(t, err)
	helloWithKeys(t, senderConn, senderPub, senderPriv)

	recipientPub, recipientPriv, err := cryptoprim.GenerateSigningKeyPair()
	require.NoError(t, err)

	var send wire.Send
	copy(send.RecipientPubKey[:], recipientPub)
	copy(send.MessageID[:], []byte("sender-chosen-id"))
	send.Ciphertext = []byte("hello offline recipient")
	raw, err := wire.Encode(send)
	require.NoError(t, err)
	require.NoError(t, senderConn.WriteMessage(websocket.BinaryMessage, raw))

	_, body, err := senderConn.ReadMessage()
	require.NoError(t, err)
	tag, v, err := wire.Decode(body)
	require.NoError(t, err)
	require.Equal(t, wire.TagSendAck, tag)
	require.Equal(t, send.MessageID, v.(wire.SendAck).MessageID)

	recipientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer recipientConn.Close()
	helloWithKeys(t, recipientConn, recipientPub, recipientPriv)

	_, body, err = recipientConn.ReadMessage()
	require.NoError(t, err)
	tag, v, err := wire.Decode(body)
	require.NoError(t, err)
	require.Equal(t, wire.TagDeliver, tag)
	require.Equal(t, []byte("hello offline recipient"), v.(wire.Deliver).Ciphertext)
}

func TestHealthReportsStatusAndVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "blobs.sqlite")
	blobs, err := OpenBlobStore(dbPath)
	require.NoError(t, err)
	defer blobs.Close()

	srv := New(Config{Version: "1.2.3"}, blobs, nil)
	httpSrv := httptest.NewTLSServer(srv.Handler())
	defer httpSrv.Close()

	client := httpSrv.Client()
	client.Transport.(*http.Transport).TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	resp, err := client.Get(httpSrv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "healthy", body.Status)
	require.Equal(t, "1.2.3", body.Version)
}

func TestBusyRejectsBeyondMaxConnections(t *testing.T) {
	_, httpSrv := newTestServer(t, 1)
	wsURL := wsURLFor(httpSrv)

	conn1, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn1.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	dialer := websocket.Dialer{}
	_, resp, err := dialer.DialContext(ctx, wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, 503, resp.StatusCode)
	}
}
