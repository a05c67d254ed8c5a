package relayclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"webbook/internal/cryptoprim"
	"webbook/internal/wire"
)

// fakeRelay accepts one HELLO, acks it, then echoes a SEND as a SendAck.
func fakeRelay(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, body, err := conn.ReadMessage()
		if err != nil {
			return
		}
		tag, _, err := wire.Decode(body)
		require.NoError(t, err)
		require.Equal(t, wire.TagHello, tag)

		ackRaw, err := wire.Encode(wire.HelloAck{ServerTime: time.Now().Unix()})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, ackRaw))

		for {
			_, body, err := conn.ReadMessage()
			if err != nil {
				return
			}
			tag, v, err := wire.Decode(body)
			if err != nil {
				continue
			}
			switch tag {
			case wire.TagPing:
				conn.WriteMessage(websocket.BinaryMessage, wire.EncodePong())
			case wire.TagSend:
				s := v.(wire.Send)
				raw, _ := wire.Encode(wire.SendAck{MessageID: s.MessageID})
				conn.WriteMessage(websocket.BinaryMessage, raw)
			}
		}
	}))
}

func TestClientAuthenticatesAndReachesConnected(t *testing.T) {
	srv := fakeRelay(t)
	defer srv.Close()

	pub, priv, err := cryptoprim.GenerateSigningKeyPair()
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := New(wsURL, pub, priv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	states := make(chan State, 8)
	client.OnStateChange = func(s State) { states <- s }

	go client.Run(ctx)

	deadline := time.After(1500 * time.Millisecond)
	for {
		select {
		case s := <-states:
			if s == StateConnected {
				return
			}
		case <-deadline:
			t.Fatal("client never reached Connected")
		}
	}
}

func TestClientSendResolvesOnMatchingSendAck(t *testing.T) {
	srv := fakeRelay(t)
	defer srv.Close()

	pub, priv, err := cryptoprim.GenerateSigningKeyPair()
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := New(wsURL, pub, priv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	states := make(chan State, 8)
	client.OnStateChange = func(s State) { states <- s }
	go client.Run(ctx)

	deadline := time.After(1500 * time.Millisecond)
	for {
		select {
		case s := <-states:
			if s == StateConnected {
				goto connected
			}
		case <-deadline:
			t.Fatal("client never reached Connected")
		}
	}
connected:
	recipient := make([]byte, 32)
	_, err = client.Send(ctx, recipient, []byte("hello recipient"))
	require.NoError(t, err)
}

func TestClientStateStringIsHumanReadable(t *testing.T) {
	require.Equal(t, "connected", StateConnected.String())
	require.Equal(t, "disconnected", StateDisconnected.String())
}
