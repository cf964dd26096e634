// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// upstreamStub is a realtime-backend stand-in that echoes frames and
// reports what it observed.
type upstreamStub struct {
	srv *httptest.Server

	paths     chan string
	closeCode chan int
	conns     chan *websocket.Conn
}

func newUpstreamStub(t *testing.T) *upstreamStub {
	t.Helper()
	stub := &upstreamStub{
		paths:     make(chan string, 8),
		closeCode: make(chan int, 8),
		conns:     make(chan *websocket.Conn, 8),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	stub.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		stub.paths <- r.URL.Path + "?" + r.URL.RawQuery
		stub.conns <- conn
		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					stub.closeCode <- closeErr.Code
				} else {
					stub.closeCode <- -1
				}
				return
			}
			if err := conn.WriteMessage(msgType, append([]byte("echo:"), payload...)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(stub.srv.Close)
	return stub
}

// newGateway wires a bridge Server into a gin engine listening on a
// real socket, since websocket upgrades need one.
func newGateway(t *testing.T, upstreamURL string) (*Server, string) {
	t.Helper()
	server, err := NewServer(upstreamURL, nil, nil)
	require.NoError(t, err)

	engine := gin.New()
	engine.GET("/ws/*rest", server.Handler())
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	return server, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialClient(t *testing.T, gatewayURL, pathAndQuery string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(gatewayURL+pathAndQuery, nil)
	require.NoError(t, err)
	return conn
}

func waitClose(t *testing.T, ch chan int) int {
	t.Helper()
	select {
	case code := <-ch:
		return code
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for close")
		return 0
	}
}

// =============================================================================
// Relay Tests
// =============================================================================

func TestBridge_RelaysFramesBothWays(t *testing.T) {
	stub := newUpstreamStub(t)
	_, gwURL := newGateway(t, stub.srv.URL)

	client := dialClient(t, gwURL, "/ws/chat?userId=u-1&displayName=Pat")
	defer client.Close()

	// Path suffix and query preserved on the upstream dial.
	assert.Equal(t, "/ws/chat?userId=u-1&displayName=Pat", <-stub.paths)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("hello")))
	_, payload, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", string(payload))

	// Frames are opaque: binary survives untouched too.
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0xff, 0x10}))
	msgType, payload, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, []byte{'e', 'c', 'h', 'o', ':', 0x00, 0xff, 0x10}, payload)
}

func TestBridge_OrderPreservedPerDirection(t *testing.T) {
	stub := newUpstreamStub(t)
	_, gwURL := newGateway(t, stub.srv.URL)

	client := dialClient(t, gwURL, "/ws/chat")
	defer client.Close()
	<-stub.paths

	for i := 0; i < 20; i++ {
		require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte{byte('a' + i)}))
	}
	for i := 0; i < 20; i++ {
		_, payload, err := client.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "echo:"+string(rune('a'+i)), string(payload))
	}
}

// =============================================================================
// Pairing Invariant Tests
// =============================================================================

func TestBridge_ClientNormalCloseClosesUpstreamWithSameCode(t *testing.T) {
	stub := newUpstreamStub(t)
	server, gwURL := newGateway(t, stub.srv.URL)

	client := dialClient(t, gwURL, "/ws/chat")
	<-stub.paths
	<-stub.conns

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	require.NoError(t, client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	assert.Equal(t, websocket.CloseNormalClosure, waitClose(t, stub.closeCode))
	client.Close()
	server.Wait()
}

func TestBridge_UpstreamAbnormalCloseSurfacesErrorCodeToClient(t *testing.T) {
	stub := newUpstreamStub(t)
	server, gwURL := newGateway(t, stub.srv.URL)

	client := dialClient(t, gwURL, "/ws/chat")
	defer client.Close()
	<-stub.paths
	upstreamConn := <-stub.conns

	// Kill the upstream TCP connection without a close handshake.
	require.NoError(t, upstreamConn.UnderlyingConn().Close())

	_, _, err := client.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
	server.Wait()
}

func TestBridge_UpstreamDialFailureClosesClient(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	dead.Close()

	_, gwURL := newGateway(t, dead.URL)

	client := dialClient(t, gwURL, "/ws/chat")
	defer client.Close()

	_, _, err := client.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
}

// =============================================================================
// Server Construction Tests
// =============================================================================

func TestNewServer_SchemeRewrite(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"http://realtime:9005", false},
		{"https://realtime:9005", false},
		{"ws://realtime:9005", false},
		{"ftp://realtime:9005", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := NewServer(tt.in, nil, nil)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
