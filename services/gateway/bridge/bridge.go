// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bridge pairs each inbound websocket connection with a fresh
// outbound connection to the realtime chat backend and relays frames
// opaquely in both directions.
//
// Each bridge runs two goroutines, one per direction, joined by a done
// channel that is closed exactly once. Closing either side closes the
// other with the same close code and reason where possible; an abnormal
// upstream failure closes the client side with an error code. The
// gateway never reconnects on behalf of the client; frames are never
// parsed or transformed.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/Siteline/services/gateway/datatypes"
	"github.com/AleutianAI/Siteline/services/gateway/eventbus"
	"github.com/AleutianAI/Siteline/services/gateway/metrics"
)

const (
	writeTimeout     = 10 * time.Second
	closeGracePeriod = time.Second
)

// Server upgrades inbound /ws/... requests and runs one Bridge per
// connection. Construct with NewServer.
type Server struct {
	upstream *url.URL
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader

	// limiter sheds websocket connect floods before any upstream dial
	// happens. Distinct from the per-identity request policies.
	limiter *rate.Limiter

	bus      *eventbus.Bus
	recorder *metrics.Recorder

	wg sync.WaitGroup
}

// NewServer creates a bridge server targeting the realtime backend at
// upstreamURL (http/https schemes are rewritten to ws/wss).
func NewServer(upstreamURL string, bus *eventbus.Bus, recorder *metrics.Recorder) (*Server, error) {
	u, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime backend url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported realtime backend scheme %q", u.Scheme)
	}

	return &Server{
		upstream: u,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser origin enforcement happens in the CORS layer;
			// the upgrade itself accepts any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		limiter:  rate.NewLimiter(rate.Limit(50), 100),
		bus:      bus,
		recorder: recorder,
	}, nil
}

// Handler upgrades the client connection, dials the realtime backend
// with the same path and query, and bridges the pair until either side
// closes.
func (s *Server) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, datatypes.ErrorResponse{
				Error:             "too many websocket connections",
				RetryAfterSeconds: 1,
			})
			return
		}

		client, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			slog.Warn("websocket upgrade failed", "error", err, "remote", c.ClientIP())
			return
		}

		// CONNECTING_UPSTREAM: the client is accepted but nothing is
		// relayed until the backend connection is open. The query
		// string carries caller identity (user id, name, email) and is
		// preserved untouched.
		target := *s.upstream
		target.Path = singleJoiningSlash(s.upstream.Path, c.Request.URL.Path)
		target.RawQuery = c.Request.URL.RawQuery

		upstream, resp, err := s.dialer.DialContext(c.Request.Context(), target.String(), nil)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			slog.Error("realtime backend dial failed",
				"target", target.String(), "status", status, "error", err)
			closeWith(client, websocket.CloseTryAgainLater, "realtime backend unavailable")
			_ = client.Close()
			if s.bus != nil {
				s.bus.Publish(c.Request.Context(), "gateway", eventbus.BackendUnreachable{
					Service: "chat-realtime",
					Path:    c.Request.URL.Path,
					Reason:  err.Error(),
				})
			}
			return
		}

		b := &Bridge{
			ID:       uuid.New().String(),
			client:   client,
			upstream: upstream,
			done:     make(chan struct{}),
			bus:      s.bus,
			recorder: s.recorder,
		}

		if s.recorder != nil {
			s.recorder.BridgeOpened()
		}
		if s.bus != nil {
			s.bus.Publish(c.Request.Context(), "gateway", eventbus.BridgeOpened{
				BridgeID:   b.ID,
				RemoteAddr: c.ClientIP(),
				UserID:     c.Query("userId"),
			})
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			b.Run()
		}()
	}
}

// Wait blocks until every live bridge has finished. Used on shutdown.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Bridge is one paired client/upstream connection.
type Bridge struct {
	ID       string
	client   *websocket.Conn
	upstream *websocket.Conn

	done     chan struct{}
	once     sync.Once
	bus      *eventbus.Bus
	recorder *metrics.Recorder

	mu        sync.Mutex
	closeCode int
	closeText string
	abnormal  bool
}

// Run relays frames in both directions and returns once both sides are
// closed. BRIDGED -> CLOSED; there is no intermediate state.
func (b *Bridge) Run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.relay(b.client, b.upstream, "client")
	}()
	go func() {
		defer wg.Done()
		b.relay(b.upstream, b.client, "upstream")
	}()
	wg.Wait()

	_ = b.client.Close()
	_ = b.upstream.Close()

	if b.recorder != nil {
		b.recorder.BridgeClosed()
	}
	b.mu.Lock()
	code, text, abnormal := b.closeCode, b.closeText, b.abnormal
	b.mu.Unlock()
	if b.bus != nil {
		b.bus.Publish(context.Background(), "gateway", eventbus.BridgeClosed{
			BridgeID: b.ID,
			Code:     code,
			Reason:   text,
			Abnormal: abnormal,
		})
	}
	slog.Info("bridge closed", "bridge_id", b.ID, "code", code, "abnormal", abnormal)
}

// relay pumps frames from src to dst until src fails or the bridge is
// shut down, then propagates the closure to dst. Frame order from one
// sender is preserved because each direction is a single goroutine.
func (b *Bridge) relay(src, dst *websocket.Conn, from string) {
	for {
		msgType, payload, err := src.ReadMessage()
		if err != nil {
			b.propagateClose(dst, err, from)
			return
		}

		select {
		case <-b.done:
			return
		default:
		}

		_ = dst.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := dst.WriteMessage(msgType, payload); err != nil {
			b.propagateClose(src, err, from)
			return
		}
	}
}

// propagateClose records why the bridge ended and closes the opposite
// side. A normal close is mirrored with the same code and reason; an
// abnormal one surfaces as an error close code so the peer knows the
// session did not end cleanly.
func (b *Bridge) propagateClose(peer *websocket.Conn, err error, from string) {
	b.once.Do(func() {
		code := websocket.CloseAbnormalClosure
		text := ""
		abnormal := true

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			code = closeErr.Code
			text = closeErr.Text
			abnormal = code != websocket.CloseNormalClosure && code != websocket.CloseGoingAway
		}

		outCode := code
		outText := text
		if abnormal {
			outCode = websocket.CloseInternalServerErr
			if from == "upstream" {
				outText = "realtime backend connection lost"
			} else {
				outText = "client connection lost"
			}
		}

		b.mu.Lock()
		b.closeCode = code
		b.closeText = text
		b.abnormal = abnormal
		b.mu.Unlock()

		closeWith(peer, outCode, outText)
		close(b.done)

		// Unblock the opposite relay's pending read.
		_ = peer.SetReadDeadline(time.Now().Add(closeGracePeriod))
	})
}

// closeWith sends a close control frame, best effort.
func closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

// singleJoiningSlash joins URL paths without doubling the separator.
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && a != "":
		return a + "/" + b
	}
	return a + b
}
