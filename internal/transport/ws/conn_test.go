package ws_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/omochice/relay-chat/internal/chat"
	"github.com/omochice/relay-chat/internal/transport/ws"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	wsConn, _, err := websocket.Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	return wsConn
}

func TestConn_Read(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("failed to accept websocket: %v", err)
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		c.Write(context.Background(), websocket.MessageText, []byte(`{"type":"NEED_SYNC"}`))
		c.Write(context.Background(), websocket.MessageBinary, []byte{2})
		c.Read(context.Background())
	}))
	defer server.Close()

	wsConn := dial(t, server.URL)
	defer wsConn.Close(websocket.StatusNormalClosure, "")
	conn := ws.NewConn(wsConn)

	tests := []struct {
		wantKind chat.FrameKind
		wantData string
	}{
		{chat.FrameText, `{"type":"NEED_SYNC"}`},
		{chat.FrameBinary, "\x02"},
	}
	for _, tt := range tests {
		kind, data, err := conn.Read(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if kind != tt.wantKind {
			t.Errorf("Read() kind = %v, want %v", kind, tt.wantKind)
		}
		if string(data) != tt.wantData {
			t.Errorf("Read() = %q, want %q", string(data), tt.wantData)
		}
	}
}

func TestConn_Write(t *testing.T) {
	type received struct {
		typ  websocket.MessageType
		data []byte
	}
	got := make(chan received, 2)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		for i := 0; i < 2; i++ {
			typ, data, err := c.Read(context.Background())
			if err != nil {
				return
			}
			got <- received{typ, data}
		}
	}))
	defer server.Close()

	wsConn := dial(t, server.URL)
	defer wsConn.Close(websocket.StatusNormalClosure, "")
	conn := ws.NewConn(wsConn)

	if err := conn.Write(context.Background(), chat.FrameText, []byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := conn.Write(context.Background(), chat.FrameBinary, []byte{0, 1}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	first := <-got
	if first.typ != websocket.MessageText || string(first.data) != "hello" {
		t.Errorf("server received %v %q, want text %q", first.typ, first.data, "hello")
	}
	second := <-got
	if second.typ != websocket.MessageBinary {
		t.Errorf("server received %v, want binary", second.typ)
	}
}

func TestConn_CloseCodes(t *testing.T) {
	tests := []struct {
		reason chat.CloseReason
		want   websocket.StatusCode
	}{
		{chat.CloseNormal, websocket.StatusNormalClosure},
		{chat.CloseProtocolViolation, websocket.StatusProtocolError},
		{chat.CloseTimeout, ws.StatusTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.reason.String(), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				conn, err := ws.Accept(w, r, ws.AcceptOptions{})
				if err != nil {
					return
				}
				conn.Close(tt.reason, "bye")
			}))
			defer server.Close()

			wsConn := dial(t, server.URL)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			_, _, err := wsConn.Read(ctx)
			if got := websocket.CloseStatus(err); got != tt.want {
				t.Errorf("close status = %v, want %v (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestConn_ReadNormalCloseIsEOF(t *testing.T) {
	accepted := make(chan *ws.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, ws.AcceptOptions{})
		if err != nil {
			return
		}
		accepted <- conn
		conn.Read(r.Context())
	}))
	defer server.Close()

	wsConn := dial(t, server.URL)
	conn := <-accepted
	if conn.RemoteAddr() == "" {
		t.Error("RemoteAddr() returned empty string")
	}

	errc := make(chan error, 1)
	go func() {
		_, _, err := ws.NewConn(wsConn).Read(context.Background())
		errc <- err
	}()
	conn.Close(chat.CloseNormal, "")

	if err := <-errc; !errors.Is(err, io.EOF) {
		t.Errorf("Read() error = %v, want io.EOF", err)
	}
}

func TestAccept_ReadLimit(t *testing.T) {
	errc := make(chan error, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, ws.AcceptOptions{ReadLimit: 16})
		if err != nil {
			return
		}
		_, _, err = conn.Read(r.Context())
		errc <- err
	}))
	defer server.Close()

	wsConn := dial(t, server.URL)
	defer wsConn.Close(websocket.StatusNormalClosure, "")
	wsConn.Write(context.Background(), websocket.MessageBinary, make([]byte, 64))

	if err := <-errc; err == nil {
		t.Error("Read() of oversized frame succeeded, want error")
	}
}
