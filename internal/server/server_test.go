package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tag-vision-go/internal/config"
	"tag-vision-go/internal/types"
)

func TestHandleConfig(t *testing.T) {
	srv := New(config.AppConfig{Port: 9999, PreviewScale: 0.5}, nil, func() map[string]any {
		return map[string]any{"families": []string{"tag36h11"}}
	})

	req := httptest.NewRequest("GET", "/config", nil)
	rec := httptest.NewRecorder()
	srv.handleConfig(rec, req)

	if rec.Code != 200 {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if payload["port"].(float64) != 9999 {
		t.Fatalf("unexpected port: %v", payload["port"])
	}
	if payload["preview_scale"].(float64) != 0.5 {
		t.Fatalf("unexpected preview_scale: %v", payload["preview_scale"])
	}
	if payload["families"].([]any)[0] != "tag36h11" {
		t.Fatalf("unexpected families: %v", payload["families"])
	}
}

func TestHandleStatus(t *testing.T) {
	srv := New(config.AppConfig{}, func() map[string]any {
		return map[string]any{
			"run_id":  "abc",
			"metrics": map[string]any{"frames_processed_total": 12},
		}
	}, nil)

	rec := httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest("GET", "/status", nil))
	require.Equal(t, 200, rec.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "status", payload["type"])
	assert.Equal(t, "abc", payload["run_id"])
	metrics := payload["metrics"].(map[string]any)
	assert.Equal(t, float64(12), metrics["frames_processed_total"])
	assert.Equal(t, float64(0), metrics["ws_clients"])
}

func TestHandleSnapshot(t *testing.T) {
	srv := New(config.AppConfig{PreviewScale: 0.5}, nil, nil)

	rec := httptest.NewRecorder()
	srv.handleSnapshot(rec, httptest.NewRequest("GET", "/snapshot.jpg", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	srv.publishPreview(types.Preview{FrameID: 1, Image: image.NewRGBA(image.Rect(0, 0, 64, 32))})
	rec = httptest.NewRecorder()
	srv.handleSnapshot(rec, httptest.NewRequest("GET", "/snapshot.jpg", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Width)
	assert.Equal(t, 16, cfg.Height)
}

func TestWebsocketReceivesPreview(t *testing.T) {
	srv := New(config.AppConfig{Port: 1234}, nil, nil)
	handler, err := srv.Handler()
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	var hello map[string]any
	require.NoError(t, json.Unmarshal(data, &hello))
	assert.Equal(t, "config", hello["type"])

	require.Eventually(t, func() bool { return srv.clientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	srv.publishPreview(types.Preview{
		FrameID: 9,
		Image:   image.NewRGBA(image.Rect(0, 0, 16, 16)),
		Message: types.Target{ID: 4, Translation: [3]float64{1, 0, 0}},
	})

	kind, data, err = conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	_, err = jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	kind, data, err = conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	var target map[string]any
	require.NoError(t, json.Unmarshal(data, &target))
	assert.Equal(t, "target", target["type"])
	assert.Equal(t, float64(1), target["state"])
}

func TestSendAllDoesNotBlockRegistry(t *testing.T) {
	srv := New(config.AppConfig{}, nil, nil)
	handler, err := srv.Handler()
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	dial := func() *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, _, err = conn.ReadMessage() // config hello
		require.NoError(t, err)
		return conn
	}
	a, b := dial(), dial()
	defer a.Close()
	defer b.Close()
	require.Eventually(t, func() bool { return srv.clientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	// Stall one client's writer.
	srv.mu.Lock()
	var stalled *sync.Mutex
	for _, writeMu := range srv.clients {
		stalled = writeMu
		break
	}
	srv.mu.Unlock()
	stalled.Lock()

	sent := make(chan struct{})
	go func() {
		srv.sendAll(websocket.TextMessage, []byte(`{"type":"ping"}`))
		close(sent)
	}()

	counted := make(chan int, 1)
	go func() { counted <- srv.clientCount() }()
	select {
	case n := <-counted:
		assert.Equal(t, 2, n)
	case <-time.After(2 * time.Second):
		stalled.Unlock()
		t.Fatal("client registry locked while a write is stalled")
	}

	stalled.Unlock()
	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("sendAll did not finish")
	}

	for _, conn := range []*websocket.Conn{a, b} {
		kind, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, kind)
		assert.JSONEq(t, `{"type":"ping"}`, string(data))
	}
}
