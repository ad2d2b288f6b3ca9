package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/image/draw"

	"tag-vision-go/internal/config"
	"tag-vision-go/internal/types"
)

//go:embed web/*
var webFS embed.FS

type Server struct {
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]*sync.Mutex
	mu       sync.Mutex
	cfg      config.AppConfig
	statusFn func() map[string]any
	configFn func() map[string]any

	latestMu sync.Mutex
	latest   *types.Preview

	framesSent  atomic.Uint64
	encodeFails atomic.Uint64
}

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingEvery   = (pongWait * 9) / 10
	jpegQuality = 75
)

func New(cfg config.AppConfig, statusFn func() map[string]any, configFn func() map[string]any) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[*websocket.Conn]*sync.Mutex),
		cfg:      cfg,
		statusFn: statusFn,
		configFn: configFn,
	}
}

// Run serves the preview UI until ctx is done. Previews are pushed to
// websocket clients as binary JPEG messages; status is pushed as JSON
// every cfg.StatusRate.
func Run(ctx context.Context, cfg config.AppConfig, previews <-chan types.Preview, statusFn func() map[string]any, configFn func() map[string]any) error {
	srv := New(cfg, statusFn, configFn)
	handler, err := srv.Handler()
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	go srv.broadcast(ctx, previews)

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Handler() (http.Handler, error) {
	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(sub)))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/snapshot.jpg", s.handleSnapshot)
	return mux, nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.mu.Lock()
	writeMu := &sync.Mutex{}
	s.clients[conn] = writeMu
	s.mu.Unlock()

	_ = s.writeJSON(conn, writeMu, s.configPayload())

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := s.writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer s.removeClient(conn)
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var request map[string]any
			if err := json.Unmarshal(payload, &request); err != nil {
				continue
			}
			switch request["type"] {
			case "status_request":
				_ = s.writeJSON(conn, writeMu, s.statusPayload())
			case "snapshot_request":
				p := s.latestPreview()
				if p == nil {
					continue
				}
				jpg, err := encodePreview(p.Image, s.cfg.PreviewScale)
				if err != nil {
					continue
				}
				_ = s.writeMessage(conn, writeMu, websocket.BinaryMessage, jpg)
			}
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.configPayload())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.statusPayload())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	p := s.latestPreview()
	if p == nil {
		http.Error(w, "no frame yet", http.StatusNotFound)
		return
	}
	jpg, err := encodePreview(p.Image, s.cfg.PreviewScale)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(jpg)
}

func (s *Server) configPayload() map[string]any {
	payload := map[string]any{
		"type":          "config",
		"port":          s.cfg.Port,
		"preview_scale": s.cfg.PreviewScale,
		"debug":         s.cfg.Debug,
	}
	if s.configFn != nil {
		for k, v := range s.configFn() {
			payload[k] = v
		}
	}
	return payload
}

func (s *Server) statusPayload() map[string]any {
	payload := map[string]any{}
	if s.statusFn != nil {
		payload = s.statusFn()
	}
	preview := map[string]any{
		"ws_clients":          s.clientCount(),
		"frames_sent_total":   s.framesSent.Load(),
		"encode_errors_total": s.encodeFails.Load(),
	}
	if metrics, ok := payload["metrics"].(map[string]any); ok {
		for k, v := range preview {
			metrics[k] = v
		}
	} else {
		for k, v := range preview {
			payload[k] = v
		}
	}
	payload["type"] = "status"
	return payload
}

func (s *Server) broadcast(ctx context.Context, previews <-chan types.Preview) {
	rate := s.cfg.StatusRate
	if rate <= 0 {
		rate = time.Second
	}
	ticker := time.NewTicker(rate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-previews:
			if !ok {
				previews = nil
				continue
			}
			s.publishPreview(p)
		case <-ticker.C:
			payload, err := json.Marshal(s.statusPayload())
			if err != nil {
				continue
			}
			s.sendAll(websocket.TextMessage, payload)
		}
	}
}

func (s *Server) publishPreview(p types.Preview) {
	s.latestMu.Lock()
	s.latest = &p
	s.latestMu.Unlock()

	if s.clientCount() == 0 || p.Image == nil {
		return
	}
	jpg, err := encodePreview(p.Image, s.cfg.PreviewScale)
	if err != nil {
		s.encodeFails.Add(1)
		return
	}
	s.sendAll(websocket.BinaryMessage, jpg)
	if p.Message != nil {
		if payload, err := json.Marshal(targetPayload(p)); err == nil {
			s.sendAll(websocket.TextMessage, payload)
		}
	}
	s.framesSent.Add(1)
}

func targetPayload(p types.Preview) map[string]any {
	payload := map[string]any{
		"type":     "target",
		"frame_id": p.FrameID,
		"state":    types.DetectionState(p.Message),
	}
	if t, ok := p.Message.(types.Target); ok {
		payload["target"] = t
	}
	return payload
}

// sendAll writes payload to every client. Writes happen outside s.mu so a
// slow client only holds up its own write lock.
func (s *Server) sendAll(messageType int, payload []byte) {
	type client struct {
		conn    *websocket.Conn
		writeMu *sync.Mutex
	}
	s.mu.Lock()
	targets := make([]client, 0, len(s.clients))
	for conn, writeMu := range s.clients {
		targets = append(targets, client{conn, writeMu})
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := s.writeMessage(c.conn, c.writeMu, messageType, payload); err != nil {
			s.removeClient(c.conn)
		}
	}
}

func (s *Server) latestPreview() *types.Preview {
	s.latestMu.Lock()
	defer s.latestMu.Unlock()
	return s.latest
}

// encodePreview scales img by scale (1 or less keeps it) and encodes it
// as JPEG.
func encodePreview(img *image.RGBA, scale float64) ([]byte, error) {
	var src image.Image = img
	if scale > 0 && scale < 1 {
		b := img.Bounds()
		w, h := int(float64(b.Dx())*scale), int(float64(b.Dy())*scale)
		if w > 0 && h > 0 {
			dst := image.NewRGBA(image.Rect(0, 0, w, h))
			draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
			src = dst
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, payload any) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(payload)
}

func (s *Server) writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
