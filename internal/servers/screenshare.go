package servers

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/kbinani/screenshot"

	"github.com/mfields/calder/internal/log"
)

// ScreenShareConfig configures one screen-share server.
type ScreenShareConfig struct {
	Display int     // display index, 0 is primary
	FPS     int     // frames per second, default 5
	Quality int     // JPEG quality 1..100, default 60
	Scale   float64 // output scale factor, default 1.0
}

func (c *ScreenShareConfig) normalize() {
	if c.FPS <= 0 {
		c.FPS = 5
	}
	if c.FPS > 30 {
		c.FPS = 30
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = 60
	}
	if c.Scale <= 0 || c.Scale > 1 {
		c.Scale = 1
	}
}

type screenShare struct {
	cfg      ScreenShareConfig
	upgrader websocket.Upgrader
}

// StartScreenShare starts a screen capture server on the given port. Viewers
// connect to /stream over websocket and receive JPEG frames as binary
// messages.
func (m *Manager) StartScreenShare(port int, cfg ScreenShareConfig) error {
	cfg.normalize()
	if cfg.Display < 0 || cfg.Display >= screenshot.NumActiveDisplays() {
		return fmt.Errorf("servers: display %d not available", cfg.Display)
	}

	ss := &screenShare{
		cfg: cfg,
		// Viewers are LAN tools the workflow author points at the port.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/stream", ss.handleStream)
	r.Get("/frame", ss.handleFrame)

	return m.start(port, KindScreenShare, r)
}

func (ss *screenShare) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := ss.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn(log.CatServer, "screen share upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	interval := time.Second / time.Duration(ss.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info(log.CatServer, "screen share viewer connected", "remote", conn.RemoteAddr().String())

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		frame, err := ss.captureJPEG()
		if err != nil {
			log.Warn(log.CatServer, "screen capture failed", "error", err)
			continue
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
	}
}

// handleFrame serves a single JPEG snapshot for clients that cannot speak
// websocket.
func (ss *screenShare) handleFrame(w http.ResponseWriter, _ *http.Request) {
	frame, err := ss.captureJPEG()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(frame)
}

func (ss *screenShare) captureJPEG() ([]byte, error) {
	img, err := screenshot.CaptureDisplay(ss.cfg.Display)
	if err != nil {
		return nil, err
	}

	var out image.Image = img
	if ss.cfg.Scale < 1 {
		out = downscale(img, ss.cfg.Scale)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: ss.cfg.Quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// downscale shrinks an RGBA image by nearest-neighbor sampling. Viewer-grade
// quality is enough here and it keeps the capture loop cheap.
func downscale(src *image.RGBA, scale float64) image.Image {
	b := src.Bounds()
	w := int(float64(b.Dx()) * scale)
	h := int(float64(b.Dy()) * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		sy := b.Min.Y + y*b.Dy()/h
		for x := 0; x < w; x++ {
			sx := b.Min.X + x*b.Dx()/w
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}
