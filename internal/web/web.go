package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strconv"
	"time"

	_ "golang.org/x/image/bmp"

	"epaperd/internal/battery"
	"epaperd/internal/config"
	"epaperd/internal/convert"
	"epaperd/internal/epd"
	appLog "epaperd/internal/log"
)

// Request body limits.
const (
	maxUpload = 8 << 20
	maxText   = 64 << 10
)

// Server provides the HTTP API of the panel daemon.
type Server struct {
	cfg     *config.Config
	panel   *epd.Locked
	display *epd.Display
	battery battery.Reader
	mux     *http.ServeMux
}

// NewServer constructs a new Server driving panel through display.
func NewServer(cfg *config.Config, panel *epd.Locked, display *epd.Display) *Server {
	s := &Server{
		cfg:     cfg,
		panel:   panel,
		display: display,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// SetBattery enables /api/battery.
func (s *Server) SetBattery(r battery.Reader) {
	s.battery = r
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// 빈 사용자명 또는 비밀번호가 설정된 경우에는 비활성화로 취급한다.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="epaperd", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve runs the HTTP server on cfg.Listen until ctx is cancelled, then
// shuts it down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/image", s.handleImage)
	s.mux.HandleFunc("POST /api/text", s.handleText)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /api/clear", s.handleClear)
	s.mux.HandleFunc("POST /api/sleep", s.handleSleep)
	s.mux.HandleFunc("GET /api/battery", s.handleBattery)
	s.mux.HandleFunc("GET /preview.png", s.handlePreview)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	Model    string    `json:"model"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	HasColor bool      `json:"has_color"`
	State    epd.State `json:"state"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	p := s.panel.Profile()
	writeJSON(w, http.StatusOK, statusResponse{
		Model:    p.Name,
		Width:    p.Width,
		Height:   p.Height,
		HasColor: p.HasColor,
		State:    s.panel.State(),
	})
}

// handleImage draws an uploaded PNG, JPEG or BMP.
//
// POST /api/image?x=0&y=0&partial=1&invert=0
//   - x, y:    draw the image unscaled at this origin. Without them the
//     image is fitted to the whole panel.
//   - partial: use a partial refresh (기본: 0, full refresh)
//   - invert:  swap black and white
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	partial := parseBool(q.Get("partial"))

	img, _, err := image.Decode(http.MaxBytesReader(w, r.Body, maxUpload))
	if err != nil {
		writeError(w, http.StatusBadRequest, "decode image: "+err.Error())
		return
	}
	if parseBool(q.Get("invert")) {
		img = invert(img)
	}

	if q.Has("x") || q.Has("y") {
		x, errX := parseInt(q.Get("x"))
		y, errY := parseInt(q.Get("y"))
		if err := errors.Join(errX, errY); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		b := img.Bounds()
		err = s.display.DrawRefresh(b.Sub(b.Min).Add(image.Pt(x, y)), img, b.Min, partial)
	} else {
		err = s.display.Show(img, partial)
	}
	if err != nil {
		appLog.Error("draw failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.panel.State())
}

// handleText renders the plain text body on a white panel.
//
// POST /api/text?partial=1&size=18
//   - size: font size in points (기본: render.text_size)
func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := convert.TextOptions{Size: s.cfg.Render.TextSize, Margin: s.cfg.Render.TextMargin}
	if v := q.Get("size"); v != "" {
		size, err := strconv.ParseFloat(v, 64)
		if err != nil || size < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid size %q", v))
			return
		}
		opts.Size = size
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxText))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	b := s.display.Bounds()
	img, err := convert.Text(string(body), b.Dx(), b.Dy(), opts)
	if err == nil {
		err = s.display.Show(img, parseBool(q.Get("partial")))
	}
	if err != nil {
		appLog.Error("text failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.panel.State())
}

// handleBattery exposes the battery status when a reader is configured.
func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	if s.battery == nil {
		writeError(w, http.StatusNotFound, "battery reader not configured")
		return
	}
	st, err := s.battery.Read(r.Context())
	if err != nil {
		appLog.Error("battery read failed", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	partial := parseBool(r.URL.Query().Get("partial"))
	s.run(w, "refresh", func(d *epd.Driver) error { return d.Refresh(partial) })
}

// handleClear fills the panel. value accepts decimal or 0x-prefixed hex
// (기본 0xFF, white).
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	value := epd.White
	if v := r.URL.Query().Get("value"); v != "" {
		n, err := strconv.ParseUint(v, 0, 8)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid value %q", v))
			return
		}
		value = byte(n)
	}
	s.run(w, "clear", func(d *epd.Driver) error { return d.ClearScreen(value) })
}

func (s *Server) handleSleep(w http.ResponseWriter, _ *http.Request) {
	s.run(w, "sleep", func(d *epd.Driver) error { return d.Hibernate() })
}

func (s *Server) run(w http.ResponseWriter, op string, fn func(d *epd.Driver) error) {
	if err := s.panel.Do(fn); err != nil {
		appLog.Error(op+" failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.panel.State())
}

// handlePreview serves the last image sent to the panel as PNG.
func (s *Server) handlePreview(w http.ResponseWriter, _ *http.Request) {
	img := s.display.Preview()
	if img == nil {
		http.Error(w, "nothing drawn yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, img); err != nil {
		appLog.Error("failed to write preview", err)
	}
}

func invert(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewNRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)
	for i := 0; i < len(out.Pix); i += 4 {
		out.Pix[i+0] = 0xFF - out.Pix[i+0]
		out.Pix[i+1] = 0xFF - out.Pix[i+1]
		out.Pix[i+2] = 0xFF - out.Pix[i+2]
	}
	return out
}

func parseBool(s string) bool {
	v, err := strconv.ParseBool(s)
	return err == nil && v
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
