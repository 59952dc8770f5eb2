// Package server exposes the identification pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"photomatch/internal/domain"
	"photomatch/internal/embedding"
	"photomatch/internal/service"
)

const requestIDHeader = "X-Request-ID"

// Matcher is the pipeline surface served over HTTP.
type Matcher interface {
	domain.Identifier
	Records(ctx context.Context) ([]domain.EmbeddingRecord, error)
	Record(ctx context.Context, id string) (domain.EmbeddingRecord, error)
	ExpectedDimension(ctx context.Context) (int, error)
	Reload(ctx context.Context) (int, error)
	Status() service.Status
	Threshold() float64
}

// Upserter adds a catalogue image to the embedding database.
type Upserter interface {
	Upsert(ctx context.Context, id, imagePath, locator string) (domain.RawRecord, error)
}

type Config struct {
	MaxUploadBytes int64
	// ImagesDir and URLPrefix are used by the upload route to store new
	// catalogue images.
	ImagesDir string
	URLPrefix string
}

type Server struct {
	matcher  Matcher
	upserter Upserter
	gatherer prometheus.Gatherer
	cfg      Config
	log      *slog.Logger
	engine   *gin.Engine
}

// New builds the router. upserter may be nil, which disables uploads;
// gatherer may be nil, which disables /metrics.
func New(m Matcher, upserter Upserter, gatherer prometheus.Gatherer, cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 16 << 20
	}
	s := &Server{matcher: m, upserter: upserter, gatherer: gatherer, cfg: cfg, log: log}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.accessLog())
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	r.GET("/healthz", s.health)
	r.POST("/identify", s.identify)
	api := r.Group("/api")
	{
		api.GET("/embeddings", s.listEmbeddings)
		api.GET("/embeddings/:id", s.getEmbedding)
		api.GET("/meta/dimension", s.dimension)
		api.POST("/reload", s.reload)
		if upserter != nil {
			api.POST("/embeddings", s.upload)
		}
	}
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			"request_id", c.GetString("request_id"),
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"took", time.Since(start))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "pipeline": s.matcher.Status()})
}

type identifyResponse struct {
	RequestID string               `json:"request_id"`
	Threshold float64              `json:"threshold"`
	Decision  domain.MatchDecision `json:"decision"`
}

func (s *Server) identify(c *gin.Context) {
	data, name, ok := s.readPhoto(c)
	if !ok {
		return
	}
	d, err := s.matcher.IdentifyFromImage(c.Request.Context(), domain.Image{Name: name, Data: data})
	if err != nil {
		var exErr *embedding.ExtractionError
		if errors.As(err, &exErr) {
			s.fail(c, http.StatusUnprocessableEntity, err)
			return
		}
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, identifyResponse{
		RequestID: c.GetString("request_id"),
		Threshold: s.matcher.Threshold(),
		Decision:  d,
	})
}

type embeddingView struct {
	ID     string    `json:"id"`
	Image  string    `json:"image"`
	Vector []float64 `json:"vector,omitempty"`
}

func (s *Server) listEmbeddings(c *gin.Context) {
	records, err := s.matcher.Records(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	withVectors := c.DefaultQuery("vectors", "true") != "false"
	out := make([]embeddingView, 0, len(records))
	for _, r := range records {
		v := embeddingView{ID: r.ID, Image: r.Image}
		if withVectors {
			v.Vector = r.Vector
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getEmbedding(c *gin.Context) {
	r, err := s.matcher.Record(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
			return
		}
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, embeddingView{ID: r.ID, Image: r.Image, Vector: r.Vector})
}

func (s *Server) dimension(c *gin.Context) {
	n, err := s.matcher.ExpectedDimension(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusServiceUnavailable, err)
		return
	}
	if n == 0 {
		c.JSON(http.StatusOK, gin.H{"dimension": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dimension": n})
}

func (s *Server) reload(c *gin.Context) {
	n, err := s.matcher.Reload(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": n})
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// upload stores a new catalogue image under ImagesDir and embeds it.
func (s *Server) upload(c *gin.Context) {
	data, name, ok := s.readPhoto(c)
	if !ok {
		return
	}
	id := c.PostForm("id")
	if !idPattern.MatchString(id) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "id must be 1-128 characters of letters, digits, '.', '_' or '-'"})
		return
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = ".jpg"
	}
	file := id + ext
	locator := strings.TrimRight(s.cfg.URLPrefix, "/") + "/" + file
	tmp, err := s.stage(id, ext, data)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	rec, err := s.upserter.Upsert(c.Request.Context(), id, tmp, locator)
	if err != nil {
		_ = os.Remove(tmp)
		var exErr *embedding.ExtractionError
		if errors.As(err, &exErr) {
			s.fail(c, http.StatusUnprocessableEntity, err)
			return
		}
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if err := os.Rename(tmp, filepath.Join(s.cfg.ImagesDir, file)); err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	s.removeStale(id, file)
	if _, err := s.matcher.Reload(c.Request.Context()); err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": rec.ID, "image": rec.Image, "dimension": len(rec.Vector)})
}

// stage writes an uploaded photo to a hidden temporary file in ImagesDir.
func (s *Server) stage(id, ext string, data []byte) (string, error) {
	if err := os.MkdirAll(s.cfg.ImagesDir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(s.cfg.ImagesDir, "."+id+"-*"+ext)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// removeStale deletes earlier uploads of id stored under another extension.
func (s *Server) removeStale(id, keep string) {
	entries, err := os.ReadDir(s.cfg.ImagesDir)
	if err != nil {
		s.log.Warn("list images", "dir", s.cfg.ImagesDir, "error", err)
		return
	}
	for _, e := range entries {
		name := e.Name()
		if name == keep || !e.Type().IsRegular() || strings.TrimSuffix(name, filepath.Ext(name)) != id {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.ImagesDir, name)); err != nil {
			s.log.Warn("remove stale image", "file", name, "error", err)
		}
	}
}

// readPhoto reads the "photo" multipart field. It writes the error response
// itself and reports false on failure.
func (s *Server) readPhoto(c *gin.Context) ([]byte, string, bool) {
	if c.Request.ContentLength > s.cfg.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"message": "photo exceeds upload limit"})
		return nil, "", false
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes)
	fh, err := c.FormFile("photo")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"message": "photo exceeds upload limit"})
			return nil, "", false
		}
		c.JSON(http.StatusBadRequest, gin.H{"message": "multipart field \"photo\" is required"})
		return nil, "", false
	}
	f, err := fh.Open()
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return nil, "", false
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return nil, "", false
	}
	return data, fh.Filename, true
}

func (s *Server) fail(c *gin.Context, status int, err error) {
	s.log.Error("request failed",
		"request_id", c.GetString("request_id"),
		"path", c.FullPath(),
		"status", status,
		"error", err)
	c.JSON(status, gin.H{"message": err.Error(), "request_id": c.GetString("request_id")})
}
