// Package server exposes image validation over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/andresmejia3/faceguard/internal/store"
	"github.com/andresmejia3/faceguard/internal/types"
	"github.com/andresmejia3/faceguard/internal/validator"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Registry validates and records uploads.
type Registry interface {
	Register(ctx context.Context, filename string, data []byte) (validator.Decision, *types.Record, error)
}

// Records is the read side of the store.
type Records interface {
	Get(ctx context.Context, id string) (*types.Record, error)
	List(ctx context.Context) ([]types.Record, error)
}

type Options struct {
	GinMode      string
	AllowOrigins []string
	MaxUploadMB  int64
	// MediaRoot, when set, is served under /media.
	MediaRoot string
}

type Server struct {
	engine    *gin.Engine
	registry  Registry
	records   Records
	log       *zap.Logger
	maxUpload int64
}

func New(opts Options, registry Registry, records Records, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.GinMode != "" {
		gin.SetMode(opts.GinMode)
	}
	if opts.MaxUploadMB <= 0 {
		opts.MaxUploadMB = 15
	}

	s := &Server{
		engine:    gin.New(),
		registry:  registry,
		records:   records,
		log:       log,
		maxUpload: opts.MaxUploadMB << 20,
	}

	s.engine.Use(gin.Recovery(), requestLogger(log))
	if len(opts.AllowOrigins) > 0 {
		s.engine.Use(cors.New(cors.Config{
			AllowOrigins:  opts.AllowOrigins,
			AllowMethods:  []string{"GET", "POST"},
			AllowHeaders:  []string{"Origin", "Content-Type", "User-Agent"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}
	s.engine.MaxMultipartMemory = s.maxUpload

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/images", s.upload)
		v1.GET("/images", s.list)
		v1.GET("/images/:id", s.get)
	}
	if opts.MediaRoot != "" {
		media := s.engine.Group("/media", noSniff)
		media.Static("/", opts.MediaRoot)
	}

	s.engine.GET("/ping", func(c *gin.Context) {
		respond(c, http.StatusOK, "pong!", nil, nil)
	})
	s.engine.NoRoute(func(c *gin.Context) {
		respond(c, http.StatusNotFound, fmt.Sprintf("%s %s does not exist", c.Request.Method, c.Request.URL), nil, nil)
	})

	return s
}

// noSniff stops browsers from second-guessing the Content-Type of stored
// uploads.
func noSniff(c *gin.Context) {
	c.Header("X-Content-Type-Options", "nosniff")
	c.Next()
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server starting", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.log.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// uploadForm only binds the file; any client-supplied verdict fields are ignored.
type uploadForm struct {
	Image *multipart.FileHeader `form:"image" binding:"required"`
}

type rejection struct {
	IsValid           bool   `json:"is_valid"`
	ValidationMessage string `json:"validation_message"`
}

func (s *Server) upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload)

	var form uploadForm
	if err := c.ShouldBind(&form); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, rejection{
				ValidationMessage: fmt.Sprintf("Image exceeds the %d MB upload limit", s.maxUpload>>20),
			})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, rejection{ValidationMessage: "No image provided"})
		return
	}

	data, err := readFile(form.Image)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, rejection{ValidationMessage: "Error processing image: " + err.Error()})
		return
	}

	decision, rec, err := s.registry.Register(c.Request.Context(), form.Image.Filename, data)
	switch {
	case errors.Is(err, validator.ErrNoImage):
		c.AbortWithStatusJSON(http.StatusBadRequest, rejection{ValidationMessage: "No image provided"})
		return
	case err != nil:
		s.log.Error("could not store validated image", zap.Error(err))
		respond(c, http.StatusInternalServerError, "could not store image", nil, []error{err})
		return
	case !decision.Accepted:
		c.AbortWithStatusJSON(http.StatusBadRequest, rejection{ValidationMessage: decision.Message})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) list(c *gin.Context) {
	records, err := s.records.List(c.Request.Context())
	if err != nil {
		s.log.Error("could not list images", zap.Error(err))
		respond(c, http.StatusInternalServerError, "could not list images", nil, []error{err})
		return
	}
	if records == nil {
		records = []types.Record{}
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) get(c *gin.Context) {
	rec, err := s.records.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		respond(c, http.StatusNotFound, "image not found", nil, nil)
		return
	}
	if err != nil {
		s.log.Error("could not fetch image", zap.Error(err))
		respond(c, http.StatusInternalServerError, "could not fetch image", nil, []error{err})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// respond sends the {message, body, errors} envelope used for everything
// that is not a record.
func respond(c *gin.Context, code int, message string, payload any, errs []error) {
	c.Abort()
	response := gin.H{
		"message": message,
		"body":    payload,
	}
	if errs != nil {
		msgs := make([]string, 0, len(errs))
		for _, err := range errs {
			msgs = append(msgs, err.Error())
		}
		response["errors"] = msgs
	}
	c.JSON(code, response)
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
