// Package cardscan is a business card scanner built with Go, Echo, and templ.
// Cards are captured with the browser camera, a network camera or a file
// upload, composed into a PDF with one page per card, and sent to a
// paperless-ngx server.
package cardscan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/a-h/templ"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/eringen/cardscan/acquire"
	"github.com/eringen/cardscan/paperless"
	"github.com/eringen/cardscan/views"
)

// ViewFuncs holds the page components the handlers render.
type ViewFuncs struct {
	Scanner     func(p views.Page) templ.Component
	Tray        func(t views.Tray) templ.Component
	History     func(h views.History) templ.Component
	NotFound    func() templ.Component
	ServerError func() templ.Component
}

// DefaultViews returns the built-in components.
func DefaultViews() ViewFuncs {
	return ViewFuncs{
		Scanner:     views.Scanner,
		Tray:        views.TrayPartial,
		History:     views.HistoryPage,
		NotFound:    views.NotFound,
		ServerError: views.ServerError,
	}
}

// App is the central cardscan application. It wires together the tray
// store, send journal, camera, document server client and handlers.
type App struct {
	Config Config
	Echo   *echo.Echo
	Store  *Store
	Trays  *TrayStore
	Camera *acquire.CameraHolder
	Views  ViewFuncs

	sendLimiter  *SendLimiter
	probe        atomic.Pointer[paperless.ProbeResult]
	httpClient   *http.Client
	customRoutes []func(*App)
	stopSweeper  func()
	now          func() time.Time
}

// New creates a new App with the given configuration.
func New(cfg Config, opts ...Option) *App {
	cfg.setDefaults()

	a := &App{
		Config: cfg,
		Echo:   echo.New(),
		Views:  DefaultViews(),
		now:    time.Now,
	}
	a.Echo.HideBanner = true
	a.Echo.HidePort = true

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Setup opens the journal, creates the session trays, installs middleware
// and routes. It does not listen or probe the document server.
func (a *App) Setup() error {
	if a.Config.SessionSecret == "" {
		return fmt.Errorf("cardscan: SessionSecret is required")
	}
	if a.Config.Paperless.Token == "" {
		log.Warn("No PAPERLESS_TOKEN configured; sending will fail until one is set")
	}

	store, err := NewStore(a.Config.DatabasePath)
	if err != nil {
		return fmt.Errorf("cardscan: init store: %w", err)
	}
	a.Store = store

	a.Trays = NewTrayStore(a.Config.TrayTTL, a.Config.MaxImages)
	a.stopSweeper = a.Trays.StartSweeper(time.Minute)

	a.sendLimiter = NewSendLimiter(a.Config.SendsPerMinute, time.Minute)

	var camOpts []acquire.CameraOption
	if a.httpClient != nil {
		camOpts = append(camOpts, acquire.WithCameraClient(a.httpClient))
	}
	a.Camera = acquire.NewCameraHolder(a.Config.CameraURL, acquire.DefaultHint, camOpts...)

	a.setupMiddleware()
	a.setupRoutes()

	for _, fn := range a.customRoutes {
		fn(a)
	}
	return nil
}

// Start sets the app up, probes the document server in the background and
// serves until the server is shut down.
func (a *App) Start() error {
	if err := a.Setup(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.runProbe(ctx)

	log.WithFields(logrus.Fields{
		"addr":      a.Config.Addr,
		"paperless": a.Config.Paperless.BaseURL,
		"camera":    a.Camera.Enabled(),
	}).Info("Starting cardscan")

	if err := a.Echo.Start(a.Config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *App) setupRoutes() {
	e := a.Echo

	assets, _ := fs.Sub(EmbeddedAssets, "embedded")
	e.GET("/static/*", echo.WrapHandler(http.StripPrefix("/static/", http.FileServer(http.FS(assets)))))

	e.GET("/healthz", handleHealthz)
	e.GET("/", a.handleIndex)
	e.GET("/status/", a.handleStatus)
	e.GET("/history/", a.handleHistory)

	e.POST("/images/", a.handleAddImage)
	e.POST("/camera/snapshot/", a.handleCameraSnapshot)
	e.GET("/images/:id/thumb", a.handleThumb)
	e.DELETE("/images/:id/", a.handleRemoveImage)
	e.POST("/reset/", a.handleReset)
	e.POST("/send/", a.handleSend)
}

// runProbe checks the document server once and publishes the result.
func (a *App) runProbe(ctx context.Context) paperless.ProbeResult {
	var opts []paperless.ProbeOption
	if a.httpClient != nil {
		opts = append(opts, paperless.WithProbeClient(a.httpClient))
	}
	res := paperless.Probe(ctx, a.Config.Paperless, opts...)
	a.probe.Store(&res)
	if res.Status == paperless.StatusUnreachable {
		log.Warn(res.Diagnostic)
	}
	return res
}

// Probe returns the latest probe result. Until the first probe finishes the
// status is unknown and the configured base URL applies.
func (a *App) Probe() paperless.ProbeResult {
	if res := a.probe.Load(); res != nil {
		return *res
	}
	return paperless.ProbeResult{
		Status:  paperless.StatusUnknown,
		BaseURL: a.Config.Paperless.BaseURL,
	}
}

// client returns an upload client for the resolved server base URL.
func (a *App) client() *paperless.Client {
	res := a.Probe()
	opts := []paperless.Option{paperless.WithReachability(res.Status)}
	if a.httpClient != nil {
		opts = append(opts, paperless.WithHTTPClient(a.httpClient))
	}
	return paperless.NewClient(res.Apply(a.Config.Paperless), opts...)
}

// Shutdown stops the HTTP server and releases all resources.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.Echo.Shutdown(ctx)
	if cerr := a.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close cleans up resources. Call this when the app is shutting down.
func (a *App) Close() error {
	if a.stopSweeper != nil {
		a.stopSweeper()
	}
	if a.sendLimiter != nil {
		a.sendLimiter.Stop()
	}
	if a.Camera != nil {
		a.Camera.Close()
	}
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}

// EnvOr returns the value of the environment variable key, or fallback if empty.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// MustEnv returns the value of the environment variable key, or fatally exits if empty.
func MustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("cardscan: required environment variable %s is not set", key)
	}
	return v
}
