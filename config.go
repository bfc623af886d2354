package cardscan

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/eringen/cardscan/compose"
	"github.com/eringen/cardscan/paperless"
)

// Config holds all configuration for a cardscan server.
type Config struct {
	Paperless paperless.Config // document server; read-only after startup

	Addr         string // Listen address (default ":3000")
	DatabasePath string // SQLite send journal (default "data/cardscan.db")

	SessionSecret string // Required: session cookie secret
	CookieSecure  bool   // Set true for HTTPS

	CameraURL   string  // Optional MJPEG or still-image network camera
	TitlePrefix string  // Document title prefix (default "Visitenkarte")
	Usable      float64 // Share of the page an image may fill (default 0.95)

	TrayTTL        time.Duration // Idle session lifetime (default 30min)
	MaxImages      int           // Images per tray (default 20)
	SendsPerMinute int           // Per-session send limit (default 6)
}

func (c *Config) setDefaults() {
	c.Paperless = c.Paperless.Normalized()
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "data/cardscan.db"
	}
	if c.TitlePrefix == "" {
		c.TitlePrefix = DefaultTitlePrefix
	}
	if c.Usable <= 0 || c.Usable > 1 {
		c.Usable = compose.DefaultUsable
	}
	if c.TrayTTL == 0 {
		c.TrayTTL = 30 * time.Minute
	}
	if c.MaxImages == 0 {
		c.MaxImages = 20
	}
	if c.SendsPerMinute == 0 {
		c.SendsPerMinute = 6
	}
}

// ConfigFromEnv reads the configuration from environment variables.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Paperless: paperless.Config{
			BaseURL:    EnvOr("PAPERLESS_URL", paperless.DefaultBaseURL),
			Token:      EnvOr("PAPERLESS_TOKEN", ""),
			UploadPath: EnvOr("PAPERLESS_UPLOAD_PATH", paperless.DefaultUploadPath),
		},
		Addr:          EnvOr("CARDSCAN_ADDR", ":3000"),
		DatabasePath:  EnvOr("CARDSCAN_DB", "data/cardscan.db"),
		SessionSecret: EnvOr("SESSION_SECRET", ""),
		CameraURL:     EnvOr("CAMERA_URL", ""),
		TitlePrefix:   EnvOr("CARDSCAN_TITLE_PREFIX", DefaultTitlePrefix),
	}

	if v := EnvOr("COOKIE_SECURE", ""); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("COOKIE_SECURE: %w", err)
		}
		cfg.CookieSecure = b
	}
	if v := EnvOr("CARDSCAN_MARGIN", ""); v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return Config{}, fmt.Errorf("CARDSCAN_MARGIN: %w", err)
		}
		if f <= 0 || f > 1 {
			return Config{}, fmt.Errorf("CARDSCAN_MARGIN: %v is outside (0, 1]", f)
		}
		cfg.Usable = f
	}

	cfg.setDefaults()
	return cfg, nil
}

// Option configures additional App behavior.
type Option func(*App)

// WithCustomRoutes registers additional routes on the Echo instance.
// The callback receives the App before the server starts.
func WithCustomRoutes(fn func(*App)) Option {
	return func(a *App) {
		a.customRoutes = append(a.customRoutes, fn)
	}
}

// WithHTTPClient sets the client used to reach the document server.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) {
		a.httpClient = c
	}
}

// WithViews replaces the default page components.
func WithViews(v ViewFuncs) Option {
	return func(a *App) {
		a.Views = v
	}
}

// WithClock sets the time source used for document titles.
func WithClock(now func() time.Time) Option {
	return func(a *App) {
		a.now = now
	}
}
