// Package paperless talks to a paperless-ngx document server: it uploads
// composed PDFs to the ingestion endpoint and probes whether the server is
// reachable with the configured token.
package paperless

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "paperless")

const (
	// DefaultBaseURL is used when no server URL is configured.
	DefaultBaseURL = "http://localhost:8000"
	// DefaultUploadPath is the paperless-ngx document ingestion endpoint.
	DefaultUploadPath = "/api/documents/post_document/"
	// LegacyUploadPath is accepted by some older deployments.
	LegacyUploadPath = "/api/documents/upload/"

	// UploadTimeout bounds a single upload attempt.
	UploadTimeout = 30 * time.Second
	// ProbeTimeout bounds each reachability attempt.
	ProbeTimeout = 5 * time.Second

	maxResponseSize = 1 << 20
)

var (
	// ErrNoToken is returned by Upload when no API token is configured.
	ErrNoToken = errors.New("no API token configured")
	// ErrEmptyDocument is returned by Upload when there is nothing to send.
	ErrEmptyDocument = errors.New("empty document")
)

// Config is the server configuration. It is read-only after startup; the
// probe returns a resolved base URL instead of changing it.
type Config struct {
	BaseURL    string
	Token      string
	UploadPath string
}

// NormalizeBaseURL trims whitespace and trailing slashes.
func NormalizeBaseURL(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), "/")
}

func (c *Config) setDefaults() {
	c.BaseURL = NormalizeBaseURL(c.BaseURL)
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.Token = strings.TrimSpace(c.Token)
	c.UploadPath = strings.TrimSpace(c.UploadPath)
	if c.UploadPath == "" {
		c.UploadPath = DefaultUploadPath
	}
	if !strings.HasPrefix(c.UploadPath, "/") {
		c.UploadPath = "/" + c.UploadPath
	}
}

// Normalized returns a copy of c with defaults applied.
func (c Config) Normalized() Config {
	c.setDefaults()
	return c
}

// UploadURL is the full ingestion endpoint URL.
func (c Config) UploadURL() string {
	c.setDefaults()
	return c.BaseURL + c.UploadPath
}

// Status is the result of a reachability probe.
type Status string

const (
	StatusUnknown      Status = "unknown"
	StatusAuthorized   Status = "reachable-authorized"
	StatusUnauthorized Status = "reachable-unauthorized"
	StatusUnreachable  Status = "unreachable"
)

// Label is the status as shown to the user.
func (s Status) Label() string {
	switch s {
	case StatusAuthorized:
		return "verbunden"
	case StatusUnauthorized:
		return "erreichbar, aber nicht autorisiert"
	case StatusUnreachable:
		return "nicht erreichbar"
	default:
		return "unbekannt"
	}
}

// Kind classifies upload failures.
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindAuth
	KindPermission
	KindServer
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindPermission:
		return "permission"
	case KindServer:
		return "server"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a failed upload.
type Error struct {
	Kind       Kind
	StatusCode int    // 0 when no response was received
	Detail     string // server-supplied detail, verbatim
	// Reachability is the last known probe status, reported with network
	// failures.
	Reachability Status
	URL          string
	Err          error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "paperless: upload to %s: %s", e.URL, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the user-facing description of the failure.
func (e *Error) Message() string {
	switch e.Kind {
	case KindNetwork:
		status := e.Reachability
		if status == "" {
			status = StatusUnknown
		}
		return fmt.Sprintf("Verbindungsfehler: Server-Status ist %q. Bitte überprüfen Sie die URL und Ihre Internetverbindung.", status.Label())
	case KindAuth:
		return "Authentifizierungsfehler: Bitte überprüfen Sie Ihren API-Token"
	case KindPermission:
		return "Zugriff verweigert: Keine ausreichenden Berechtigungen"
	case KindTimeout:
		return "Zeitüberschreitung beim Senden an Paperless-ngx"
	case KindServer:
		if e.Detail != "" {
			return "Server-Fehler: " + e.Detail
		}
		if e.StatusCode != 0 {
			return fmt.Sprintf("Fehler beim Senden an Paperless-ngx (HTTP %d)", e.StatusCode)
		}
	}
	return "Fehler beim Senden an Paperless-ngx"
}
