package paperless

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Candidate is one URL tried by the probe and the base URL it implies.
type Candidate struct {
	URL     string
	BaseURL string
}

// Candidates lists the probe URLs for base in the order they are tried.
func Candidates(base string) []Candidate {
	base = NormalizeBaseURL(base)
	nested := base + "/paperless"
	return []Candidate{
		{URL: base + "/api/", BaseURL: base},
		{URL: nested + "/api/", BaseURL: nested},
		{URL: base + "/api/documents/", BaseURL: base},
		{URL: nested + "/api/documents/", BaseURL: nested},
	}
}

// ProbeResult is the immutable outcome of a probe.
type ProbeResult struct {
	Status Status
	// BaseURL is the base to use for uploads. It differs from the configured
	// one when the server answered under a /paperless prefix.
	BaseURL    string
	URL        string // candidate that answered
	HTTPStatus int
	Diagnostic string // set when unreachable
	Err        error
	CheckedAt  time.Time
}

// Apply returns a copy of cfg using the resolved base URL.
func (r ProbeResult) Apply(cfg Config) Config {
	if r.BaseURL != "" {
		cfg.BaseURL = r.BaseURL
	}
	return cfg
}

type prober struct {
	client  *http.Client
	timeout time.Duration
}

// ProbeOption configures Probe.
type ProbeOption func(*prober)

// WithProbeClient sets the HTTP client used for probe requests.
func WithProbeClient(c *http.Client) ProbeOption {
	return func(p *prober) {
		p.client = c
	}
}

// WithProbeTimeout overrides ProbeTimeout.
func WithProbeTimeout(d time.Duration) ProbeOption {
	return func(p *prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// Probe tries each candidate URL in turn. The first HTTP response of any
// kind ends the probe: 2xx means reachable and authorized, anything else
// reachable but not authorized. When every candidate fails at the network
// level the server is unreachable.
func Probe(ctx context.Context, cfg Config, opts ...ProbeOption) ProbeResult {
	cfg = cfg.Normalized()
	p := &prober{timeout: ProbeTimeout}
	for _, opt := range opts {
		opt(p)
	}
	client := authorizedClient(p.client, cfg.Token)

	logger := log.WithField("base_url", cfg.BaseURL)
	logger.WithField("token", cfg.Token != "").Info("Probing server")

	var lastErr error
	for _, cand := range Candidates(cfg.BaseURL) {
		code, err := p.try(ctx, client, cand.URL)
		if err != nil {
			logger.WithError(err).WithField("url", cand.URL).Debug("Candidate failed")
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		res := ProbeResult{
			URL:        cand.URL,
			HTTPStatus: code,
			BaseURL:    cfg.BaseURL,
			CheckedAt:  time.Now(),
		}
		if code >= 200 && code < 300 {
			res.Status = StatusAuthorized
			res.BaseURL = cand.BaseURL
		} else {
			res.Status = StatusUnauthorized
		}
		logger.WithFields(logrus.Fields{
			"url":      cand.URL,
			"status":   code,
			"result":   res.Status,
			"resolved": res.BaseURL,
		}).Info("Server answered")
		return res
	}

	if lastErr == nil {
		lastErr = errors.New("no candidate URL answered")
	}
	logger.WithError(lastErr).Warn("Server unreachable")
	return ProbeResult{
		Status:     StatusUnreachable,
		BaseURL:    cfg.BaseURL,
		Diagnostic: diagnostic(cfg.BaseURL, lastErr),
		Err:        lastErr,
		CheckedAt:  time.Now(),
	}
}

func (p *prober) try(ctx context.Context, client *http.Client, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
	resp.Body.Close()
	return resp.StatusCode, nil
}

func diagnostic(base string, err error) string {
	return fmt.Sprintf(`Server nicht erreichbar. Bitte überprüfen Sie:
1. Ist die URL korrekt? (%s)
2. Läuft der Paperless-ngx Server?
3. Ist der Server von außen erreichbar?
4. Fehler: %v`, base, err)
}
