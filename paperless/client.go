package paperless

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// tokenTransport adds the API token to every outgoing request.
type tokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.token == "" || req.Header.Get("Authorization") != "" {
		return base.RoundTrip(req)
	}
	// RoundTrippers must not modify the caller's request.
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Token "+t.token)
	return base.RoundTrip(r)
}

// authorizedClient returns a copy of c whose transport sends token.
func authorizedClient(c *http.Client, token string) *http.Client {
	if c == nil {
		c = http.DefaultClient
	}
	cp := *c
	cp.Transport = &tokenTransport{base: c.Transport, token: token}
	return &cp
}

// Client uploads documents to a single paperless-ngx server.
type Client struct {
	cfg          Config
	http         *http.Client
	timeout      time.Duration
	reachability Status
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client. Its transport is wrapped to
// add the token header.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithReachability records the last probe status; it is reported with
// network failures.
func WithReachability(s Status) Option {
	return func(cl *Client) {
		cl.reachability = s
	}
}

// WithTimeout overrides UploadTimeout.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// NewClient returns a client for cfg.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:          cfg.Normalized(),
		timeout:      UploadTimeout,
		reachability: StatusUnknown,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http = authorizedClient(c.http, c.cfg.Token)
	return c
}

// Config returns the normalized configuration the client uses.
func (c *Client) Config() Config { return c.cfg }

// Reachability returns the probe status the client was built with.
func (c *Client) Reachability() Status { return c.reachability }

// Upload is one document to send.
type Upload struct {
	PDF      []byte
	Filename string
	Title    string    // optional
	Created  time.Time // optional
}

// UploadResult is a successful upload.
type UploadResult struct {
	// TaskID is the consumption task or document identifier returned by
	// the server; empty when the body carried none.
	TaskID     string
	StatusCode int
	URL        string
}

// Upload sends the document in a single attempt bounded by the client
// timeout. Failures are returned as *Error.
func (c *Client) Upload(ctx context.Context, up Upload) (*UploadResult, error) {
	if c.cfg.Token == "" {
		return nil, ErrNoToken
	}
	if len(up.PDF) == 0 {
		return nil, ErrEmptyDocument
	}
	if up.Filename == "" {
		up.Filename = "document.pdf"
	}

	body, contentType, err := encodeForm(up)
	if err != nil {
		return nil, fmt.Errorf("encode upload: %w", err)
	}

	target := c.cfg.UploadURL()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: target, Reachability: c.reachability, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	logger := log.WithFields(logrus.Fields{
		"url":      target,
		"filename": up.Filename,
		"bytes":    len(up.PDF),
	})
	logger.Debug("Uploading document")

	resp, err := c.http.Do(req)
	if err != nil {
		e := c.transportError(target, err)
		logger.WithError(err).WithField("kind", e.Kind).Warn("Upload failed")
		return nil, e
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		e := c.transportError(target, err)
		e.StatusCode = resp.StatusCode
		logger.WithError(err).WithField("kind", e.Kind).Warn("Reading upload response failed")
		return nil, e
	}

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		res := &UploadResult{TaskID: parseTaskID(data), StatusCode: code, URL: target}
		logger.WithFields(logrus.Fields{"status": code, "task_id": res.TaskID}).Info("Document uploaded")
		return res, nil
	case code == http.StatusUnauthorized:
		logger.WithField("status", code).Warn("Upload rejected: bad token")
		return nil, &Error{Kind: KindAuth, StatusCode: code, URL: target}
	case code == http.StatusForbidden:
		logger.WithField("status", code).Warn("Upload rejected: insufficient permissions")
		return nil, &Error{Kind: KindPermission, StatusCode: code, URL: target}
	default:
		detail := parseDetail(data)
		logger.WithFields(logrus.Fields{"status": code, "detail": detail}).Warn("Upload rejected by server")
		return nil, &Error{Kind: KindServer, StatusCode: code, Detail: detail, URL: target}
	}
}

func (c *Client) transportError(target string, err error) *Error {
	kind := KindNetwork
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, URL: target, Reachability: c.reachability, Err: err}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// encodeForm builds the multipart body: the PDF as "document" plus the
// optional "title" and "created" fields.
func encodeForm(up Upload) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="document"; filename="%s"`, quoteEscaper.Replace(up.Filename)))
	h.Set("Content-Type", "application/pdf")
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(up.PDF); err != nil {
		return nil, "", err
	}

	if up.Title != "" {
		if err := mw.WriteField("title", up.Title); err != nil {
			return nil, "", err
		}
	}
	if !up.Created.IsZero() {
		if err := mw.WriteField("created", up.Created.Format(time.RFC3339)); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// parseTaskID accepts a bare JSON string (paperless-ngx returns the task
// UUID that way) or an object carrying task_id or id.
func parseTaskID(data []byte) string {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return ""
	}
	for _, key := range []string{"task_id", "id"} {
		switch v := obj[key].(type) {
		case string:
			return v
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

const maxDetailLen = 300

// parseDetail extracts the server's error description: the "detail" field
// verbatim when present, field errors of a validation response, or the
// trimmed body.
func parseDetail(data []byte) string {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err == nil {
		if d, ok := obj["detail"].(string); ok {
			return d
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var parts []string
		for _, k := range keys {
			switch v := obj[k].(type) {
			case string:
				parts = append(parts, k+": "+v)
			case []any:
				for _, item := range v {
					if s, ok := item.(string); ok {
						parts = append(parts, k+": "+s)
					}
				}
			}
		}
		return truncate(strings.Join(parts, "; "))
	}
	if bytes.HasPrefix(data, []byte("<")) {
		// HTML error pages are not useful to show.
		return ""
	}
	return truncate(string(data))
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxDetailLen {
		return s
	}
	r := []rune(s)
	return string(r[:maxDetailLen]) + "…"
}
