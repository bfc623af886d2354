package cardscan

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eringen/cardscan/paperless"
)

var csrfAttr = regexp.MustCompile(`data-csrf="([^"]+)"`)

// fakePaperless answers probes with 200 and uploads with uploadStatus.
type fakePaperless struct {
	*httptest.Server
	uploads chan *http.Request
}

func newFakePaperless(t *testing.T, uploadStatus int, uploadBody string) *fakePaperless {
	t.Helper()
	f := &fakePaperless{uploads: make(chan *http.Request, 4)}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == paperless.DefaultUploadPath {
			assert.NoError(t, r.ParseMultipartForm(32<<20))
			f.uploads <- r
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(uploadStatus)
			io.WriteString(w, uploadBody)
			return
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{}`)
	}))
	t.Cleanup(f.Close)
	return f
}

type testClient struct {
	t    *testing.T
	base string
	http *http.Client
	csrf string
}

func setupTestApp(t *testing.T, paperlessURL string) (*App, *testClient) {
	t.Helper()
	cfg := Config{
		Paperless:     paperless.Config{BaseURL: paperlessURL, Token: "secret-token"},
		DatabasePath:  filepath.Join(t.TempDir(), "cardscan.db"),
		SessionSecret: "test-session-secret",
	}
	clock := func() time.Time { return time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC) }
	a := New(cfg, WithClock(clock))
	require.NoError(t, a.Setup())
	t.Cleanup(func() { a.Close() })
	a.runProbe(context.Background())

	srv := httptest.NewServer(a.Echo)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	c := &testClient{t: t, base: srv.URL, http: &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}

	code, body := c.do(http.MethodGet, "/", nil, "")
	require.Equal(t, http.StatusOK, code)
	m := csrfAttr.FindStringSubmatch(body)
	require.Len(t, m, 2, "csrf token missing from page")
	c.csrf = m[1]
	return a, c
}

func (c *testClient) do(method, path string, body io.Reader, contentType string) (int, string) {
	c.t.Helper()
	req, err := http.NewRequest(method, c.base+path, body)
	require.NoError(c.t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.csrf != "" {
		req.Header.Set("X-CSRF-Token", c.csrf)
	}
	resp, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, string(data)
}

func (c *testClient) addImage(data []byte, source string) (int, string) {
	c.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", "card.jpg")
	require.NoError(c.t, err)
	_, err = fw.Write(data)
	require.NoError(c.t, err)
	require.NoError(c.t, mw.WriteField("source", source))
	require.NoError(c.t, mw.Close())
	return c.do(http.MethodPost, "/images/", &buf, mw.FormDataContentType())
}

func cardJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func onlyTray(t *testing.T, a *App) *Tray {
	t.Helper()
	require.Equal(t, 1, a.Trays.Len())
	var tray *Tray
	a.Trays.mu.RLock()
	for _, tr := range a.Trays.trays {
		tray = tr
	}
	a.Trays.mu.RUnlock()
	return tray
}

func TestHealthz(t *testing.T) {
	_, c := setupTestApp(t, "http://127.0.0.1:1")
	code, body := c.do(http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, body)
}

func TestIndexRendersStatusAndEmptyTray(t *testing.T) {
	fake := newFakePaperless(t, http.StatusOK, `"task"`)
	_, c := setupTestApp(t, fake.URL)

	code, body := c.do(http.MethodGet, "/", nil, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "verbunden")
	assert.Contains(t, body, "Noch keine Bilder aufgenommen.")
	assert.Contains(t, body, fake.URL+"/api/documents/post_document/")
}

func TestStatusJSON(t *testing.T) {
	fake := newFakePaperless(t, http.StatusOK, `"task"`)
	_, c := setupTestApp(t, fake.URL)

	code, body := c.do(http.MethodGet, "/status/", nil, "")
	require.Equal(t, http.StatusOK, code)

	var got statusResponse
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, paperless.StatusAuthorized, got.Status)
	assert.Equal(t, "verbunden", got.Label)
	assert.Equal(t, "status status-ok", got.Class)
	assert.Equal(t, fake.URL, got.BaseURL)
	assert.False(t, got.Pending)
	assert.NotNil(t, got.CheckedAt)
}

func TestStatusUnreachable(t *testing.T) {
	_, c := setupTestApp(t, "http://127.0.0.1:1")

	_, body := c.do(http.MethodGet, "/status/", nil, "")
	var got statusResponse
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, paperless.StatusUnreachable, got.Status)
	assert.Contains(t, got.Diagnostic, "http://127.0.0.1:1")
}

func TestPostWithoutCSRFIsForbidden(t *testing.T) {
	_, c := setupTestApp(t, "http://127.0.0.1:1")
	c.csrf = ""
	code, _ := c.do(http.MethodPost, "/reset/", nil, "")
	assert.Equal(t, http.StatusForbidden, code)
}

func TestAddRemoveAndResetImages(t *testing.T) {
	a, c := setupTestApp(t, "http://127.0.0.1:1")

	code, body := c.addImage(cardJPEG(t, 64, 40), "camera")
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, body, "64×40 · camera")
	code, body = c.addImage(cardJPEG(t, 30, 50), "something-else")
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, body, "30×50 · file")

	tray := onlyTray(t, a)
	images := tray.View().Images
	require.Len(t, images, 2)

	code, thumb := c.do(http.MethodGet, ThumbURL(images[0].ID), nil, "")
	assert.Equal(t, http.StatusOK, code)
	_, err := jpeg.Decode(strings.NewReader(thumb))
	assert.NoError(t, err)

	code, body = c.do(http.MethodDelete, "/images/"+images[0].ID+"/", nil, "")
	assert.Equal(t, http.StatusOK, code)
	assert.NotContains(t, body, images[0].ID)
	assert.Contains(t, body, images[1].ID)

	code, _ = c.do(http.MethodDelete, "/images/"+images[0].ID+"/", nil, "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = c.do(http.MethodGet, ThumbURL(images[0].ID), nil, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = c.do(http.MethodPost, "/reset/", nil, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "Noch keine Bilder aufgenommen.")
	assert.Empty(t, tray.View().Images)
}

func TestAddImageRejectsGarbage(t *testing.T) {
	a, c := setupTestApp(t, "http://127.0.0.1:1")

	code, body := c.addImage([]byte("not an image"), "file")
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Contains(t, body, "Fehler bei der Bildverarbeitung")

	st := onlyTray(t, a).State()
	assert.Equal(t, PhaseError, st.Phase)
	assert.Equal(t, KindAcquisition, st.Kind)

	// The next capture clears the error.
	code, body = c.addImage(cardJPEG(t, 20, 20), "file")
	assert.Equal(t, http.StatusOK, code)
	assert.NotContains(t, body, "alert-error")
}

func TestSnapshotWithoutNetworkCamera(t *testing.T) {
	_, c := setupTestApp(t, "http://127.0.0.1:1")
	code, body := c.do(http.MethodPost, "/camera/snapshot/", nil, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body, "Kamera konnte nicht gestartet werden.")
}

func TestSendEmptyTray(t *testing.T) {
	fake := newFakePaperless(t, http.StatusOK, `"task"`)
	_, c := setupTestApp(t, fake.URL)

	code, body := c.do(http.MethodPost, "/send/", nil, "")
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Contains(t, body, "Keine Bilder zum Senden vorhanden.")
	assert.Empty(t, fake.uploads)
}

func TestSendUploadsDocumentAndClearsTray(t *testing.T) {
	fake := newFakePaperless(t, http.StatusOK, `"0b4c1c4e-task"`)
	a, c := setupTestApp(t, fake.URL)

	for i := 0; i < 2; i++ {
		code, body := c.addImage(cardJPEG(t, 80, 50), "camera")
		require.Equal(t, http.StatusOK, code, body)
	}

	code, body := c.do(http.MethodPost, "/send/", nil, "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, body, SuccessMessage)
	assert.Contains(t, body, "Noch keine Bilder aufgenommen.")

	var up *http.Request
	select {
	case up = <-fake.uploads:
	default:
		t.Fatal("no upload received")
	}
	assert.Equal(t, "Token secret-token", up.Header.Get("Authorization"))
	assert.Equal(t, "Visitenkarte 19.10.2026", up.FormValue("title"))
	f, fh, err := up.FormFile("document")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, "visitenkarte-20261019-093000.pdf", fh.Filename)
	pdf, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF-")))

	tray := onlyTray(t, a)
	assert.Empty(t, tray.View().Images)
	assert.Equal(t, PhaseIdle, tray.State().Phase)

	sends, err := a.Store.ListSends(10)
	require.NoError(t, err)
	require.Len(t, sends, 1)
	assert.Equal(t, OutcomeSent, sends[0].Outcome)
	assert.Equal(t, 2, sends[0].Pages)
	assert.Equal(t, "0b4c1c4e-task", sends[0].TaskID)
	assert.Equal(t, fake.URL, sends[0].BaseURL)

	code, body = c.do(http.MethodGet, "/history/", nil, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "Visitenkarte 19.10.2026")
	assert.Contains(t, body, "0b4c1c4e-task")
}

func TestSendAuthFailureKeepsImages(t *testing.T) {
	fake := newFakePaperless(t, http.StatusUnauthorized, `{"detail":"Invalid token."}`)
	a, c := setupTestApp(t, fake.URL)

	code, _ := c.addImage(cardJPEG(t, 40, 40), "file")
	require.Equal(t, http.StatusOK, code)

	code, body := c.do(http.MethodPost, "/send/", nil, "")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Contains(t, body, "Authentifizierungsfehler: Bitte überprüfen Sie Ihren API-Token")
	assert.Contains(t, body, `data-kind="auth"`)

	tray := onlyTray(t, a)
	assert.Len(t, tray.View().Images, 1)
	st := tray.State()
	assert.Equal(t, PhaseError, st.Phase)
	assert.Equal(t, KindAuth, st.Kind)

	sent, err := a.Store.CountSends(OutcomeSent)
	require.NoError(t, err)
	failed, err := a.Store.CountSends(OutcomeFailed)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 1, failed)
}

func TestSendRejectedWhileBusy(t *testing.T) {
	fake := newFakePaperless(t, http.StatusOK, `"task"`)
	a, c := setupTestApp(t, fake.URL)

	code, _ := c.addImage(cardJPEG(t, 40, 40), "file")
	require.Equal(t, http.StatusOK, code)

	tray := onlyTray(t, a)
	require.NoError(t, tray.Begin(PhaseUploading))

	code, body := c.do(http.MethodPost, "/send/", nil, "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body, "Bitte warten Sie")
	assert.Equal(t, PhaseUploading, tray.State().Phase)
	assert.Empty(t, fake.uploads)
}

func TestUnknownPageRendersNotFound(t *testing.T) {
	_, c := setupTestApp(t, "http://127.0.0.1:1")
	code, body := c.do(http.MethodGet, "/nope/", nil, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body, "Seite nicht gefunden")
}
