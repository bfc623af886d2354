package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Hint is the resolution requested from a camera. Cameras may ignore it;
// snapshot dimensions are always taken from the decoded frame.
type Hint struct {
	Width  int
	Height int
}

// DefaultHint asks for a 16:9 frame large enough to read small print.
var DefaultHint = Hint{Width: 2560, Height: 1440}

// Camera is an open network camera. In stream mode it reads an MJPEG
// (multipart/x-mixed-replace) feed in the background and keeps the latest
// frame; in still mode every snapshot fetches a fresh JPEG.
type Camera struct {
	url    string
	client *http.Client

	cancel context.CancelFunc
	done   chan struct{}
	ready  chan struct{}
	still  bool

	mu        sync.Mutex
	frame     []byte
	frameAt   time.Time
	streamErr error
	readyOnce sync.Once
	closeOnce sync.Once
}

// CameraOption configures OpenCamera.
type CameraOption func(*Camera)

// WithCameraClient sets the HTTP client used to reach the camera.
func WithCameraClient(c *http.Client) CameraOption {
	return func(cam *Camera) {
		cam.client = c
	}
}

// OpenCamera connects to the camera at rawURL. The stream stays open until
// Close is called; ctx only bounds the connection attempt.
func OpenCamera(ctx context.Context, rawURL string, hint Hint, opts ...CameraOption) (*Camera, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, &Error{Op: "open camera", Err: fmt.Errorf("%w: invalid camera URL %q", ErrCameraUnavailable, rawURL)}
	}
	q := u.Query()
	if hint.Width > 0 {
		q.Set("width", strconv.Itoa(hint.Width))
	}
	if hint.Height > 0 {
		q.Set("height", strconv.Itoa(hint.Height))
	}
	u.RawQuery = q.Encode()

	cam := &Camera{
		url:    u.String(),
		client: http.DefaultClient,
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(cam)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	cam.cancel = cancel
	stop := context.AfterFunc(ctx, cancel)

	resp, err := cam.get(streamCtx)
	stop()
	if err != nil {
		cancel()
		return nil, &Error{Op: "open camera", Err: err}
	}

	mediaType, params, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := strings.TrimPrefix(params["boundary"], "--")
		if boundary == "" {
			resp.Body.Close()
			cancel()
			return nil, &Error{Op: "open camera", Err: fmt.Errorf("%w: stream has no multipart boundary", ErrCameraUnavailable)}
		}
		go cam.readStream(resp.Body, boundary)
	case strings.HasPrefix(mediaType, "image/"):
		data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFileSize))
		resp.Body.Close()
		if err != nil {
			cancel()
			return nil, &Error{Op: "open camera", Err: fmt.Errorf("%w: %v", ErrCameraUnavailable, err)}
		}
		cam.still = true
		cam.store(data)
		close(cam.done)
	default:
		resp.Body.Close()
		cancel()
		return nil, &Error{Op: "open camera", Err: fmt.Errorf("%w: unsupported content type %q", ErrCameraUnavailable, mediaType)}
	}
	return cam, nil
}

func (c *Camera) get(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%w: access denied (HTTP %d)", ErrCameraUnavailable, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: HTTP %d", ErrCameraUnavailable, resp.StatusCode)
	}
	return resp, nil
}

func (c *Camera) readStream(body io.ReadCloser, boundary string) {
	defer close(c.done)
	defer body.Close()

	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			c.fail(err)
			return
		}
		data, err := readFrame(part)
		part.Close()
		if err != nil {
			c.fail(err)
			return
		}
		if len(data) > 0 {
			c.store(data)
		}
	}
}

// readFrame reads one frame. When the part declares its length the frame is
// complete as soon as those bytes arrive, without waiting for the next
// boundary.
func readFrame(part *multipart.Part) ([]byte, error) {
	if n, err := strconv.Atoi(part.Header.Get("Content-Length")); err == nil && n > 0 && n <= MaxFileSize {
		data := make([]byte, n)
		if _, err := io.ReadFull(part, data); err != nil {
			return nil, err
		}
		return data, nil
	}
	return io.ReadAll(io.LimitReader(part, MaxFileSize))
}

func (c *Camera) store(frame []byte) {
	c.mu.Lock()
	c.frame = frame
	c.frameAt = time.Now()
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *Camera) fail(err error) {
	c.mu.Lock()
	if c.streamErr == nil {
		c.streamErr = err
	}
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
}

// Snapshot decodes the most recent frame. In stream mode it waits for the
// first frame to arrive or ctx to end.
func (c *Camera) Snapshot(ctx context.Context) (CapturedImage, error) {
	if c.still {
		resp, err := c.get(ctx)
		if err != nil {
			return CapturedImage{}, &Error{Op: "snapshot", Err: err}
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFileSize))
		resp.Body.Close()
		if err != nil {
			return CapturedImage{}, &Error{Op: "snapshot", Err: fmt.Errorf("%w: %v", ErrCameraUnavailable, err)}
		}
		c.store(data)
		return DecodeBytes(data, SourceCamera)
	}

	select {
	case <-c.ready:
	case <-ctx.Done():
		return CapturedImage{}, &Error{Op: "snapshot", Err: fmt.Errorf("%w: no frame received: %v", ErrCameraUnavailable, ctx.Err())}
	}

	c.mu.Lock()
	frame, at, streamErr := c.frame, c.frameAt, c.streamErr
	c.mu.Unlock()
	if frame == nil {
		if streamErr == nil {
			streamErr = errors.New("stream closed")
		}
		return CapturedImage{}, &Error{Op: "snapshot", Err: fmt.Errorf("%w: %v", ErrCameraUnavailable, streamErr)}
	}
	img, err := DecodeBytes(frame, SourceCamera)
	if err != nil {
		return CapturedImage{}, err
	}
	img.CapturedAt = at
	return img, nil
}

// alive reports whether the camera can still deliver new frames.
func (c *Camera) alive() bool {
	if c.still {
		return true
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close releases the stream and waits for the reader to exit. It is safe to
// call more than once.
func (c *Camera) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
	})
	return nil
}

// CameraHolder owns at most one open camera. Opening a new stream releases
// the previous one first so device handles never leak.
type CameraHolder struct {
	mu   sync.Mutex
	cam  *Camera
	url  string
	hint Hint
	opts []CameraOption
}

// NewCameraHolder returns a holder for the camera at url. An empty url means
// no network camera is configured.
func NewCameraHolder(url string, hint Hint, opts ...CameraOption) *CameraHolder {
	return &CameraHolder{url: url, hint: hint, opts: opts}
}

// Enabled reports whether a camera URL is configured.
func (h *CameraHolder) Enabled() bool {
	return h != nil && h.url != ""
}

// Open closes any current stream and opens a new one.
func (h *CameraHolder) Open(ctx context.Context) (*Camera, error) {
	if !h.Enabled() {
		return nil, &Error{Op: "open camera", Err: fmt.Errorf("%w: no camera configured", ErrCameraUnavailable)}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.openLocked(ctx)
}

func (h *CameraHolder) openLocked(ctx context.Context) (*Camera, error) {
	if h.cam != nil {
		h.cam.Close()
		h.cam = nil
	}
	cam, err := OpenCamera(ctx, h.url, h.hint, h.opts...)
	if err != nil {
		return nil, err
	}
	h.cam = cam
	return cam, nil
}

// current returns the live stream, opening one if there is none. Concurrent
// callers share the stream opened by the first of them.
func (h *CameraHolder) current(ctx context.Context) (*Camera, error) {
	if !h.Enabled() {
		return nil, &Error{Op: "open camera", Err: fmt.Errorf("%w: no camera configured", ErrCameraUnavailable)}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cam != nil && h.cam.alive() {
		return h.cam, nil
	}
	return h.openLocked(ctx)
}

// Snapshot takes a frame from the current stream, opening one on first use.
func (h *CameraHolder) Snapshot(ctx context.Context) (CapturedImage, error) {
	cam, err := h.current(ctx)
	if err != nil {
		return CapturedImage{}, err
	}
	return cam.Snapshot(ctx)
}

// Close releases the current stream, if any.
func (h *CameraHolder) Close() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cam != nil {
		h.cam.Close()
		h.cam = nil
	}
	return nil
}
