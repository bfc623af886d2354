package cardscan

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/eringen/cardscan/acquire"
	"github.com/eringen/cardscan/paperless"
	"github.com/eringen/cardscan/views"
)

const (
	pageTitle      = "Visitenkarten Scanner"
	thumbWidth     = 320
	historyLimit   = 50
	snapshotBudget = 15 * time.Second
)

func handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// tray returns the tray of the current session.
func (a *App) tray(c echo.Context) (*Tray, error) {
	id, err := trayID(c)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return a.Trays.Get(id), nil
}

func (a *App) handleIndex(c echo.Context) error {
	t, err := a.tray(c)
	if err != nil {
		return err
	}
	return Render(c, a.Views.Scanner(views.Page{
		Title:         pageTitle,
		CSRFToken:     CsrfToken(c),
		Status:        a.statusView(),
		Tray:          a.trayView(t.View(), nil),
		CameraEnabled: a.Camera.Enabled(),
		UploadURL:     a.Probe().Apply(a.Config.Paperless).UploadURL(),
	}))
}

type statusResponse struct {
	Status     paperless.Status `json:"status"`
	Label      string           `json:"label"`
	Class      string           `json:"class"`
	BaseURL    string           `json:"base_url"`
	UploadURL  string           `json:"upload_url"`
	Pending    bool             `json:"pending"`
	HTTPStatus int              `json:"http_status,omitempty"`
	Diagnostic string           `json:"diagnostic,omitempty"`
	CheckedAt  *time.Time       `json:"checked_at,omitempty"`
}

func (a *App) handleStatus(c echo.Context) error {
	res := a.Probe()
	resp := statusResponse{
		Status:     res.Status,
		Label:      res.Status.Label(),
		Class:      views.StatusClass(string(res.Status)),
		BaseURL:    res.BaseURL,
		UploadURL:  res.Apply(a.Config.Paperless).UploadURL(),
		Pending:    res.Status == paperless.StatusUnknown,
		HTTPStatus: res.HTTPStatus,
		Diagnostic: res.Diagnostic,
	}
	if !res.CheckedAt.IsZero() {
		resp.CheckedAt = &res.CheckedAt
	}
	return c.JSON(http.StatusOK, resp)
}

func (a *App) handleHistory(c echo.Context) error {
	records, err := a.Store.ListSends(historyLimit)
	if err != nil {
		return err
	}
	sent, err := a.Store.CountSends(OutcomeSent)
	if err != nil {
		return err
	}
	failedCount, err := a.Store.CountSends(OutcomeFailed)
	if err != nil {
		return err
	}
	h := views.History{
		Title:  "Verlauf",
		Status: a.statusView(),
		Sent:   sent,
		Failed: failedCount,
	}
	for _, r := range records {
		h.Sends = append(h.Sends, views.Send{
			Title:     r.Title,
			Filename:  r.Filename,
			Pages:     r.Pages,
			Bytes:     r.Bytes,
			TaskID:    r.TaskID,
			Outcome:   r.Outcome,
			Message:   r.Message,
			CreatedAt: r.CreatedAt,
		})
	}
	return Render(c, a.Views.History(h))
}

func (a *App) handleAddImage(c echo.Context) error {
	t, err := a.tray(c)
	if err != nil {
		return err
	}

	file, err := c.FormFile("image")
	if err != nil {
		return a.renderTray(c, http.StatusBadRequest, t,
			&acquire.Error{Op: "upload", Err: fmt.Errorf("%w: no image provided", acquire.ErrDecode)})
	}
	if file.Size > acquire.MaxFileSize {
		return a.renderTray(c, http.StatusRequestEntityTooLarge, t,
			&acquire.Error{Op: "upload", Err: fmt.Errorf("%w: file too large", acquire.ErrDecode)})
	}
	src := acquire.SourceFile
	if acquire.Source(c.FormValue("source")) == acquire.SourceCamera {
		src = acquire.SourceCamera
	}

	if err := t.Begin(PhaseCapturing); err != nil {
		return a.renderTray(c, http.StatusConflict, t, err)
	}
	f, err := file.Open()
	if err != nil {
		t.Fail(err)
		return err
	}
	defer f.Close()

	img, err := acquire.Decode(f, src)
	if err != nil {
		t.Fail(err)
		log.WithError(err).WithField("filename", file.Filename).Info("Rejected image")
		return a.renderTray(c, http.StatusUnprocessableEntity, t, nil)
	}
	if err := t.Captured(img); err != nil {
		return a.renderTray(c, http.StatusUnprocessableEntity, t, nil)
	}

	log.WithFields(logrus.Fields{
		"tray":   t.ID,
		"image":  img.ID,
		"source": img.Source,
		"format": img.Format,
		"size":   fmt.Sprintf("%dx%d", img.Width, img.Height),
	}).Debug("Image added")
	return a.renderTray(c, http.StatusOK, t, nil)
}

func (a *App) handleCameraSnapshot(c echo.Context) error {
	t, err := a.tray(c)
	if err != nil {
		return err
	}
	if !a.Camera.Enabled() {
		return a.renderTray(c, http.StatusNotFound, t,
			&acquire.Error{Op: "snapshot", Err: acquire.ErrCameraUnavailable})
	}
	if err := t.Begin(PhaseCapturing); err != nil {
		return a.renderTray(c, http.StatusConflict, t, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), snapshotBudget)
	defer cancel()
	img, err := a.Camera.Snapshot(ctx)
	if err != nil {
		t.Fail(err)
		log.WithError(err).Warn("Camera snapshot failed")
		return a.renderTray(c, http.StatusBadGateway, t, nil)
	}
	if err := t.Captured(img); err != nil {
		return a.renderTray(c, http.StatusUnprocessableEntity, t, nil)
	}
	return a.renderTray(c, http.StatusOK, t, nil)
}

func (a *App) handleThumb(c echo.Context) error {
	t, err := a.tray(c)
	if err != nil {
		return err
	}
	data, err := t.Thumbnail(c.Param("id"), thumbWidth)
	if errors.Is(err, ErrImageNotFound) {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "image/jpeg", data)
}

func (a *App) handleRemoveImage(c echo.Context) error {
	t, err := a.tray(c)
	if err != nil {
		return err
	}
	switch err := t.Remove(c.Param("id")); {
	case errors.Is(err, ErrBusy):
		return a.renderTray(c, http.StatusConflict, t, err)
	case errors.Is(err, ErrImageNotFound):
		return a.renderTray(c, http.StatusNotFound, t, err)
	}
	return a.renderTray(c, http.StatusOK, t, nil)
}

func (a *App) handleReset(c echo.Context) error {
	t, err := a.tray(c)
	if err != nil {
		return err
	}
	if err := t.Reset(); err != nil {
		return a.renderTray(c, http.StatusConflict, t, err)
	}
	return a.renderTray(c, http.StatusOK, t, nil)
}

func (a *App) handleSend(c echo.Context) error {
	t, err := a.tray(c)
	if err != nil {
		return err
	}

	images, err := t.BeginSend()
	switch {
	case errors.Is(err, ErrBusy):
		return a.renderTray(c, http.StatusConflict, t, err)
	case err != nil:
		return a.renderTray(c, http.StatusUnprocessableEntity, t, err)
	}
	if !a.sendLimiter.Allow(t.ID) {
		t.Done(nil, "")
		return a.renderTray(c, http.StatusTooManyRequests, t, errTooManySends)
	}

	now := a.now()
	client := a.client()
	res, err := Send(c.Request().Context(), client, images, SendOptions{
		TitlePrefix: a.Config.TitlePrefix,
		Usable:      a.Config.Usable,
		Now:         now,
	}, t.Advance)
	if err != nil {
		st := t.Fail(err)
		log.WithError(err).WithFields(logrus.Fields{
			"tray": t.ID,
			"kind": st.Kind,
		}).Warn("Send failed")
		a.record(SendRecord{
			Title:     DocumentTitle(a.Config.TitlePrefix, now),
			Filename:  DocumentFilename(a.Config.TitlePrefix, now),
			Pages:     len(images),
			Outcome:   OutcomeFailed,
			Kind:      st.Kind,
			Message:   st.Message,
			BaseURL:   client.Config().BaseURL,
			CreatedAt: now,
		})
		return a.renderTray(c, sendStatus(st.Kind), t, nil)
	}

	sent := make([]string, len(images))
	for i, img := range images {
		sent[i] = img.ID
	}
	t.Done(sent, SuccessMessage)
	a.record(SendRecord{
		Title:     res.Title,
		Filename:  res.Filename,
		Pages:     res.Pages,
		Bytes:     res.Bytes,
		TaskID:    res.TaskID,
		Outcome:   OutcomeSent,
		BaseURL:   res.BaseURL,
		CreatedAt: now,
	})
	return a.renderTray(c, http.StatusOK, t, nil)
}

var errTooManySends = errors.New("too many sends")

// record writes a journal entry; a journal failure never fails the send.
func (a *App) record(r SendRecord) {
	if _, err := a.Store.RecordSend(r); err != nil {
		log.WithError(err).Error("Recording send failed")
	}
}

func sendStatus(kind ErrorKind) int {
	switch kind {
	case KindComposition:
		return http.StatusUnprocessableEntity
	case KindConfig:
		return http.StatusServiceUnavailable
	case KindNetwork, KindAuth, KindPermission, KindServer:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// renderTray answers a tray action with the re-rendered tray. A non-nil
// transient error is shown without changing the session state.
func (a *App) renderTray(c echo.Context, code int, t *Tray, transient error) error {
	return RenderStatus(c, code, a.Views.Tray(a.trayView(t.View(), transient)))
}

func (a *App) trayView(v TrayView, transient error) views.Tray {
	out := views.Tray{
		Phase:     string(v.State.Phase),
		Busy:      v.State.Busy(),
		Notice:    v.Notice,
		MaxImages: a.Config.MaxImages,
	}
	if v.State.Phase == PhaseError {
		out.Error = v.State.Message
		out.ErrorKind = string(v.State.Kind)
	}
	if transient != nil {
		if errors.Is(transient, errTooManySends) {
			out.Error = "Zu viele Sendungen. Bitte warten Sie einen Moment."
			out.ErrorKind = string(KindBusy)
		} else {
			out.Error = UserMessage(transient)
			out.ErrorKind = string(Classify(transient))
		}
	}
	for _, img := range v.Images {
		out.Images = append(out.Images, views.Image{
			ID:       img.ID,
			Width:    img.Width,
			Height:   img.Height,
			Source:   string(img.Source),
			ThumbURL: ThumbURL(img.ID),
		})
	}
	return out
}

func (a *App) statusView() views.Status {
	res := a.Probe()
	return views.Status{
		Code:       string(res.Status),
		Label:      res.Status.Label(),
		BaseURL:    res.BaseURL,
		Diagnostic: res.Diagnostic,
		Pending:    res.Status == paperless.StatusUnknown,
	}
}

func (a *App) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	he, ok := err.(*echo.HTTPError)
	if ok && he.Code == http.StatusNotFound {
		_ = RenderStatus(c, http.StatusNotFound, a.Views.NotFound())
		return
	}
	code := http.StatusInternalServerError
	if ok {
		code = he.Code
	}
	if code >= 500 {
		log.WithError(err).WithField("uri", c.Request().RequestURI).Error("Server error")
		_ = RenderStatus(c, code, a.Views.ServerError())
		return
	}
	a.Echo.DefaultHTTPErrorHandler(err, c)
}
