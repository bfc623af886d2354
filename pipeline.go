package cardscan

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eringen/cardscan/acquire"
	"github.com/eringen/cardscan/compose"
	"github.com/eringen/cardscan/paperless"
)

// DefaultTitlePrefix names uploaded documents.
const DefaultTitlePrefix = "Visitenkarte"

// SendOptions controls how a tray is turned into an upload.
type SendOptions struct {
	TitlePrefix string
	Usable      float64
	Now         time.Time
}

// SendResult describes a document accepted by the server.
type SendResult struct {
	Title    string
	Filename string
	Pages    int
	Bytes    int
	TaskID   string
	BaseURL  string
	SentAt   time.Time
}

// DocumentTitle is the title sent with a document created at t.
func DocumentTitle(prefix string, t time.Time) string {
	if prefix == "" {
		prefix = DefaultTitlePrefix
	}
	return prefix + " " + t.Format("02.01.2006")
}

// DocumentFilename is the upload filename for a document created at t.
func DocumentFilename(prefix string, t time.Time) string {
	slug := Slugify(prefix)
	if slug == "" {
		slug = Slugify(DefaultTitlePrefix)
	}
	return slug + "-" + t.Format("20060102-150405") + ".pdf"
}

// Send composes images into one PDF and uploads it in a single attempt.
// onPhase, when set, is called as the pipeline enters each phase. On error
// nothing has been accepted by the server and the images are untouched.
func Send(ctx context.Context, client *paperless.Client, images []acquire.CapturedImage, opts SendOptions, onPhase func(Phase)) (*SendResult, error) {
	if onPhase == nil {
		onPhase = func(Phase) {}
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	title := DocumentTitle(opts.TitlePrefix, now)

	onPhase(PhaseComposing)
	doc, err := compose.Compose(ctx, images, compose.Options{
		Usable:    opts.Usable,
		Title:     title,
		CreatedAt: now,
	})
	if err != nil {
		return nil, err
	}

	onPhase(PhaseUploading)
	filename := DocumentFilename(opts.TitlePrefix, now)
	res, err := client.Upload(ctx, paperless.Upload{
		PDF:      doc.PDF,
		Filename: filename,
		Title:    title,
		Created:  now,
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"title":   title,
		"pages":   doc.Pages,
		"bytes":   len(doc.PDF),
		"task_id": res.TaskID,
	}).Info("Document sent")

	return &SendResult{
		Title:    title,
		Filename: filename,
		Pages:    doc.Pages,
		Bytes:    len(doc.PDF),
		TaskID:   res.TaskID,
		BaseURL:  client.Config().BaseURL,
		SentAt:   now,
	}, nil
}
