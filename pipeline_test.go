package cardscan

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eringen/cardscan/acquire"
	"github.com/eringen/cardscan/compose"
	"github.com/eringen/cardscan/paperless"
)

func TestDocumentNames(t *testing.T) {
	at := time.Date(2026, 3, 7, 8, 5, 9, 0, time.UTC)
	assert.Equal(t, "Visitenkarte 07.03.2026", DocumentTitle("", at))
	assert.Equal(t, "Messe Köln 07.03.2026", DocumentTitle("Messe Köln", at))
	assert.Equal(t, "visitenkarte-20260307-080509.pdf", DocumentFilename("", at))
	assert.Equal(t, "messe-koeln-20260307-080509.pdf", DocumentFilename("Messe Köln", at))
	assert.Equal(t, "visitenkarte-20260307-080509.pdf", DocumentFilename("!!!", at))
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Visitenkarte":       "visitenkarte",
		"  Grüße aus Bonn  ": "gruesse-aus-bonn",
		"a--b__c":            "a-b-c",
		"Straße 12!":         "strasse-12",
		"":                   "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Slugify(in), "Slugify(%q)", in)
	}
}

func TestSendReportsPhases(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"task_id":"t-1"}`))
	}))
	defer srv.Close()

	client := paperless.NewClient(paperless.Config{BaseURL: srv.URL, Token: "tok"})
	var phases []Phase
	res, err := Send(context.Background(), client, []acquire.CapturedImage{testImage("1"), testImage("2")},
		SendOptions{Now: time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)},
		func(p Phase) { phases = append(phases, p) })
	require.NoError(t, err)

	assert.Equal(t, []Phase{PhaseComposing, PhaseUploading}, phases)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, "t-1", res.TaskID)
	assert.Equal(t, "Visitenkarte 19.10.2026", res.Title)
	assert.Equal(t, srv.URL, res.BaseURL)
	assert.Positive(t, res.Bytes)
}

func TestSendStopsOnCompositionError(t *testing.T) {
	client := paperless.NewClient(paperless.Config{BaseURL: "http://127.0.0.1:1", Token: "tok"})
	var phases []Phase
	_, err := Send(context.Background(), client, nil, SendOptions{}, func(p Phase) { phases = append(phases, p) })
	assert.ErrorIs(t, err, compose.ErrNoImages)
	assert.Equal(t, KindComposition, Classify(err))
	assert.Equal(t, []Phase{PhaseComposing}, phases)
}
