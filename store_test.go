package cardscan

import (
	"path/filepath"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "data", "test_cardscan.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStore(t *testing.T) {
	s := setupTestStore(t)
	if s.db == nil {
		t.Fatal("db should not be nil")
	}
	n, err := s.CountSends("")
	if err != nil {
		t.Fatalf("CountSends failed: %v", err)
	}
	if n != 0 {
		t.Errorf("CountSends = %d, want 0", n)
	}
}

func TestNewStoreIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cardscan.db")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("first NewStore failed: %v", err)
	}
	if _, err := s.RecordSend(SendRecord{Title: "a", Filename: "a.pdf", Outcome: OutcomeSent}); err != nil {
		t.Fatalf("RecordSend failed: %v", err)
	}
	s.Close()

	s, err = NewStore(path)
	if err != nil {
		t.Fatalf("second NewStore failed: %v", err)
	}
	defer s.Close()
	n, err := s.CountSends("")
	if err != nil {
		t.Fatalf("CountSends failed: %v", err)
	}
	if n != 1 {
		t.Errorf("CountSends = %d, want 1", n)
	}
}

func TestRecordAndListSends(t *testing.T) {
	s := setupTestStore(t)

	at := time.Date(2026, 10, 19, 15, 30, 0, 0, time.UTC)
	sent := SendRecord{
		Title:     "Visitenkarte 19.10.2026",
		Filename:  "visitenkarte-20261019-153000.pdf",
		Pages:     2,
		Bytes:     12345,
		TaskID:    "6f1c2b9e",
		Outcome:   OutcomeSent,
		BaseURL:   "http://nas:8000",
		CreatedAt: at,
	}
	failedSend := SendRecord{
		Title:     "Visitenkarte 19.10.2026",
		Filename:  "visitenkarte-20261019-153100.pdf",
		Pages:     1,
		Bytes:     999,
		Outcome:   OutcomeFailed,
		Kind:      KindAuth,
		Message:   "Authentifizierungsfehler: Bitte überprüfen Sie Ihren API-Token",
		CreatedAt: at.Add(time.Minute),
	}

	id1, err := s.RecordSend(sent)
	if err != nil {
		t.Fatalf("RecordSend failed: %v", err)
	}
	id2, err := s.RecordSend(failedSend)
	if err != nil {
		t.Fatalf("RecordSend failed: %v", err)
	}
	if id2 <= id1 {
		t.Errorf("ids = %d, %d, want increasing", id1, id2)
	}

	got, err := s.ListSends(10)
	if err != nil {
		t.Fatalf("ListSends failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListSends returned %d records, want 2", len(got))
	}

	// Newest first.
	if got[0].Filename != failedSend.Filename {
		t.Errorf("first Filename = %q, want %q", got[0].Filename, failedSend.Filename)
	}
	if got[0].Kind != KindAuth {
		t.Errorf("Kind = %q, want %q", got[0].Kind, KindAuth)
	}
	if got[0].Message != failedSend.Message {
		t.Errorf("Message = %q, want %q", got[0].Message, failedSend.Message)
	}

	r := got[1]
	if r.ID != id1 {
		t.Errorf("ID = %d, want %d", r.ID, id1)
	}
	if r.Title != sent.Title {
		t.Errorf("Title = %q, want %q", r.Title, sent.Title)
	}
	if r.Pages != 2 || r.Bytes != 12345 {
		t.Errorf("Pages, Bytes = %d, %d, want 2, 12345", r.Pages, r.Bytes)
	}
	if r.TaskID != "6f1c2b9e" {
		t.Errorf("TaskID = %q, want %q", r.TaskID, "6f1c2b9e")
	}
	if r.Outcome != OutcomeSent {
		t.Errorf("Outcome = %q, want %q", r.Outcome, OutcomeSent)
	}
	if r.BaseURL != "http://nas:8000" {
		t.Errorf("BaseURL = %q, want %q", r.BaseURL, "http://nas:8000")
	}
	if !r.CreatedAt.Equal(at) {
		t.Errorf("CreatedAt = %v, want %v", r.CreatedAt, at)
	}
}

func TestListSendsLimit(t *testing.T) {
	s := setupTestStore(t)
	for i := 0; i < 5; i++ {
		if _, err := s.RecordSend(SendRecord{Title: "t", Filename: "f.pdf", Outcome: OutcomeSent}); err != nil {
			t.Fatalf("RecordSend failed: %v", err)
		}
	}
	got, err := s.ListSends(3)
	if err != nil {
		t.Fatalf("ListSends failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("ListSends(3) returned %d records", len(got))
	}
}

func TestCountSendsByOutcome(t *testing.T) {
	s := setupTestStore(t)
	for _, outcome := range []string{OutcomeSent, OutcomeFailed, OutcomeSent} {
		if _, err := s.RecordSend(SendRecord{Title: "t", Filename: "f.pdf", Outcome: outcome}); err != nil {
			t.Fatalf("RecordSend failed: %v", err)
		}
	}
	tests := []struct {
		outcome string
		want    int
	}{
		{"", 3},
		{OutcomeSent, 2},
		{OutcomeFailed, 1},
	}
	for _, tt := range tests {
		got, err := s.CountSends(tt.outcome)
		if err != nil {
			t.Fatalf("CountSends(%q) failed: %v", tt.outcome, err)
		}
		if got != tt.want {
			t.Errorf("CountSends(%q) = %d, want %d", tt.outcome, got, tt.want)
		}
	}
}

func TestRecordSendDefaultsCreatedAt(t *testing.T) {
	s := setupTestStore(t)
	before := time.Now().Add(-time.Second)
	if _, err := s.RecordSend(SendRecord{Title: "t", Filename: "f.pdf", Outcome: OutcomeSent}); err != nil {
		t.Fatalf("RecordSend failed: %v", err)
	}
	got, err := s.ListSends(1)
	if err != nil {
		t.Fatalf("ListSends failed: %v", err)
	}
	if len(got) != 1 || got[0].CreatedAt.Before(before) {
		t.Errorf("CreatedAt was not defaulted: %+v", got)
	}
}
