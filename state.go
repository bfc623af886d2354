package cardscan

import (
	"context"
	"errors"
	"fmt"

	"github.com/eringen/cardscan/acquire"
	"github.com/eringen/cardscan/compose"
	"github.com/eringen/cardscan/paperless"
)

// Phase is what a scan session is currently doing.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseCapturing Phase = "capturing"
	PhaseComposing Phase = "composing"
	PhaseUploading Phase = "uploading"
	PhaseError     Phase = "error"
)

// ErrorKind classifies the failure that put a session into PhaseError.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindAcquisition ErrorKind = "acquisition"
	KindComposition ErrorKind = "composition"
	KindNetwork     ErrorKind = "network"
	KindAuth        ErrorKind = "auth"
	KindPermission  ErrorKind = "permission"
	KindServer      ErrorKind = "server"
	KindTimeout     ErrorKind = "timeout"
	KindConfig      ErrorKind = "config"
	KindBusy        ErrorKind = "busy"
	KindInternal    ErrorKind = "internal"
)

// State is the explicit session state. Kind and Message are only set in
// PhaseError.
type State struct {
	Phase   Phase
	Kind    ErrorKind
	Message string
}

// Busy reports whether an operation is in flight.
func (s State) Busy() bool {
	switch s.Phase {
	case PhaseCapturing, PhaseComposing, PhaseUploading:
		return true
	}
	return false
}

func (s State) String() string {
	if s.Phase == PhaseError {
		return fmt.Sprintf("%s(%s)", s.Phase, s.Kind)
	}
	return string(s.Phase)
}

// ErrBusy is returned when a session already has an operation in flight.
var ErrBusy = errors.New("another operation is in progress")

// Classify maps an error from any pipeline stage to its ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var pe *paperless.Error
	if errors.As(err, &pe) {
		switch pe.Kind {
		case paperless.KindAuth:
			return KindAuth
		case paperless.KindPermission:
			return KindPermission
		case paperless.KindServer:
			return KindServer
		case paperless.KindTimeout:
			return KindTimeout
		default:
			return KindNetwork
		}
	}
	var ae *acquire.Error
	var ce *compose.Error
	switch {
	case errors.Is(err, ErrBusy):
		return KindBusy
	case errors.Is(err, paperless.ErrNoToken):
		return KindConfig
	case errors.Is(err, ErrTrayFull), errors.Is(err, ErrImageNotFound):
		return KindAcquisition
	case errors.As(err, &ae):
		return KindAcquisition
	case errors.As(err, &ce):
		return KindComposition
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}

// SuccessMessage is shown after a document was accepted by the server.
const SuccessMessage = "Dokument erfolgreich an Paperless-ngx gesendet!"

// UserMessage is the text shown for err.
func UserMessage(err error) string {
	var pe *paperless.Error
	if errors.As(err, &pe) {
		return pe.Message()
	}
	switch Classify(err) {
	case KindNone:
		return ""
	case KindBusy:
		return "Bitte warten Sie, bis der aktuelle Vorgang abgeschlossen ist."
	case KindConfig:
		return "Kein API-Token konfiguriert. Bitte setzen Sie PAPERLESS_TOKEN."
	case KindAcquisition:
		if errors.Is(err, ErrTrayFull) {
			return "Die maximale Anzahl an Bildern ist erreicht."
		}
		if errors.Is(err, ErrImageNotFound) {
			return "Das Bild wurde nicht gefunden."
		}
		if errors.Is(err, acquire.ErrCameraUnavailable) {
			return "Kamera konnte nicht gestartet werden."
		}
		return "Fehler bei der Bildverarbeitung"
	case KindComposition:
		if errors.Is(err, compose.ErrNoImages) {
			return "Keine Bilder zum Senden vorhanden."
		}
		return "Fehler beim Erstellen des PDF-Dokuments"
	case KindTimeout:
		return "Zeitüberschreitung beim Senden an Paperless-ngx"
	}
	return "Fehler beim Verarbeiten: " + err.Error()
}

// failed returns the error state for err.
func failed(err error) State {
	return State{Phase: PhaseError, Kind: Classify(err), Message: UserMessage(err)}
}
