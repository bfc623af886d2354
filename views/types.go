package views

import "time"

// Status is the document server reachability as shown in the header.
type Status struct {
	Code       string // reachability status code, e.g. "reachable-authorized"
	Label      string // user-facing text
	BaseURL    string
	Diagnostic string
	Pending    bool // probe still running
}

// Image is one thumbnail in the tray.
type Image struct {
	ID       string
	Width    int
	Height   int
	Source   string
	ThumbURL string
}

// Tray is the image list and session state partial.
type Tray struct {
	Images    []Image
	Phase     string
	Busy      bool
	Error     string
	ErrorKind string
	Notice    string
	MaxImages int
}

// CanSend reports whether the send button is enabled.
func (t Tray) CanSend() bool {
	return len(t.Images) > 0 && !t.Busy
}

// Page is the full scanner page.
type Page struct {
	Title         string
	CSRFToken     string
	Status        Status
	Tray          Tray
	CameraEnabled bool // network camera configured
	UploadURL     string
}

// Send is one row of the send history.
type Send struct {
	Title     string
	Filename  string
	Pages     int
	Bytes     int
	TaskID    string
	Outcome   string
	Message   string
	CreatedAt time.Time
}

// History is the send history page.
type History struct {
	Title  string
	Status Status
	Sends  []Send
	Sent   int
	Failed int
}
