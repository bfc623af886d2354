package cardscan

import (
	"errors"
	"sync"
	"time"

	"github.com/eringen/cardscan/acquire"
	"github.com/eringen/cardscan/compose"
)

var (
	// ErrTrayFull is returned when a tray already holds the maximum number
	// of images.
	ErrTrayFull = errors.New("tray is full")
	// ErrImageNotFound is returned for unknown image ids.
	ErrImageNotFound = errors.New("image not found")
)

// Tray is the set of images captured in one browser session, in capture
// order, together with the session state. Images live in memory only.
type Tray struct {
	ID string

	mu      sync.Mutex
	images  []acquire.CapturedImage
	thumbs  map[string][]byte
	state   State
	notice  string
	max     int
	touched time.Time
}

// TrayView is a consistent copy of a tray for rendering.
type TrayView struct {
	ID     string
	Images []acquire.CapturedImage
	State  State
	Notice string
}

// View returns a copy of the tray contents.
func (t *Tray) View() TrayView {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrayView{
		ID:     t.ID,
		Images: append([]acquire.CapturedImage(nil), t.images...),
		State:  t.state,
		Notice: t.notice,
	}
}

// State returns the current session state.
func (t *Tray) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Captured ends a capture started with Begin(PhaseCapturing) by appending
// img to the tray.
func (t *Tray) Captured(img acquire.CapturedImage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.max > 0 && len(t.images) >= t.max {
		t.state = failed(ErrTrayFull)
		return ErrTrayFull
	}
	t.images = append(t.images, img)
	t.state = State{Phase: PhaseIdle}
	return nil
}

// Thumbnail returns a cached JPEG preview of the image with id.
func (t *Tray) Thumbnail(id string, width int) ([]byte, error) {
	t.mu.Lock()
	if data, ok := t.thumbs[id]; ok {
		t.mu.Unlock()
		return data, nil
	}
	var (
		img   acquire.CapturedImage
		found bool
	)
	for _, i := range t.images {
		if i.ID == id {
			img, found = i, true
			break
		}
	}
	t.mu.Unlock()
	if !found {
		return nil, ErrImageNotFound
	}

	data, err := acquire.Thumbnail(img, width)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, i := range t.images {
		if i.ID != id {
			continue
		}
		if t.thumbs == nil {
			t.thumbs = make(map[string][]byte)
		}
		t.thumbs[id] = data
		break
	}
	return data, nil
}

// Remove deletes the image with id.
func (t *Tray) Remove(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Busy() {
		return ErrBusy
	}
	for i, img := range t.images {
		if img.ID == id {
			t.images = append(t.images[:i], t.images[i+1:]...)
			delete(t.thumbs, id)
			return nil
		}
	}
	return ErrImageNotFound
}

// Reset discards all images and returns the tray to idle.
func (t *Tray) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Busy() {
		return ErrBusy
	}
	t.images = nil
	t.thumbs = nil
	t.state = State{Phase: PhaseIdle}
	t.notice = ""
	return nil
}

// Begin starts an operation. Only one operation may be in flight per tray.
func (t *Tray) Begin(p Phase) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Busy() {
		return ErrBusy
	}
	t.state = State{Phase: p}
	t.notice = ""
	return nil
}

// Advance moves a running operation to its next phase.
func (t *Tray) Advance(p Phase) {
	t.mu.Lock()
	t.state = State{Phase: p}
	t.mu.Unlock()
}

// Fail ends the running operation with err. Images are kept.
func (t *Tray) Fail(err error) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = failed(err)
	return t.state
}

// BeginSend claims the tray for a send and returns the images to send. The
// claim and the copy happen under one lock so no capture can slip in between.
func (t *Tray) BeginSend() ([]acquire.CapturedImage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Busy() {
		return nil, ErrBusy
	}
	if len(t.images) == 0 {
		return nil, &compose.Error{Err: compose.ErrNoImages}
	}
	t.state = State{Phase: PhaseComposing}
	t.notice = ""
	return append([]acquire.CapturedImage(nil), t.images...), nil
}

// Done ends the running operation successfully and discards the images
// whose ids are in sent.
func (t *Tray) Done(sent []string, notice string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(sent) > 0 {
		drop := make(map[string]bool, len(sent))
		for _, id := range sent {
			drop[id] = true
		}
		kept := t.images[:0]
		for _, img := range t.images {
			if drop[img.ID] {
				delete(t.thumbs, img.ID)
				continue
			}
			kept = append(kept, img)
		}
		t.images = kept
	}
	t.state = State{Phase: PhaseIdle}
	t.notice = notice
}

func (t *Tray) idleSince(cutoff time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.state.Busy() && t.touched.Before(cutoff)
}

// TrayStore holds the trays of all active sessions. Trays that have not
// been used for ttl are dropped by Sweep.
type TrayStore struct {
	mu        sync.RWMutex
	trays     map[string]*Tray
	ttl       time.Duration
	maxImages int
	now       func() time.Time
}

// NewTrayStore creates a TrayStore.
func NewTrayStore(ttl time.Duration, maxImages int) *TrayStore {
	return &TrayStore{
		trays:     make(map[string]*Tray),
		ttl:       ttl,
		maxImages: maxImages,
		now:       time.Now,
	}
}

// Get returns the tray for id, creating it on first use.
func (s *TrayStore) Get(id string) *Tray {
	now := s.now()

	s.mu.RLock()
	t, ok := s.trays[id]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if t, ok = s.trays[id]; !ok {
			t = &Tray{ID: id, max: s.maxImages, state: State{Phase: PhaseIdle}}
			s.trays[id] = t
		}
		s.mu.Unlock()
	}

	t.mu.Lock()
	t.touched = now
	t.mu.Unlock()
	return t
}

// Len returns the number of live trays.
func (s *TrayStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trays)
}

// Sweep drops idle trays not used within the TTL and returns how many were
// removed. Trays with an operation in flight are kept.
func (s *TrayStore) Sweep() int {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.trays {
		if t.idleSince(cutoff) {
			delete(s.trays, id)
			n++
		}
	}
	return n
}

// StartSweeper runs Sweep periodically. Returns a stop function.
func (s *TrayStore) StartSweeper(interval time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					log.WithField("trays", n).Debug("Dropped expired trays")
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
