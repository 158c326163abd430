package upload

import (
	"sync"

	"github.com/italolelis/resumable_uploader/internal/storage"
	"github.com/italolelis/resumable_uploader/internal/transfer"
)

// State is the lifecycle position of one file upload.
type State string

const (
	StateIdle         State = "idle"
	StateHashing      State = "hashing"
	StateChecking     State = "checking"
	StatePlanning     State = "planning"
	StateTransferring State = "transferring"
	StateFinalizing   State = "finalizing"
	StateComplete     State = "complete"
	StatePaused       State = "paused"
	StateFailed       State = "failed"
)

// Event is emitted on every state transition.
type Event struct {
	Digest   string
	FileName string
	FileSize int64
	State    State
	// Instant is set when the server already had the content.
	Instant bool
	File    *transfer.FileInfo
	Err     error
}

// Hooks receive progress and lifecycle notifications. They are called
// synchronously and must not block.
type Hooks struct {
	OnState        func(Event)
	OnProgress     func(digest string, p storage.Progress)
	OnHashProgress func(fileName string, percent int)
}

// Result describes how an upload attempt ended.
type Result struct {
	Digest  string
	State   State
	Instant bool
	File    *transfer.FileInfo
	Task    *storage.UploadTask
}

// session is the in-memory side of an upload: the retained source and the
// control channels of the running attempt.
type session struct {
	digest string
	source *Source

	mu      sync.Mutex
	state   State
	running bool
	stop    chan struct{}
	done    chan struct{}
	stopped bool
}

func newSession(digest string, src *Source) *session {
	return &session{digest: digest, source: src, state: StateIdle}
}

// begin marks a new attempt. It returns false if one is already running.
func (s *session) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return false
	}

	s.running = true
	s.stopped = false
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	return true
}

func (s *session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	close(s.done)
}

// requestStop closes the stop channel of the running attempt and returns its
// done channel. ok is false when nothing is running.
func (s *session) requestStop() (done <-chan struct{}, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil, false
	}

	if !s.stopped {
		s.stopped = true
		close(s.stop)
	}

	return s.done, true
}

func (s *session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *session) stopChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stop
}

func (s *session) release() {
	if s.source != nil {
		_ = s.source.Close()
		s.source = nil
	}
}
