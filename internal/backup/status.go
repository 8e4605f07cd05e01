package backup

import (
	"context"
	"sync"
	"time"
)

// Phase is a stage of a backup or restore run.
type Phase string

// Run phases. Backups move through containers, volumes, networks and
// uploading; restores through downloading, networks, containers and volumes.
const (
	PhaseIdle        Phase = "idle"
	PhaseContainers  Phase = "containers"
	PhaseVolumes     Phase = "volumes"
	PhaseNetworks    Phase = "networks"
	PhaseUploading   Phase = "uploading"
	PhaseDownloading Phase = "downloading"
	PhaseDone        Phase = "done"
	PhaseCancelled   Phase = "cancelled"
	PhaseFailed      Phase = "failed"
)

// Terminal reports whether the phase ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseCancelled || p == PhaseFailed
}

// DefaultMaxErrors caps the errors kept in a Status.
const DefaultMaxErrors = 100

// ItemError is one recorded failure.
type ItemError struct {
	Item    string    `json:"item"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Snapshot is a consistent copy of a Status.
type Snapshot struct {
	RunID            string        `json:"run_id,omitempty"`
	Operation        string        `json:"operation,omitempty"`
	Phase            Phase         `json:"phase"`
	CurrentItem      string        `json:"current_item,omitempty"`
	ItemsCompleted   int           `json:"items_completed"`
	ItemsTotal       int           `json:"items_total"`
	BytesTransferred int64         `json:"bytes_transferred"`
	TransferRate     float64       `json:"transfer_rate"`
	StartedAt        time.Time     `json:"started_at"`
	PauseRequested   bool          `json:"pause_requested"`
	SkipRequested    bool          `json:"skip_requested"`
	CancelRequested  bool          `json:"cancel_requested"`
	Errors           []ItemError   `json:"errors"`
	DroppedErrors    int           `json:"dropped_errors,omitempty"`
	ETA              time.Duration `json:"eta_ns,omitempty"`
	ETAKnown         bool          `json:"eta_known"`
}

// Status is the live progress of one run. The orchestrator writes it and
// any number of observers read snapshots and set control flags.
type Status struct {
	mu sync.Mutex

	runID       string
	operation   string
	phase       Phase
	currentItem string

	itemsCompleted int
	itemsTotal     int

	bytesTransferred int64
	transferRate     float64
	transferStart    time.Time
	startedAt        time.Time

	pauseRequested  bool
	skipRequested   bool
	cancelRequested bool
	itemCancel      context.CancelFunc
	// changed is closed and replaced whenever a control flag changes.
	changed chan struct{}

	errors        []ItemError
	droppedErrors int
	maxErrors     int

	now func() time.Time
}

// NewStatus returns an idle status keeping at most maxErrors errors.
func NewStatus(maxErrors int) *Status {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	return &Status{
		phase:     PhaseIdle,
		changed:   make(chan struct{}),
		maxErrors: maxErrors,
		now:       time.Now,
	}
}

// Snapshot returns a consistent copy of the status.
func (s *Status) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	eta, known := s.etaLocked()
	return Snapshot{
		RunID:            s.runID,
		Operation:        s.operation,
		Phase:            s.phase,
		CurrentItem:      s.currentItem,
		ItemsCompleted:   s.itemsCompleted,
		ItemsTotal:       s.itemsTotal,
		BytesTransferred: s.bytesTransferred,
		TransferRate:     s.transferRate,
		StartedAt:        s.startedAt,
		PauseRequested:   s.pauseRequested,
		SkipRequested:    s.skipRequested,
		CancelRequested:  s.cancelRequested,
		Errors:           append([]ItemError(nil), s.errors...),
		DroppedErrors:    s.droppedErrors,
		ETA:              eta,
		ETAKnown:         known,
	}
}

// ComputeETA estimates the remaining time as remaining items times the mean
// time per completed item. It reports false while no item has completed.
func (s *Status) ComputeETA() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.etaLocked()
}

func (s *Status) etaLocked() (time.Duration, bool) {
	if s.itemsCompleted == 0 || s.startedAt.IsZero() {
		return 0, false
	}
	remaining := s.itemsTotal - s.itemsCompleted
	if remaining < 0 {
		remaining = 0
	}
	elapsed := s.now().Sub(s.startedAt)
	return time.Duration(remaining) * (elapsed / time.Duration(s.itemsCompleted)), true
}

// RequestPause stops new items from starting until Resume is called.
func (s *Status) RequestPause() {
	s.setFlag(func() { s.pauseRequested = true })
}

// Resume clears a pause request.
func (s *Status) Resume() {
	s.setFlag(func() { s.pauseRequested = false })
}

// RequestSkip abandons the current item, or the next one when no item is in
// flight.
func (s *Status) RequestSkip() {
	s.setFlag(func() {
		s.skipRequested = true
		if s.itemCancel != nil {
			s.itemCancel()
		}
	})
}

// RequestCancel stops the run at the next item boundary.
func (s *Status) RequestCancel() {
	s.setFlag(func() { s.cancelRequested = true })
}

func (s *Status) setFlag(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
	close(s.changed)
	s.changed = make(chan struct{})
}

// start resets the status for a new run.
func (s *Status) start(runID, operation string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = runID
	s.operation = operation
	s.phase = PhaseIdle
	s.currentItem = ""
	s.itemsCompleted = 0
	s.itemsTotal = 0
	s.bytesTransferred = 0
	s.transferRate = 0
	s.startedAt = s.now()
	s.pauseRequested = false
	s.skipRequested = false
	s.cancelRequested = false
	s.itemCancel = nil
	s.errors = nil
	s.droppedErrors = 0
}

func (s *Status) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
	if p.Terminal() {
		s.currentItem = ""
	}
}

func (s *Status) setTotal(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.itemsTotal = n
}

// beginItem marks item as current and returns a context that RequestSkip
// cancels. The returned function ends the item.
func (s *Status) beginItem(ctx context.Context, item string) (context.Context, func()) {
	itemCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.currentItem = item
	s.bytesTransferred = 0
	s.transferRate = 0
	s.transferStart = s.now()
	s.itemCancel = cancel
	s.mu.Unlock()

	return itemCtx, func() {
		s.mu.Lock()
		s.itemCancel = nil
		s.itemsCompleted++
		s.mu.Unlock()
		cancel()
	}
}

// setBytes records cumulative bytes of the current transfer; the rate and
// byte count are updated together.
func (s *Status) setBytes(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesTransferred = n
	if elapsed := s.now().Sub(s.transferStart).Seconds(); elapsed > 0 {
		s.transferRate = float64(n) / elapsed
	}
}

func (s *Status) addError(item string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errors) >= s.maxErrors {
		s.droppedErrors++
		return
	}
	s.errors = append(s.errors, ItemError{Item: item, Message: err.Error(), Time: s.now()})
}

// takeSkip reports and clears a pending skip request.
func (s *Status) takeSkip() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	skip := s.skipRequested
	s.skipRequested = false
	return skip
}

func (s *Status) cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested
}

// waitWhilePaused blocks while a pause is requested. It returns early on
// cancellation.
func (s *Status) waitWhilePaused(ctx context.Context) {
	for {
		s.mu.Lock()
		if !s.pauseRequested || s.cancelRequested {
			s.mu.Unlock()
			return
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
	}
}
