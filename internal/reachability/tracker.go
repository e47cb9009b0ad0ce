package reachability

import (
	"sync"

	"go.uber.org/zap"

	"clusterd/internal/address"
)

// Verdict is a single failure detector outcome about a subject.
type Verdict struct {
	Subject address.UniqueAddress
	Status  Status
}

// Sink receives verdicts from a failure detector.
type Sink func(Verdict)

// Tracker records the local node's verdicts as a versioned Report.
type Tracker struct {
	mu       sync.Mutex
	self     address.UniqueAddress
	version  int64
	subjects map[address.UniqueAddress]Subject
	logger   *zap.Logger
}

// NewTracker creates a tracker for the local observer self.
func NewTracker(self address.UniqueAddress, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		self:     self,
		subjects: make(map[address.UniqueAddress]Subject),
		logger:   logger,
	}
}

// Observe records a verdict and reports whether the local report changed.
// Reachable verdicts about subjects never flagged are not recorded, and a
// Terminated subject stays Terminated.
func (t *Tracker) Observe(subject address.UniqueAddress, status Status) bool {
	if subject == t.self || !status.Valid() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.subjects[subject]
	switch {
	case ok && existing.Status == Terminated:
		return false
	case ok && existing.Status == status:
		return false
	case !ok && status == Reachable:
		return false
	}

	t.version++
	t.subjects[subject] = Subject{Status: status, Version: t.version}
	t.logger.Info("reachability changed",
		zap.String("subject", subject.String()),
		zap.Stringer("status", status),
		zap.Int64("version", t.version))
	return true
}

// Forget drops every record about subject, typically after its removal.
func (t *Tracker) Forget(subject address.UniqueAddress) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subjects[subject]; !ok {
		return false
	}
	delete(t.subjects, subject)
	t.version++
	return true
}

// Report returns a snapshot of the local report.
func (t *Tracker) Report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := Report{Observer: t.self, Version: t.version, Subjects: make(map[address.UniqueAddress]Subject, len(t.subjects))}
	for k, v := range t.subjects {
		r.Subjects[k] = v
	}
	return r
}

// Sink returns a Sink that feeds verdicts into the tracker and calls
// onChange after every change.
func (t *Tracker) Sink(onChange func()) Sink {
	return func(v Verdict) {
		if t.Observe(v.Subject, v.Status) && onChange != nil {
			onChange()
		}
	}
}
