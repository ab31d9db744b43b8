/******************************************************************************
 * Copyright (c) 2025-2026 Tenwall Systems Inc.                               *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package quota tracks per-model daily quota exhaustion so that a model
// known to be out of quota is not retried until its window resets at the
// next UTC midnight.
package quota

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/tenwall/Conduit/global"
	"github.com/tenwall/Conduit/logging"
)

// Record is the persisted ledger entry for one model.
type Record struct {
	ExceededUntil       time.Time `json:"exceeded_until"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Classification is the ledger's verdict on a failed execution.
type Classification struct {
	Kind              global.FailureKind
	Model             string
	FallbackAvailable bool
	Retryable         bool
	ResetAt           time.Time // zero unless Kind is quota exhaustion
}

// Ledger is safe for concurrent use. One instance is shared by everything
// that executes processes; create it once at startup and inject it.
type Ledger struct {
	mu       sync.Mutex
	records  map[string]*Record
	primary  string
	fallback string

	statePath string
	logger    *logging.Logger
	now       func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithModels sets the primary model and its fallback. An empty fallback
// disables fallback entirely.
func WithModels(primary, fallback string) Option {
	return func(l *Ledger) {
		l.primary = primary
		l.fallback = fallback
	}
}

// WithStateFile enables persistence of ledger records to a JSON file, so
// exhaustion survives restarts within the same quota day.
func WithStateFile(path string) Option {
	return func(l *Ledger) {
		l.statePath = path
	}
}

// withClock overrides the time source. Used by tests.
func withClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// NewLedger creates a ledger. When a state file is configured, previously
// persisted records are loaded best-effort.
func NewLedger(logger *logging.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		records:  make(map[string]*Record),
		primary:  global.DefaultPrimaryModel,
		fallback: global.DefaultFallbackModel,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.statePath != "" {
		l.load()
	}
	return l
}

// Classify inspects the combined output of a failed execution against the
// given model. Rate-limit signatures win over quota signatures, so a
// transient 429 is never recorded as daily exhaustion. A quota verdict
// marks the model exhausted until the next UTC midnight.
func (l *Ledger) Classify(output, model string) Classification {
	kind := classifyText(output)

	l.mu.Lock()
	defer l.mu.Unlock()

	cls := Classification{Kind: kind, Model: model}
	switch kind {
	case global.FailureRateLimited:
		cls.Retryable = true

	case global.FailureQuotaExceeded:
		rec := l.records[model]
		if rec == nil {
			rec = &Record{}
			l.records[model] = rec
		}
		rec.ExceededUntil = nextUTCMidnight(l.now())
		rec.ConsecutiveFailures++
		cls.ResetAt = rec.ExceededUntil
		cls.FallbackAvailable = model == l.primary && l.fallback != "" && l.availableLocked(l.fallback)
		l.save()
		l.logger.Warnf("Model %s marked quota-exhausted until %s (failure %d)",
			model, rec.ExceededUntil.Format(time.RFC3339), rec.ConsecutiveFailures)
	}
	return cls
}

// IsAvailable reports whether a model may be used. Expired records are
// cleared lazily on read.
func (l *Ledger) IsAvailable(model string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.availableLocked(model)
}

func (l *Ledger) availableLocked(model string) bool {
	rec, ok := l.records[model]
	if !ok {
		return true
	}
	if !l.now().Before(rec.ExceededUntil) {
		delete(l.records, model)
		l.save()
		l.logger.Infof("Quota window for %s has reset", model)
		return true
	}
	return false
}

// ResetTime returns when the model becomes available again. ok is false
// when the model is not currently exhausted.
func (l *Ledger) ResetTime(model string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, found := l.records[model]
	if !found || !l.now().Before(rec.ExceededUntil) {
		return time.Time{}, false
	}
	return rec.ExceededUntil, true
}

// Reset clears the record for one model. Resetting a model with no record
// is a no-op.
func (l *Ledger) Reset(model string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[model]; !ok {
		return
	}
	delete(l.records, model)
	l.save()
	l.logger.Infof("Quota record for %s cleared", model)
}

// ResetAll clears every record.
func (l *Ledger) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) == 0 {
		return
	}
	l.records = make(map[string]*Record)
	l.save()
	l.logger.Info("All quota records cleared")
}

// Fallback returns the configured fallback for the primary model, or ""
// when the model has none.
func (l *Ledger) Fallback(model string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if model == l.primary {
		return l.fallback
	}
	return ""
}

// Status reports the ledger state for the configured models plus any
// other model that has a live record.
func (l *Ledger) Status() []global.QuotaStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	models := map[string]bool{l.primary: true}
	if l.fallback != "" {
		models[l.fallback] = true
	}
	for m := range l.records {
		models[m] = true
	}

	names := make([]string, 0, len(models))
	for m := range models {
		names = append(names, m)
	}
	sort.Strings(names)

	out := make([]global.QuotaStatus, 0, len(names))
	for _, m := range names {
		st := global.QuotaStatus{Model: m, Available: true}
		if rec, ok := l.records[m]; ok && l.now().Before(rec.ExceededUntil) {
			until := rec.ExceededUntil
			st.Available = false
			st.ExceededUntil = &until
			st.ConsecutiveFailures = rec.ConsecutiveFailures
		}
		out = append(out, st)
	}
	return out
}

// nextUTCMidnight returns the first instant of the next UTC day after t.
func nextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

// load reads persisted records. Errors are logged and ignored; a missing
// or corrupt state file just means a fresh ledger.
func (l *Ledger) load() {
	lock := flock.New(l.statePath + ".lock")
	if err := lock.Lock(); err != nil {
		l.logger.Warnf("Failed to lock quota state file: %v", err)
		return
	}
	defer func() { _ = lock.Unlock() }()

	data, err := os.ReadFile(l.statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warnf("Failed to read quota state file: %v", err)
		}
		return
	}
	var records map[string]*Record
	if err := json.Unmarshal(data, &records); err != nil {
		l.logger.Warnf("Ignoring corrupt quota state file: %v", err)
		return
	}
	l.records = records
	if l.records == nil {
		l.records = make(map[string]*Record)
	}
}

// save persists records under the file lock. Callers hold l.mu.
func (l *Ledger) save() {
	if l.statePath == "" {
		return
	}
	lock := flock.New(l.statePath + ".lock")
	if err := lock.Lock(); err != nil {
		l.logger.Warnf("Failed to lock quota state file: %v", err)
		return
	}
	defer func() { _ = lock.Unlock() }()

	data, err := json.MarshalIndent(l.records, "", "  ")
	if err != nil {
		l.logger.Errorf("Failed to marshal quota state: %v", err)
		return
	}
	if err := global.AtomicWrite(l.statePath, data); err != nil {
		l.logger.Errorf("Failed to write quota state: %v", err)
	}
}
