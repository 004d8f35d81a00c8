package sip

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"trunkgw-server/pkg/metrics"
)

// Dialog records both legs of a relayed call. The upstream leg is identified
// by the source address the INVITE arrived from, the downstream leg by the
// provider address the gateway sent it to. Requests arriving later on the
// same Call-ID are routed to the opposite leg.
type Dialog struct {
	CallID            string
	UpstreamSource    string
	DownstreamAddress string
	DownstreamToTag   string
	Confirmed         bool
	CreatedAt         time.Time

	lastActivity time.Time
}

// DialogRegistry tracks dialogs by Call-ID
type DialogRegistry struct {
	mu      sync.RWMutex
	dialogs map[string]*Dialog
	logger  *logrus.Logger
}

// NewDialogRegistry creates an empty dialog registry
func NewDialogRegistry(logger *logrus.Logger) *DialogRegistry {
	return &DialogRegistry{
		dialogs: make(map[string]*Dialog),
		logger:  logger,
	}
}

// Register records a new dialog for an initial INVITE. An existing entry for
// the same Call-ID is replaced; an INVITE retransmission carries the state of
// the newest attempt.
func (r *DialogRegistry) Register(callID, upstreamSource, downstreamAddress string) *Dialog {
	now := time.Now()
	dialog := &Dialog{
		CallID:            callID,
		UpstreamSource:    upstreamSource,
		DownstreamAddress: downstreamAddress,
		CreatedAt:         now,
		lastActivity:      now,
	}

	r.mu.Lock()
	r.dialogs[callID] = dialog
	total := len(r.dialogs)
	r.mu.Unlock()

	metrics.SetActiveDialogs(total)
	return dialog
}

// Lookup returns the dialog for a Call-ID, or nil when none is tracked
func (r *DialogRegistry) Lookup(callID string) *Dialog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dialogs[callID]
}

// Confirm marks a dialog as established and records the downstream To tag
func (r *DialogRegistry) Confirm(callID, downstreamToTag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dialog, exists := r.dialogs[callID]; exists {
		dialog.Confirmed = true
		dialog.DownstreamToTag = downstreamToTag
		dialog.lastActivity = time.Now()
	}
}

// Touch refreshes the activity timestamp of a dialog
func (r *DialogRegistry) Touch(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dialog, exists := r.dialogs[callID]; exists {
		dialog.lastActivity = time.Now()
	}
}

// Remove drops a dialog from the registry
func (r *DialogRegistry) Remove(callID string) {
	r.mu.Lock()
	_, existed := r.dialogs[callID]
	delete(r.dialogs, callID)
	total := len(r.dialogs)
	r.mu.Unlock()

	if existed {
		metrics.SetActiveDialogs(total)
	}
}

// Count returns the number of tracked dialogs
func (r *DialogRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dialogs)
}

// EvictStale removes dialogs whose last activity is older than maxAge. A BYE
// can be lost, so the registry cannot rely on teardown alone.
func (r *DialogRegistry) EvictStale(maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var evicted []string
	for callID, dialog := range r.dialogs {
		if dialog.lastActivity.Before(cutoff) {
			delete(r.dialogs, callID)
			evicted = append(evicted, callID)
		}
	}
	total := len(r.dialogs)
	r.mu.Unlock()

	for _, callID := range evicted {
		r.logger.WithField("call_id", callID).Warn("Evicted stale dialog")
	}
	if len(evicted) > 0 {
		metrics.SetActiveDialogs(total)
	}
}
