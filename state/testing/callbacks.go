// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"sync"

	"github.com/statekeep/statekeep/state"
)

// CallbackRecord is one delivered notification.
type CallbackRecord struct {
	Phase  string // "pre" or "post"
	Kind   state.Callback
	Object state.Instance
}

// RecordingCallbacks captures every notification in delivery order.
type RecordingCallbacks struct {
	mu      sync.Mutex
	Records []CallbackRecord
}

// Pre is part of state.CallbackHandler.
func (r *RecordingCallbacks) Pre(cb state.Callback, obj state.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Records = append(r.Records, CallbackRecord{Phase: "pre", Kind: cb, Object: obj})
}

// Post is part of state.CallbackHandler.
func (r *RecordingCallbacks) Post(cb state.Callback, obj state.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Records = append(r.Records, CallbackRecord{Phase: "post", Kind: cb, Object: obj})
}

// Sequence renders the records as "phase kind" strings for
// assertions.
func (r *RecordingCallbacks) Sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Records))
	for n, rec := range r.Records {
		out[n] = rec.Phase + " " + rec.Kind.String()
	}
	return out
}

// Reset drops the recorded notifications.
func (r *RecordingCallbacks) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Records = nil
}
