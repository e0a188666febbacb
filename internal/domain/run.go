package domain

import "time"

// Run carries the state shared by every component during one synchronization
// run. It is owned by a single goroutine.
type Run struct {
	Identities IdentityMap
	// OwnerTypes maps remote owner-type symbol codes to their ids. Nil until
	// first fetched.
	OwnerTypes map[string]string
	// TagElements maps "<category>/<title>" to tag element ids created or
	// found during the run.
	TagElements map[string]string
	Now         func() time.Time
}

// NewRun creates a run context. A nil now uses time.Now.
func NewRun(identities IdentityMap, now func() time.Time) *Run {
	if identities == nil {
		identities = IdentityMap{}
	}
	if now == nil {
		now = time.Now
	}
	return &Run{
		Identities:  identities,
		TagElements: make(map[string]string),
		Now:         now,
	}
}

// ForgetTagElements drops cached tag elements with the given ids, used when
// the transaction that would have created them failed.
func (r *Run) ForgetTagElements(ids ...string) {
	for _, id := range ids {
		for key, cached := range r.TagElements {
			if cached == id {
				delete(r.TagElements, key)
			}
		}
	}
}
