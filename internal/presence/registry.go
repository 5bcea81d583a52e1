// Package presence tracks which identities are connected, what they are
// called and who they are currently in a call with.
package presence

import (
	"cmp"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/BioHazard786/warpcall/internal/protocol"
)

// ErrNotFound is returned when an identity has no live entry.
var ErrNotFound = errors.New("identity not found")

// Entry is the registry's record for one connected identity.
type Entry[C comparable] struct {
	Identity    string
	DisplayName string
	Channel     C

	// Partner is the identity this one is negotiating or in a call with,
	// or empty.
	Partner string

	ConnectedAt time.Time
}

// InCall reports whether the entry is bound to a call partner.
func (e Entry[C]) InCall() bool {
	return e.Partner != ""
}

// Registry is the authoritative map of connected identities. C is the
// delivery handle bound to each identity; the registry never writes to it.
//
// Every mutation that changes what a presence snapshot would show is
// signalled on Changed. Signals coalesce, so a reader always observes the
// state after the most recent mutation when it takes its snapshot.
type Registry[C comparable] struct {
	mu      sync.RWMutex
	entries map[string]*Entry[C]
	changed chan struct{}
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry[C comparable]() *Registry[C] {
	return &Registry[C]{
		entries: make(map[string]*Entry[C]),
		changed: make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Register inserts or replaces the entry for identity. A repeated call for
// the same identity overwrites the display name and channel handle but keeps
// the partner and connect time. The replaced handle is returned so the caller
// can retire it.
func (r *Registry[C]) Register(identity, displayName string, ch C) (previous C, replaced bool) {
	r.mu.Lock()
	if e, ok := r.entries[identity]; ok {
		previous, replaced = e.Channel, true
		e.DisplayName = displayName
		e.Channel = ch
	} else {
		r.entries[identity] = &Entry[C]{
			Identity:    identity,
			DisplayName: displayName,
			Channel:     ch,
			ConnectedAt: r.now(),
		}
	}
	r.mu.Unlock()

	r.signal()
	return previous, replaced
}

// Rename updates the display name of identity. Unknown identities are
// ignored; the return value reports whether anything changed.
func (r *Registry[C]) Rename(identity, displayName string) bool {
	r.mu.Lock()
	e, ok := r.entries[identity]
	if ok && e.DisplayName != displayName {
		e.DisplayName = displayName
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		r.signal()
	}
	return ok
}

// SetPartner binds identity to partner, or clears the binding when partner
// is empty.
func (r *Registry[C]) SetPartner(identity, partner string) error {
	r.mu.Lock()
	e, ok := r.entries[identity]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	changed := e.Partner != partner
	e.Partner = partner
	r.mu.Unlock()

	if changed {
		r.signal()
	}
	return nil
}

// Remove deletes identity and returns its last entry.
func (r *Registry[C]) Remove(identity string) (Entry[C], bool) {
	r.mu.Lock()
	e, ok := r.entries[identity]
	if ok {
		delete(r.entries, identity)
	}
	r.mu.Unlock()

	if !ok {
		return Entry[C]{}, false
	}
	r.signal()
	return *e, true
}

// RemoveChannel deletes identity only while it is still bound to ch. It is
// used when a connection closes after its identity was taken over by a newer
// connection.
func (r *Registry[C]) RemoveChannel(identity string, ch C) (Entry[C], bool) {
	r.mu.Lock()
	e, ok := r.entries[identity]
	if !ok || e.Channel != ch {
		r.mu.Unlock()
		return Entry[C]{}, false
	}
	delete(r.entries, identity)
	r.mu.Unlock()

	r.signal()
	return *e, true
}

// Lookup returns a copy of the entry for identity.
func (r *Registry[C]) Lookup(identity string) (Entry[C], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[identity]
	if !ok {
		return Entry[C]{}, false
	}
	return *e, true
}

// Channel returns the delivery handle bound to identity.
func (r *Registry[C]) Channel(identity string) (C, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[identity]
	if !ok {
		var zero C
		return zero, false
	}
	return e.Channel, true
}

// Channels returns every bound delivery handle.
func (r *Registry[C]) Channels() []C {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.MapToSlice(r.entries, func(_ string, e *Entry[C]) C {
		return e.Channel
	})
}

// Snapshot returns the presence listing ordered by display name, then
// identity, so equal content always serialises identically.
func (r *Registry[C]) Snapshot() []protocol.User {
	r.mu.RLock()
	users := lo.MapToSlice(r.entries, func(_ string, e *Entry[C]) protocol.User {
		return protocol.User{
			Identity:    e.Identity,
			DisplayName: e.DisplayName,
			InCall:      e.InCall(),
		}
	})
	r.mu.RUnlock()

	slices.SortFunc(users, func(a, b protocol.User) int {
		return cmp.Or(
			strings.Compare(strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName)),
			strings.Compare(a.Identity, b.Identity),
		)
	})
	return users
}

// Len returns the number of connected identities.
func (r *Registry[C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Changed delivers a value after presence-visible mutations.
func (r *Registry[C]) Changed() <-chan struct{} {
	return r.changed
}

func (r *Registry[C]) signal() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}
