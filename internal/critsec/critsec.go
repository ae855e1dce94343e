// Package critsec models the "disable interrupts across the critical
// section" discipline spec.md §5 requires of every MapAPI entry point and
// the page-fault handler, the same way the teacher's Vm_t embeds a mutex
// and pairs Lock_pmap/Unlock_pmap with a Lockassert_pmap sanity check.
//
// On the single-CPU, single-threaded-with-preemption model the spec
// describes, "disable interrupts" and "take the one mutex guarding this
// singleton" are the same operation; Section is that mutex, wearing the
// spec's vocabulary instead of sync.Mutex's.
package critsec

import "sync"

// Section is the critical section around the subsystem's entry points;
// vmapi.Api_t holds one and enters it in every MapAPI call. The frame,
// backing-store and page tables each keep their own sync.Mutex.
type Section struct {
	mu   sync.Mutex
	held bool
}

// Enter disables preemption for the critical section.
func (s *Section) Enter() {
	s.mu.Lock()
	s.held = true
}

// Exit restores preemption.
func (s *Section) Exit() {
	s.held = false
	s.mu.Unlock()
}

// Assert panics if the section is not currently held. Used the way
// Lockassert_pmap is used, at the top of helpers that must only run with
// the lock already taken.
func (s *Section) Assert() {
	if !s.held {
		panic("critsec: section must be held")
	}
}

// Do runs f with the section held and always restores preemption on
// every exit path, including a panic unwinding through f.
func Do(s *Section, f func()) {
	s.Enter()
	defer s.Exit()
	f()
}
