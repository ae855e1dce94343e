// Package bstore owns the fixed set of 8 backing stores and their
// per-process mapping lists: get_free/alloc/free, add/lookup/delete
// mapping, and the process-exit sweep (clean_process). It follows the
// same "one mutex guards one singleton struct" shape as the teacher
// kernel's mem.Physmem_t, applied to spec.md §4.1's BackingStoreTable.
package bstore

import (
	"sync"

	"github.com/biscuit-vm/pager/internal/defs"
)

// Status_t is a store's occupancy state.
type Status_t int

const (
	Free Status_t = iota
	Used
)

// Mapping_t binds a contiguous virtual-page range of one process to a
// backing store. next is an intrusive singly-linked pointer; insertion
// order is unspecified per spec.md §5, so AddMapping pushes at the head.
type Mapping_t struct {
	Bsid   int
	Pid    int
	Vpno   uint32
	Npages int
	next   *Mapping_t
}

// bs_t is one of the 8 fixed-cardinality backing stores.
type bs_t struct {
	id      int
	status  Status_t
	isHeap  bool
	npages  int
	mapHead *Mapping_t
}

// FrameOwner is implemented by the frame table. clean_process uses it to
// decrement the refcount of every frame resident for a store being
// unmapped, without bstore importing mem directly (mem already has no
// reverse dependency on bstore; this keeps it that way).
type FrameOwner interface {
	DecStoreRange(bsid int, npages int)
}

// Table_t is the backing-store table singleton.
type Table_t struct {
	mu     sync.Mutex
	stores [defs.NBSTORES]bs_t
	frames FrameOwner
}

// New returns an initialized, all-Free table of exactly NBSTORES stores.
func New() *Table_t {
	t := &Table_t{}
	for i := range t.stores {
		t.stores[i] = bs_t{id: i}
	}
	return t
}

// SetFrameOwner wires the frame table used by CleanProcess.
func (t *Table_t) SetFrameOwner(fo FrameOwner) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = fo
}

// Alloc marks store bsid Used with the given page count. It fails if the
// store is already Used (spec.md §4.1: "alloc fails if the chosen store
// is already Used"); the get_bs-level "already Used returns existing size
// unchanged" behavior is MapAPI policy layered on top, not this primitive.
func (t *Table_t) Alloc(bsid, npages int) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bsid < 0 || bsid >= defs.NBSTORES {
		return defs.EINVAL
	}
	if npages < 1 || npages > defs.BSMAXPAGES {
		return defs.EINVAL
	}
	s := &t.stores[bsid]
	if s.status == Used {
		return defs.EEXIST
	}
	s.status = Used
	s.npages = npages
	s.isHeap = false
	s.mapHead = nil
	return defs.OK
}

// GetFree scans stores in ascending id order and returns the first Free
// store whose capacity (always BSMAXPAGES) covers npages.
func (t *Table_t) GetFree(npages int) (int, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if npages < 1 || npages > defs.BSMAXPAGES {
		return 0, defs.EINVAL
	}
	for i := range t.stores {
		if t.stores[i].status == Free {
			return i, defs.OK
		}
	}
	return 0, defs.ENOSTORE
}

// AllocHeap is the vcreate-side variant of Alloc: it finds a free store,
// marks it Used and is_heap, and returns its id.
func (t *Table_t) AllocHeap(npages int) (int, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if npages < 1 || npages > defs.BSMAXPAGES {
		return 0, defs.EINVAL
	}
	for i := range t.stores {
		if t.stores[i].status == Free {
			s := &t.stores[i]
			s.status = Used
			s.npages = npages
			s.isHeap = true
			s.mapHead = nil
			return i, defs.OK
		}
	}
	return 0, defs.ENOSTORE
}

// Release is the deferred free spec.md §4.1 describes: if any mappings
// remain the call is a no-op success (the store is shared); it only
// transitions to Free once its mapping list has drained, which also
// happens implicitly inside DeleteMapping per spec.md §9 open question 3.
func (t *Table_t) Release(bsid int) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bsid < 0 || bsid >= defs.NBSTORES {
		return defs.EINVAL
	}
	s := &t.stores[bsid]
	if s.status == Free {
		return defs.OK
	}
	if s.mapHead != nil {
		return defs.OK
	}
	*s = bs_t{id: bsid}
	return defs.OK
}

// Info reports the current status/size/is-heap of a store.
func (t *Table_t) Info(bsid int) (status Status_t, npages int, isHeap bool, err defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bsid < 0 || bsid >= defs.NBSTORES {
		return Free, 0, false, defs.EINVAL
	}
	s := &t.stores[bsid]
	return s.status, s.npages, s.isHeap, defs.OK
}

// AddMapping binds [vpno, vpno+npages) of pid to bsid. The store must be
// Used; ranges belonging to the same pid on the same store must not
// overlap (spec.md §8 invariant 4); different pids may freely overlap
// (that's the shared-store mechanism spec.md §9 open question 1 asks
// about, resolved as always-on).
func (t *Table_t) AddMapping(bsid, pid int, vpno uint32, npages int) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bsid < 0 || bsid >= defs.NBSTORES {
		return defs.EINVAL
	}
	s := &t.stores[bsid]
	if s.status == Free {
		return defs.EINVAL
	}
	if npages < 1 {
		return defs.EINVAL
	}
	end := vpno + uint32(npages)
	for m := s.mapHead; m != nil; m = m.next {
		if m.Pid != pid {
			continue
		}
		mend := m.Vpno + uint32(m.Npages)
		if vpno < mend && m.Vpno < end {
			return defs.EEXIST
		}
	}
	nm := &Mapping_t{Bsid: bsid, Pid: pid, Vpno: vpno, Npages: npages, next: s.mapHead}
	s.mapHead = nm
	return defs.OK
}

// LookupMapping scans every store's mapping list for one owned by pid
// whose range contains vpno.
func (t *Table_t) LookupMapping(pid int, vpno uint32) (Mapping_t, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.stores {
		for m := t.stores[i].mapHead; m != nil; m = m.next {
			if m.Pid == pid && vpno >= m.Vpno && vpno < m.Vpno+uint32(m.Npages) {
				return *m, true
			}
		}
	}
	return Mapping_t{}, false
}

// DeleteMapping removes the mapping owned by pid whose range starts at
// vpno (xmunmap's contract: "mapping must exist"). If removing it drains
// the store's mapping list, the store is freed immediately — the
// explicit drain-triggered free spec.md §9 open question 3 asks for.
func (t *Table_t) DeleteMapping(pid int, vpno uint32) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.stores {
		s := &t.stores[i]
		var prev *Mapping_t
		for m := s.mapHead; m != nil; m = m.next {
			if m.Pid == pid && m.Vpno == vpno {
				if prev == nil {
					s.mapHead = m.next
				} else {
					prev.next = m.next
				}
				if s.mapHead == nil && s.status == Used {
					*s = bs_t{id: s.id}
				}
				return defs.OK
			}
			prev = m
		}
	}
	return defs.ENOMAP
}

// CleanProcess walks every mapping of every store; for each mapping
// belonging to pid it decrements the refcount of every resident frame
// covering the mapped range, removes the mapping, and frees the store if
// its mapping list drains. Tolerant of mappings pointing into a process
// that is itself still being torn down (it only touches store/frame
// state), per spec.md §5's cancellation contract.
func (t *Table_t) CleanProcess(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.stores {
		s := &t.stores[i]
		var prev *Mapping_t
		m := s.mapHead
		for m != nil {
			next := m.next
			if m.Pid == pid {
				if t.frames != nil {
					t.frames.DecStoreRange(s.id, m.Npages)
				}
				if prev == nil {
					s.mapHead = next
				} else {
					prev.next = next
				}
			} else {
				prev = m
			}
			m = next
		}
		if s.mapHead == nil && s.status == Used {
			*s = bs_t{id: s.id}
		}
	}
}

// Mappings returns a snapshot of every mapping on store bsid, for
// diagnostics and invariant checks.
func (t *Table_t) Mappings(bsid int) []Mapping_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Mapping_t
	if bsid < 0 || bsid >= defs.NBSTORES {
		return nil
	}
	for m := t.stores[bsid].mapHead; m != nil; m = m.next {
		out = append(out, *m)
	}
	return out
}
