// Package proc is the minimal process table the paging subsystem needs as
// an external collaborator: a pid, its page-directory frame, its heap
// region descriptor, and the live-process set the access-bit and
// invalidation sweeps iterate in pid order. Scheduling, the run queue and
// everything else a real process table owns live outside this package's
// scope (spec.md §1's "external collaborators" list).
//
// The "current process" register a real syscall layer would read is
// replaced by an explicit pid parameter on every MapAPI entry point —
// this module has no scheduler to make "current" meaningful, and an
// explicit parameter is the more testable shape anyway.
package proc

import (
	"sort"
	"sync"

	"github.com/biscuit-vm/pager/internal/defs"
)

// Proc_t is one process's paging-relevant state.
type Proc_t struct {
	Pid int

	PdFrame int // page-directory frame id, -1 until PDAlloc runs

	HeapBsid   int // -1 if vcreate has not been called
	HeapVpno   uint32
	HeapNpages int
	FreeHead   uint32 // virtual address of the heap free list's head block, 0 if none

	Alive bool
}

// Table_t is the process table singleton.
type Table_t struct {
	mu      sync.Mutex
	procs   map[int]*Proc_t
	nextPid int
}

// New returns an empty table; pids are assigned starting at 1.
func New() *Table_t {
	return &Table_t{procs: make(map[int]*Proc_t), nextPid: 1}
}

// Create allocates a fresh pid and registers it Alive with no page
// directory and no heap yet.
func (t *Table_t) Create() *Proc_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	pid := t.nextPid
	t.nextPid++
	p := &Proc_t{Pid: pid, PdFrame: -1, HeapBsid: -1, Alive: true}
	t.procs[pid] = p
	return p
}

// Get returns the process record for pid, if it is still registered.
func (t *Table_t) Get(pid int) (Proc_t, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	if !ok {
		return Proc_t{}, false
	}
	return *p, true
}

// Remove drops pid from the table; called once its address space has been
// fully torn down.
func (t *Table_t) Remove(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, pid)
}

// SetPdFrame records the frame holding pid's page directory.
func (t *Table_t) SetPdFrame(pid, frame int) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	if !ok {
		return defs.EINVAL
	}
	p.PdFrame = frame
	return defs.OK
}

// SetHeap records the backing store and virtual range vcreate reserved
// for pid's heap.
func (t *Table_t) SetHeap(pid, bsid int, vpno uint32, npages int) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	if !ok {
		return defs.EINVAL
	}
	p.HeapBsid = bsid
	p.HeapVpno = vpno
	p.HeapNpages = npages
	p.FreeHead = vpno * uint32(defs.PGSIZE)
	return defs.OK
}

// SetFreeHead updates the virtual address of pid's heap free-list head,
// the field vgetmem/vfreemem rewrite on every call.
func (t *Table_t) SetFreeHead(pid int, addr uint32) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	if !ok {
		return defs.EINVAL
	}
	p.FreeHead = addr
	return defs.OK
}

// Live returns every Alive process, ordered by ascending pid, the order
// spec.md §4.7's access-bit and invalidation sweeps visit processes in.
func (t *Table_t) Live() []Proc_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Proc_t, 0, len(t.procs))
	for _, p := range t.procs {
		if p.Alive {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pid < out[j].Pid })
	return out
}
