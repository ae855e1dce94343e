// Package mem owns the physical frame pool: the fixed-cardinality array of
// frames backing every process's demand-paged memory, the FIFO and Aging
// replacement policies, and the inverted-mapping discipline that keeps a
// BS frame's FIFO slot and its backing store's resident list in sync.
//
// The package follows the locking and singleton shape of the teacher
// kernel's mem.Physmem_t (biscuit/src/mem/mem.go): one mutex-guarded
// struct holding a flat array, intrusive free/FIFO lists threaded through
// the array itself rather than garbage-collected pointers, and a package
// level Refcnt/Refup/Refdown-style API — renamed here to the spec's own
// vocabulary (Alloc/Free/DecRefcnt) since this subsystem's frames are
// reference counted against page-table entries and store mappings, not
// against arbitrary kernel pointers.
package mem

import (
	"sync"

	"github.com/biscuit-vm/pager/internal/defs"
	"github.com/biscuit-vm/pager/internal/stats"
)

// Status_t is a frame's occupancy state.
type Status_t int

const (
	Free Status_t = iota
	Used
)

// FrameType_t is what a Used frame currently holds.
type FrameType_t int

const (
	FR_PD FrameType_t = iota // page directory
	FR_PT                    // page table
	FR_BS                    // backing-store page
)

// Frame_t is one entry of the physical frame pool.
type Frame_t struct {
	Frmid    int
	Status   Status_t
	Type     FrameType_t
	Accessed bool
	Refcnt   uint32
	Age      uint8
	Bsid     int
	Bspage   int

	fifoNext, fifoPrev int32 // -1 sentinel; global FIFO list
	bsNext, bsPrev     int32 // -1 sentinel; store's frames_in_core list
}

// Paddr returns the physical address of the frame's page per spec.md §6:
// frame index i <-> physical address (1024 + i) * PGSIZE.
func (f *Frame_t) Paddr() uint32 {
	return uint32(defs.FRAME0+f.Frmid) * uint32(defs.PGSIZE)
}

// Invalidator is implemented by the page-table layer. FrameTable_t.Free calls
// it to clear every page-table entry across every process that points at
// the frame being freed, mirroring PageTables.invalidate_physaddr in
// spec.md §4.3. It is injected rather than imported directly so mem does
// not depend on vm (vm already depends on mem for frame allocation).
type Invalidator interface {
	InvalidatePhysaddr(pfn uint32) (dirty bool)
}

// StoreWriter is implemented by the IO bridge. FrameTable_t.Free calls it to
// write a dirty BS frame back to its backing store before the frame is
// reused, mirroring write_bs in spec.md §4.2/§6.
type StoreWriter interface {
	WriteBack(bsid, bspage, frmid int) defs.Err_t
}

// ReplacementPolicy chooses a BS frame to evict, the strategy spec.md §9
// asks for: FIFO and Aging are two implementations of one capability that
// srpolicy swaps at startup.
type ReplacementPolicy interface {
	Evict(ft *FrameTable_t) (frmid int, ok bool)
	Name() string
}

// Policy_t identifies a replacement policy by number, as grpolicy/srpolicy
// return/accept.
type Policy_t int

const (
	FIFO Policy_t = iota
	AGING
)

// FrameStats_t counts the events spec.md §8's testable properties and the
// CLI harness report on.
type FrameStats_t struct {
	Allocs     stats.Counter_t
	Evictions  stats.Counter_t
	Shares     stats.Counter_t
	AgingSweep stats.Counter_t
}

// FrameTable_t owns the whole frame pool. It is a process-wide singleton;
// every mutating method takes its own lock for the duration of the call,
// the same exclusive-mutator discipline as Physmem_t.
type FrameTable_t struct {
	sec sync.Mutex

	frames   []Frame_t
	fifoHead int32
	fifoTail int32

	storeHead [defs.NBSTORES]int32
	storeTail [defs.NBSTORES]int32

	data [][]byte // per-frame PGSIZE byte backing, allocated lazily

	policy   ReplacementPolicy
	inv      Invalidator
	writer   StoreWriter
	Stats    FrameStats_t
}

// New builds an N-frame table (production N = defs.NFRAMES) with the FIFO
// policy active, matching srpolicy's documented requirement that a policy
// is selected once at startup.
func New(n int) *FrameTable_t {
	ft := &FrameTable_t{
		frames:   make([]Frame_t, n),
		data:     make([][]byte, n),
		fifoHead: -1,
		fifoTail: -1,
		policy:   FIFOPolicy_t{},
	}
	for i := range ft.frames {
		ft.frames[i] = Frame_t{Frmid: i, fifoNext: -1, fifoPrev: -1, bsNext: -1, bsPrev: -1}
	}
	for s := range ft.storeHead {
		ft.storeHead[s] = -1
		ft.storeTail[s] = -1
	}
	return ft
}

// SetHooks wires the invalidation sweep and store write-back callbacks.
// Called once during subsystem wiring (see internal/vmapi).
func (ft *FrameTable_t) SetHooks(inv Invalidator, w StoreWriter) {
	ft.sec.Lock()
	defer ft.sec.Unlock()
	ft.inv = inv
	ft.writer = w
}

// SetPolicy installs the active replacement policy. Mirrors srpolicy.
func (ft *FrameTable_t) SetPolicy(p Policy_t) {
	ft.sec.Lock()
	defer ft.sec.Unlock()
	switch p {
	case AGING:
		ft.policy = AgingPolicy_t{}
	default:
		ft.policy = FIFOPolicy_t{}
	}
}

// Policy mirrors grpolicy.
func (ft *FrameTable_t) Policy() Policy_t {
	ft.sec.Lock()
	defer ft.sec.Unlock()
	if _, ok := ft.policy.(AgingPolicy_t); ok {
		return AGING
	}
	return FIFO
}

// Alloc finds or evicts a frame, marks it Used with the given type and a
// zero refcnt (the caller sets it), appends it to the FIFO tail, and
// returns it. This is the sole allocation path per spec.md §4.2.
func (ft *FrameTable_t) Alloc(want FrameType_t) (*Frame_t, defs.Err_t) {
	ft.sec.Lock()
	defer ft.sec.Unlock()

	idx := -1
	for i := range ft.frames {
		if ft.frames[i].Status == Free {
			idx = i
			break
		}
	}
	if idx < 0 {
		victim, ok := ft.policy.Evict(ft)
		if !ok {
			return nil, defs.ENOMEM
		}
		if err := ft.freeLocked(victim); err != defs.OK {
			return nil, defs.ENOMEM
		}
		ft.Stats.Evictions.Inc()
		idx = victim
	}

	f := &ft.frames[idx]
	f.Status = Used
	f.Type = want
	f.Refcnt = 0
	f.Accessed = false
	f.Age = 0
	f.Bsid = 0
	f.Bspage = 0
	if ft.data[idx] == nil {
		ft.data[idx] = make([]byte, defs.PGSIZE)
	} else {
		clear(ft.data[idx])
	}
	ft.fifoAppend(int32(idx))
	ft.Stats.Allocs.Inc()
	return f, defs.OK
}

// PageBytes returns the PGSIZE-byte backing of a Used frame, for the
// fault handler to copy backing-store data into and for the heap manager
// to read/write free-list node words through.
func (ft *FrameTable_t) PageBytes(frmid int) []byte {
	ft.sec.Lock()
	defer ft.sec.Unlock()
	if ft.data[frmid] == nil {
		ft.data[frmid] = make([]byte, defs.PGSIZE)
	}
	return ft.data[frmid]
}

// Free invalidates every page-table entry pointing at the frame, writes
// it back if it was a dirty BS page, unlinks it from the FIFO and (if
// applicable) its store's resident list, and marks it Free.
func (ft *FrameTable_t) Free(frmid int) defs.Err_t {
	ft.sec.Lock()
	defer ft.sec.Unlock()
	return ft.freeLocked(frmid)
}

// freeLocked must be called with ft.sec held; it always returns with
// ft.sec held again. In between it releases the lock to run the injected
// Invalidator and StoreWriter, since InvalidatePhysaddr's own bookkeeping
// (decrementing a page table frame's refcount, which may itself free that
// frame) calls back into this same table — without the release that
// re-entry would deadlock on ft.sec. The frame is unlinked from the FIFO
// and its store list before the release so neither Alloc's free scan nor
// a policy's eviction scan can observe or pick it mid-flight.
func (ft *FrameTable_t) freeLocked(frmid int) defs.Err_t {
	if frmid < 0 || frmid >= len(ft.frames) {
		return defs.EINVAL
	}
	f := &ft.frames[frmid]
	if f.Status == Free {
		return defs.EINVAL
	}

	typ, bsid, bspage := f.Type, f.Bsid, f.Bspage
	pfn := uint32(defs.FRAME0 + frmid)

	ft.fifoRemove(int32(frmid))
	if typ == FR_BS {
		ft.storeRemove(bsid, int32(frmid))
	}

	inv, writer := ft.inv, ft.writer
	ft.sec.Unlock()
	dirty := false
	if inv != nil {
		dirty = inv.InvalidatePhysaddr(pfn)
	}
	if typ == FR_BS && dirty && writer != nil {
		writer.WriteBack(bsid, bspage, frmid)
	}
	ft.sec.Lock()

	*f = Frame_t{Frmid: frmid, fifoNext: -1, fifoPrev: -1, bsNext: -1, bsPrev: -1}
	return defs.OK
}

// DecRefcnt decrements a frame's reference count, freeing it on the
// transition to zero.
func (ft *FrameTable_t) DecRefcnt(frmid int) defs.Err_t {
	ft.sec.Lock()
	defer ft.sec.Unlock()
	if frmid < 0 || frmid >= len(ft.frames) {
		return defs.EINVAL
	}
	f := &ft.frames[frmid]
	if f.Status == Free || f.Refcnt == 0 {
		return defs.EINVAL
	}
	f.Refcnt--
	if f.Refcnt == 0 {
		return ft.freeLocked(frmid)
	}
	return defs.OK
}

// IncRefcnt increments a frame's reference count, e.g. when a second
// process maps the same resident BS page (spec.md §9 open question 1).
func (ft *FrameTable_t) IncRefcnt(frmid int) {
	ft.sec.Lock()
	defer ft.sec.Unlock()
	ft.frames[frmid].Refcnt++
}

// DecStoreRange decrements the refcount of every resident frame for bsid
// whose bspage < npages, used by bstore.CleanProcess to conservatively
// cover a mapped range on process exit per spec.md §4.1.
func (ft *FrameTable_t) DecStoreRange(bsid int, npages int) {
	ft.sec.Lock()
	ids := make([]int32, 0, 8)
	for i := ft.storeHead[bsid]; i != -1; i = ft.frames[i].bsNext {
		if ft.frames[i].Bspage < npages {
			ids = append(ids, i)
		}
	}
	ft.sec.Unlock()
	for _, id := range ids {
		ft.DecRefcnt(int(id))
	}
}

// AttachToStore links a freshly allocated BS frame onto its store's
// frames_in_core list. Called by the page-fault handler after it has set
// Bsid/Bspage on a newly allocated frame.
func (ft *FrameTable_t) AttachToStore(bsid, frmid int) {
	ft.sec.Lock()
	defer ft.sec.Unlock()
	ft.frames[frmid].Bsid = bsid
	tail := ft.storeTail[bsid]
	ft.frames[frmid].bsPrev = tail
	ft.frames[frmid].bsNext = -1
	if tail == -1 {
		ft.storeHead[bsid] = int32(frmid)
	} else {
		ft.frames[tail].bsNext = int32(frmid)
	}
	ft.storeTail[bsid] = int32(frmid)
}

func (ft *FrameTable_t) storeRemove(bsid int, frmid int32) {
	f := &ft.frames[frmid]
	if f.bsPrev != -1 {
		ft.frames[f.bsPrev].bsNext = f.bsNext
	} else {
		ft.storeHead[bsid] = f.bsNext
	}
	if f.bsNext != -1 {
		ft.frames[f.bsNext].bsPrev = f.bsPrev
	} else {
		ft.storeTail[bsid] = f.bsPrev
	}
	f.bsNext, f.bsPrev = -1, -1
}

func (ft *FrameTable_t) fifoAppend(frmid int32) {
	ft.frames[frmid].fifoPrev = ft.fifoTail
	ft.frames[frmid].fifoNext = -1
	if ft.fifoTail == -1 {
		ft.fifoHead = frmid
	} else {
		ft.frames[ft.fifoTail].fifoNext = frmid
	}
	ft.fifoTail = frmid
}

func (ft *FrameTable_t) fifoRemove(frmid int32) {
	f := &ft.frames[frmid]
	if f.fifoPrev != -1 {
		ft.frames[f.fifoPrev].fifoNext = f.fifoNext
	} else {
		ft.fifoHead = f.fifoNext
	}
	if f.fifoNext != -1 {
		ft.frames[f.fifoNext].fifoPrev = f.fifoPrev
	} else {
		ft.fifoTail = f.fifoPrev
	}
	f.fifoNext, f.fifoPrev = -1, -1
}

// FindBspage returns the frame already caching (bsid, bspage), if any, so
// the fault handler can share one frame across multiple mappings of the
// same backing-store page instead of loading it twice.
func (ft *FrameTable_t) FindBspage(bsid, bspage int) (*Frame_t, bool) {
	ft.sec.Lock()
	defer ft.sec.Unlock()
	for i := range ft.frames {
		f := &ft.frames[i]
		if f.Status == Used && f.Type == FR_BS && f.Bsid == bsid && f.Bspage == bspage {
			ft.Stats.Shares.Inc()
			return f, true
		}
	}
	return nil, false
}

// SetAccessed marks a frame as touched since the last aging sweep; called
// by the aging sweep's first pass (spec.md §4.7) once per present PTE
// that has the hardware accessed bit set.
func (ft *FrameTable_t) SetAccessed(frmid int) {
	ft.sec.Lock()
	defer ft.sec.Unlock()
	if frmid >= 0 && frmid < len(ft.frames) {
		ft.frames[frmid].Accessed = true
	}
}

// UpdateAges runs the aging sweep's second pass: age >>= 1, then age =
// min(255, age+128) and Accessed cleared if the frame was touched. Two
// passes keep a doubly mapped frame from being aged twice per sweep.
func (ft *FrameTable_t) UpdateAges() {
	ft.sec.Lock()
	defer ft.sec.Unlock()
	ft.Stats.AgingSweep.Inc()
	for i := ft.fifoHead; i != -1; i = ft.frames[i].fifoNext {
		f := &ft.frames[i]
		f.Age >>= 1
		if f.Accessed {
			na := int(f.Age) + 128
			if na > 255 {
				na = 255
			}
			f.Age = uint8(na)
			f.Accessed = false
		}
	}
}

// Get returns a copy of frame frmid's current state, used by invariant
// checks and the diagnostics dump.
func (ft *FrameTable_t) Get(frmid int) Frame_t {
	ft.sec.Lock()
	defer ft.sec.Unlock()
	return ft.frames[frmid]
}

// Snapshot returns a read-only copy of every frame, for invariant
// checking and the pprof-backed diagnostics dump.
func (ft *FrameTable_t) Snapshot() []Frame_t {
	ft.sec.Lock()
	defer ft.sec.Unlock()
	out := make([]Frame_t, len(ft.frames))
	copy(out, ft.frames)
	return out
}

// UsedCount returns the number of frames currently Used, for tests that
// assert S1's "subsequent accesses must not increase used-frame count".
func (ft *FrameTable_t) UsedCount() int {
	ft.sec.Lock()
	defer ft.sec.Unlock()
	n := 0
	for i := range ft.frames {
		if ft.frames[i].Status == Used {
			n++
		}
	}
	return n
}

// Len returns the size of the frame pool.
func (ft *FrameTable_t) Len() int { return len(ft.frames) }

// FIFOPolicy_t evicts the oldest (head-most) BS frame.
type FIFOPolicy_t struct{}

func (FIFOPolicy_t) Name() string { return "fifo" }

func (FIFOPolicy_t) Evict(ft *FrameTable_t) (int, bool) {
	for i := ft.fifoHead; i != -1; i = ft.frames[i].fifoNext {
		if ft.frames[i].Type == FR_BS {
			return int(i), true
		}
	}
	return 0, false
}

// AgingPolicy_t evicts the BS frame with the smallest age, breaking ties
// by earlier FIFO position (spec.md §9 open question 2: smallest age is
// oldest and is the victim).
type AgingPolicy_t struct{}

func (AgingPolicy_t) Name() string { return "aging" }

func (AgingPolicy_t) Evict(ft *FrameTable_t) (int, bool) {
	best := int32(-1)
	var bestAge uint8
	for i := ft.fifoHead; i != -1; i = ft.frames[i].fifoNext {
		f := &ft.frames[i]
		if f.Type != FR_BS {
			continue
		}
		if best == -1 || f.Age < bestAge {
			best = i
			bestAge = f.Age
		}
	}
	if best == -1 {
		return 0, false
	}
	return int(best), true
}
