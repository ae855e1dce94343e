// Package hw is the IOBridge external collaborator: the physical byte
// storage backing the 8 backing stores and the hardware-register stubs
// (page-directory-base register reload) spec.md §1 lists as something the
// paging subsystem calls but does not itself implement. It plays the role
// original_source/paging/read_bs.c and write_bs.c play for the C kernel,
// and the role the teacher's low-level apic/cpu register pokes play for
// the page-directory-base reload on a context switch.
package hw

import (
	"sync"

	"github.com/biscuit-vm/pager/internal/defs"
	"github.com/biscuit-vm/pager/internal/stats"
)

// FrameSource is the frame table's byte-backing surface, injected so this
// package does not import mem just to read one method's worth of it.
type FrameSource interface {
	PageBytes(frmid int) []byte
}

// BridgeStats_t counts IO bridge activity for the diagnostics dump.
type BridgeStats_t struct {
	Reads    stats.Counter_t
	Writes   stats.Counter_t
	PDBRLoad stats.Counter_t
}

// Bridge_t is the IOBridge singleton: one BSMAXPAGES*PGSIZE byte region
// per backing store, allocated lazily on first touch.
type Bridge_t struct {
	mu     sync.Mutex
	stores map[int][]byte
	ft     FrameSource
	Stats  BridgeStats_t
}

// NewBridge wires the bridge to the frame table's byte backing.
func NewBridge(ft FrameSource) *Bridge_t {
	return &Bridge_t{stores: make(map[int][]byte), ft: ft}
}

func (b *Bridge_t) storeBuf(bsid int) []byte {
	buf, ok := b.stores[bsid]
	if !ok {
		buf = make([]byte, defs.BSMAXPAGES*defs.PGSIZE)
		b.stores[bsid] = buf
	}
	return buf
}

// ReadBS copies one page from (bsid, bspage) into frmid's backing bytes,
// the page-fault handler's step to populate a newly allocated frame.
func (b *Bridge_t) ReadBS(bsid, bspage, frmid int) defs.Err_t {
	if bsid < 0 || bsid >= defs.NBSTORES || bspage < 0 || bspage >= defs.BSMAXPAGES {
		return defs.EINVAL
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := b.storeBuf(bsid)
	off := bspage * defs.PGSIZE
	dst := b.ft.PageBytes(frmid)
	copy(dst, buf[off:off+defs.PGSIZE])
	b.Stats.Reads.Inc()
	return defs.OK
}

// WriteBack copies frmid's backing bytes into (bsid, bspage), implementing
// mem.StoreWriter for a dirty BS frame being evicted or torn down.
func (b *Bridge_t) WriteBack(bsid, bspage, frmid int) defs.Err_t {
	if bsid < 0 || bsid >= defs.NBSTORES || bspage < 0 || bspage >= defs.BSMAXPAGES {
		return defs.EINVAL
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := b.storeBuf(bsid)
	off := bspage * defs.PGSIZE
	src := b.ft.PageBytes(frmid)
	copy(buf[off:off+defs.PGSIZE], src)
	b.Stats.Writes.Inc()
	return defs.OK
}

// WriteRaw copies data directly into a backing store's byte region at the
// given offset, bypassing the frame pool entirely. vcreate uses this to
// install a heap's initial free-list node: the owning process is not yet
// running, so there is no virtual address to fault the write through
// (spec.md §4.5 — "it is written directly to the physical start of the
// backing store").
func (b *Bridge_t) WriteRaw(bsid, offset int, data []byte) defs.Err_t {
	if bsid < 0 || bsid >= defs.NBSTORES || offset < 0 || offset+len(data) > defs.BSMAXPAGES*defs.PGSIZE {
		return defs.EINVAL
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := b.storeBuf(bsid)
	copy(buf[offset:], data)
	return defs.OK
}

// ReloadPDBR models writing the page-directory-base register, the last
// step of both the page-fault handler (spec.md §4.4) and xmunmap (§4.6).
// Nothing in this simulation actually walks page tables in hardware, so
// this only counts the reload for the diagnostics dump.
func (b *Bridge_t) ReloadPDBR(pdFrame int) {
	b.Stats.PDBRLoad.Inc()
}
