// Package vm owns the two-level page tables and the page-fault handler:
// PageTables (directory/table allocation, the shared global mapping every
// process's directory carries, and the invalidation sweep a frame free
// triggers) and PageFaultHandler (the demand-paging fault path) from
// spec.md §4.3/§4.4. It is grounded on the teacher kernel's address-space
// type (biscuit/src/vm/as.go's Vm_t, its pmap_walk-style page-table
// walkers and its Sys_pgfault handler), adapted from a multi-region
// mmap()-backed address space to one driven entirely by the fixed
// backing-store table.
package vm

import (
	"sync"

	"github.com/biscuit-vm/pager/internal/bstore"
	"github.com/biscuit-vm/pager/internal/defs"
	"github.com/biscuit-vm/pager/internal/hw"
	"github.com/biscuit-vm/pager/internal/mem"
	"github.com/biscuit-vm/pager/internal/proc"
	"github.com/biscuit-vm/pager/internal/stats"
)

// Dir_t and Tab_t are the in-core contents of a page directory/table
// frame. The frame pool tracks only status/type/refcnt per frame (see
// internal/mem); the entries themselves live here, keyed by frame id, the
// same split the teacher draws between Physmem_t bookkeeping and the
// pmap's own page contents.
type Dir_t [defs.PDENTRIES]defs.Pte_t
type Tab_t [defs.PTENTRIES]defs.Pte_t

// FaultStats_t counts page-fault handler activity for diagnostics and
// tests (the cross-process sharing test reads Shared).
type FaultStats_t struct {
	Faults     stats.Counter_t
	Shared     stats.Counter_t
	Kills      stats.Counter_t
	Invalidate stats.Counter_t
}

// PageTables_t is the page-table layer singleton. One process-wide
// instance is wired into a frame table as its Invalidator and into the
// MapAPI layer as the fault handler.
type PageTables_t struct {
	mu sync.Mutex

	ft     *mem.FrameTable_t
	bs     *bstore.Table_t
	procs  *proc.Table_t
	bridge *hw.Bridge_t

	dirs map[int]*Dir_t
	tabs map[int]*Tab_t

	globalPT [defs.NGLOBALPT]int

	Stats FaultStats_t
}

// New wires the page-table layer to the frame table, backing-store
// table, process table and IO bridge it needs. Call InitGlobal once
// afterward before creating any process's address space.
func New(ft *mem.FrameTable_t, bs *bstore.Table_t, procs *proc.Table_t, bridge *hw.Bridge_t) *PageTables_t {
	return &PageTables_t{
		ft:     ft,
		bs:     bs,
		procs:  procs,
		bridge: bridge,
		dirs:   make(map[int]*Dir_t),
		tabs:   make(map[int]*Tab_t),
	}
}

// InitGlobal allocates the NGLOBALPT shared page tables every process's
// directory carries in its low entries (spec.md §8 invariant 5): entry j
// of table i identity-maps physical page i*PTENTRIES+j, and every
// directory's entry i points at it, present and writable.
func (pt *PageTables_t) InitGlobal() defs.Err_t {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for i := 0; i < defs.NGLOBALPT; i++ {
		f, err := pt.ft.Alloc(mem.FR_PT)
		if err != defs.OK {
			return err
		}
		tab := &Tab_t{}
		base := uint32(i * defs.PTENTRIES)
		for j := range tab {
			tab[j] = defs.PteAddr(base+uint32(j), defs.PTE_P|defs.PTE_W)
		}
		pt.tabs[f.Frmid] = tab
		pt.globalPT[i] = f.Frmid
	}
	return defs.OK
}

// PDAlloc allocates pid's page directory, installing the NGLOBALPT shared
// entries into it, and records the frame on the process's table entry.
func (pt *PageTables_t) PDAlloc(pid int) (int, defs.Err_t) {
	pt.mu.Lock()
	f, err := pt.ft.Alloc(mem.FR_PD)
	if err != defs.OK {
		pt.mu.Unlock()
		return 0, err
	}
	dir := &Dir_t{}
	for i := 0; i < defs.NGLOBALPT; i++ {
		pfn := uint32(defs.FRAME0 + pt.globalPT[i])
		dir[i] = defs.PteAddr(pfn, defs.PTE_P|defs.PTE_W)
	}
	pt.dirs[f.Frmid] = dir
	pt.mu.Unlock()

	for i := 0; i < defs.NGLOBALPT; i++ {
		pt.ft.IncRefcnt(pt.globalPT[i])
	}
	if err := pt.procs.SetPdFrame(pid, f.Frmid); err != defs.OK {
		return 0, err
	}
	return f.Frmid, defs.OK
}

// PDFree tears down pid's address space: every present non-global
// directory entry's page table frame is freed, then the directory frame
// itself. Called by a process exit hook after BackingStoreTable.CleanProcess
// has already dropped the BS frame references those page tables held.
func (pt *PageTables_t) PDFree(pdFrame int) {
	pt.mu.Lock()
	dir := pt.dirs[pdFrame]
	var ptFrames []int
	if dir != nil {
		for i := defs.NGLOBALPT; i < defs.PDENTRIES; i++ {
			if dir[i].Present() {
				ptFrames = append(ptFrames, int(dir[i].Pfn())-defs.FRAME0)
			}
		}
	}
	delete(pt.dirs, pdFrame)
	for _, f := range ptFrames {
		delete(pt.tabs, f)
	}
	pt.mu.Unlock()

	for _, f := range ptFrames {
		pt.ft.Free(f)
	}
	pt.ft.Free(pdFrame)
}

// dirFor returns pid's directory and its frame id, the one precondition
// every per-process walk below shares.
func (pt *PageTables_t) dirFor(pid int) (*Dir_t, int, defs.Err_t) {
	p, ok := pt.procs.Get(pid)
	if !ok || p.PdFrame < 0 {
		return nil, 0, defs.EINVAL
	}
	dir, ok := pt.dirs[p.PdFrame]
	if !ok {
		return nil, 0, defs.ECORRUPT
	}
	return dir, p.PdFrame, defs.OK
}

// ensureTable returns the Tab_t for dir's pdIndex slot, allocating a
// fresh page-table frame if the directory entry is not yet present.
func (pt *PageTables_t) ensureTable(dir *Dir_t, pdIndex uint32) (*Tab_t, int, defs.Err_t) {
	pde := dir[pdIndex]
	if pde.Present() {
		ptFrame := int(pde.Pfn()) - defs.FRAME0
		tab, ok := pt.tabs[ptFrame]
		if !ok {
			return nil, 0, defs.ECORRUPT
		}
		return tab, ptFrame, defs.OK
	}
	f, err := pt.ft.Alloc(mem.FR_PT)
	if err != defs.OK {
		return nil, 0, err
	}
	tab := &Tab_t{}
	pt.tabs[f.Frmid] = tab
	dir[pdIndex] = defs.PteAddr(uint32(defs.FRAME0+f.Frmid), defs.PTE_P|defs.PTE_W)
	return tab, f.Frmid, defs.OK
}

// Fault is the page-fault handler, spec.md §4.4's 12-step algorithm: run
// the aging sweep if that policy is active, resolve the faulting address
// against the backing-store mapping covering it, materialize (or share)
// the backing frame, wire it into the page table, and reload the
// page-directory-base register. Any non-OK return is fatal to pid — the
// caller (MapAPI) is expected to kill it.
func (pt *PageTables_t) Fault(pid int, faultAddr uint32) defs.Err_t {
	if pt.ft.Policy() == mem.AGING {
		pt.RunAgingSweep()
	}

	va := defs.VAddr(faultAddr)
	vpno := va.Vpno()

	mapping, ok := pt.bs.LookupMapping(pid, vpno)
	if !ok {
		pt.Stats.Kills.Inc()
		return defs.ENOMAP
	}
	bsoffset := int(vpno - mapping.Vpno)

	pt.mu.Lock()
	dir, pdFrame, err := pt.dirFor(pid)
	if err != defs.OK {
		pt.mu.Unlock()
		pt.Stats.Kills.Inc()
		return err
	}
	tab, ptFrame, err := pt.ensureTable(dir, va.PDIndex())
	if err != defs.OK {
		pt.mu.Unlock()
		pt.Stats.Kills.Inc()
		return err
	}
	if tab[va.PTIndex()].Present() {
		pt.mu.Unlock()
		return defs.OK // already resident; resolve calls Fault on every access
	}
	pt.mu.Unlock()

	frmid, shared, err := pt.residentFrame(mapping.Bsid, bsoffset)
	if err != defs.OK {
		pt.Stats.Kills.Inc()
		return err
	}
	if shared {
		pt.Stats.Shared.Inc()
	}

	pt.mu.Lock()
	tab[va.PTIndex()] = defs.PteAddr(uint32(defs.FRAME0+frmid), defs.PTE_P|defs.PTE_W|defs.PTE_U)
	pt.mu.Unlock()
	pt.ft.IncRefcnt(ptFrame)

	pt.bridge.ReloadPDBR(pdFrame)
	pt.Stats.Faults.Inc()
	return defs.OK
}

// residentFrame returns the frame caching (bsid, bsoffset), allocating
// and loading a fresh one from the IO bridge if none is resident yet.
func (pt *PageTables_t) residentFrame(bsid, bsoffset int) (frmid int, shared bool, err defs.Err_t) {
	if f, ok := pt.ft.FindBspage(bsid, bsoffset); ok {
		pt.ft.IncRefcnt(f.Frmid)
		return f.Frmid, true, defs.OK
	}
	f, aerr := pt.ft.Alloc(mem.FR_BS)
	if aerr != defs.OK {
		return 0, false, aerr
	}
	pt.ft.AttachToStore(bsid, f.Frmid)
	f.Bsid = bsid
	f.Bspage = bsoffset
	f.Refcnt = 1
	pt.bridge.ReadBS(bsid, bsoffset, f.Frmid)
	return f.Frmid, false, defs.OK
}

// UnmapRange is xmunmap's page-table side: for every virtual page in
// [vpno, vpno+npages) that is currently resident it clears the page-table
// entry, decrements the owning page-table frame's refcount (freeing and
// unlinking it from the directory if that drains it to zero), and
// decrements the backing frame's own refcount, then reloads the
// page-directory-base register once for the whole range.
func (pt *PageTables_t) UnmapRange(pid int, vpno uint32, npages int) defs.Err_t {
	pt.mu.Lock()
	dir, pdFrame, err := pt.dirFor(pid)
	if err != defs.OK {
		pt.mu.Unlock()
		return err
	}
	type cleared struct{ bsFrame, ptFrame int }
	var drop []cleared
	for vp := vpno; vp < vpno+uint32(npages); vp++ {
		va := defs.VAddr(vp << defs.PGSHIFT)
		pde := dir[va.PDIndex()]
		if !pde.Present() {
			continue
		}
		ptFrame := int(pde.Pfn()) - defs.FRAME0
		tab, ok := pt.tabs[ptFrame]
		if !ok {
			continue
		}
		pte := tab[va.PTIndex()]
		if !pte.Present() {
			continue
		}
		bsFrame := int(pte.Pfn()) - defs.FRAME0
		tab[va.PTIndex()] = 0
		drop = append(drop, cleared{bsFrame, ptFrame})
	}
	pt.mu.Unlock()

	for _, c := range drop {
		pt.ft.DecRefcnt(c.bsFrame)
		pt.decPTRefcnt(pid, c.ptFrame)
	}
	pt.bridge.ReloadPDBR(pdFrame)
	return defs.OK
}

// decPTRefcnt drops ptFrame's refcount by one and, if that drains the
// page table, clears the owning directory entry too (spec.md §4.3: "if a
// page table's reference count reaches zero, the PDE referencing it is
// cleared").
func (pt *PageTables_t) decPTRefcnt(pid, ptFrame int) {
	pt.ft.DecRefcnt(ptFrame)
	if pt.ft.Get(ptFrame).Status == mem.Free {
		pt.mu.Lock()
		delete(pt.tabs, ptFrame)
		if dir, _, err := pt.dirFor(pid); err == defs.OK {
			for i := range dir {
				if dir[i].Present() && int(dir[i].Pfn())-defs.FRAME0 == ptFrame {
					dir[i] = 0
				}
			}
		}
		pt.mu.Unlock()
	}
}

// InvalidatePhysaddr implements mem.Invalidator: it walks every live
// process's directory and page tables looking for entries whose physical
// page number is pfn, clears each one, decrements the owning page table's
// refcount (freeing it and clearing the PDE in turn if that drains it to
// zero, via decPTRefcnt), and reports whether any cleared entry was dirty.
// Called by FrameTable_t.Free with the frame table's own lock released, so the
// decPTRefcnt calls below are safe to re-enter the frame table.
func (pt *PageTables_t) InvalidatePhysaddr(pfn uint32) (dirty bool) {
	pt.Stats.Invalidate.Inc()
	for _, p := range pt.procs.Live() {
		if p.PdFrame < 0 {
			continue
		}
		pt.mu.Lock()
		dir, ok := pt.dirs[p.PdFrame]
		if !ok {
			pt.mu.Unlock()
			continue
		}
		var hits []int // page-table frame ids with a cleared entry
		for i := defs.NGLOBALPT; i < defs.PDENTRIES; i++ {
			if !dir[i].Present() {
				continue
			}
			ptFrame := int(dir[i].Pfn()) - defs.FRAME0
			tab, ok := pt.tabs[ptFrame]
			if !ok {
				continue
			}
			for j := range tab {
				if tab[j].Present() && tab[j].Pfn() == pfn {
					if tab[j].Dirty() {
						dirty = true
					}
					tab[j] = 0
					hits = append(hits, ptFrame)
				}
			}
		}
		pt.mu.Unlock()
		for _, ptFrame := range hits {
			pt.decPTRefcnt(p.Pid, ptFrame)
		}
	}
	return dirty
}

// RunAgingSweep is the two-pass access-bit sweep spec.md §4.7 describes:
// pass one visits every live process's resident PTEs in pid order and
// marks each touched frame Accessed exactly once, then pass two asks the
// frame table to halve every frame's age and add 128 to the touched ones.
func (pt *PageTables_t) RunAgingSweep() {
	pt.mu.Lock()
	type hit struct{ frmid int }
	var hits []hit
	for _, p := range pt.procs.Live() {
		if p.PdFrame < 0 {
			continue
		}
		dir, ok := pt.dirs[p.PdFrame]
		if !ok {
			continue
		}
		for i := defs.NGLOBALPT; i < defs.PDENTRIES; i++ {
			if !dir[i].Present() {
				continue
			}
			ptFrame := int(dir[i].Pfn()) - defs.FRAME0
			tab, ok := pt.tabs[ptFrame]
			if !ok {
				continue
			}
			for j := range tab {
				if tab[j].Present() && tab[j].Accessed() {
					hits = append(hits, hit{int(tab[j].Pfn()) - defs.FRAME0})
					tab[j] &^= defs.PTE_A
				}
			}
		}
	}
	pt.mu.Unlock()
	for _, h := range hits {
		pt.ft.SetAccessed(h.frmid)
	}
	pt.ft.UpdateAges()
}

// ReadWord/WriteWord give the heap manager byte-level access to a
// process's demand-paged memory without it having to know about page
// tables: a miss here faults the page in exactly as hardware would.
func (pt *PageTables_t) ReadWord(pid int, vaddr uint32) (uint32, defs.Err_t) {
	frmid, off, err := pt.resolve(pid, vaddr, false)
	if err != defs.OK {
		return 0, err
	}
	b := pt.ft.PageBytes(frmid)
	return le32(b[off:]), defs.OK
}

// WriteWord stores a 32-bit value at vaddr, faulting the page in first if
// needed. The write sets the PTE's dirty bit exactly as hardware would,
// which is what makes a dirty BS frame's eviction write itself back
// through FrameTable_t.Free/mem.Invalidator rather than silently dropping the
// write (spec.md §8's write-then-evict-then-reload round-trip law).
func (pt *PageTables_t) WriteWord(pid int, vaddr uint32, val uint32) defs.Err_t {
	frmid, off, err := pt.resolve(pid, vaddr, true)
	if err != defs.OK {
		return err
	}
	b := pt.ft.PageBytes(frmid)
	putLE32(b[off:], val)
	return defs.OK
}

// ResolveFrame faults vaddr in if needed and returns the frame id
// currently backing it, for callers (tests, the CLI harness) that need
// direct access to a page's bytes rather than a word-at-a-time view. Like
// ReadWord, this sets only the PTE's accessed bit, never the dirty bit, so
// a write made directly into the returned frame's bytes is not written
// back to the backing store when the frame is later evicted.
func (pt *PageTables_t) ResolveFrame(pid int, vaddr uint32) (int, defs.Err_t) {
	frmid, _, err := pt.resolve(pid, vaddr, false)
	return frmid, err
}

// resolve faults vaddr in if needed, then sets the hardware accessed bit
// on its PTE (and the dirty bit too, if dirty is set) before returning
// its resident frame and in-page offset. Every caller above routes
// through here so the accessed/dirty bits this module relies on — the
// aging sweep's mark pass (RunAgingSweep) and eviction's write-back
// decision (mem.Invalidator) — actually carry real signal instead of
// staying permanently clear.
func (pt *PageTables_t) resolve(pid int, vaddr uint32, dirty bool) (frmid, off int, err defs.Err_t) {
	va := defs.VAddr(vaddr)
	if e := pt.Fault(pid, vaddr); e != defs.OK {
		return 0, 0, e
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	dir, _, derr := pt.dirFor(pid)
	if derr != defs.OK {
		return 0, 0, derr
	}
	pde := dir[va.PDIndex()]
	if !pde.Present() {
		return 0, 0, defs.ECORRUPT
	}
	tab, ok := pt.tabs[int(pde.Pfn())-defs.FRAME0]
	if !ok {
		return 0, 0, defs.ECORRUPT
	}
	pte := tab[va.PTIndex()]
	if !pte.Present() {
		return 0, 0, defs.ECORRUPT
	}
	pte |= defs.PTE_A
	if dirty {
		pte |= defs.PTE_D
	}
	tab[va.PTIndex()] = pte
	return int(pte.Pfn()) - defs.FRAME0, int(va.Offset()), defs.OK
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
