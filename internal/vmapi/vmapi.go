// Package vmapi is the MapAPI surface: get_bs, release_bs, xmmap,
// xmunmap, vcreate, vgetmem, vfreemem, srpolicy, grpolicy, the page-fault
// entry point, and the process-exit hook, each wrapped in the one
// critical section spec.md §5 requires of every subsystem entry point.
// It is the wiring point for every other package — the same role
// biscuit's syscall.go plays for Vm_t, Physmem_t and the rest of the
// memory subsystem.
package vmapi

import (
	"github.com/biscuit-vm/pager/internal/bstore"
	"github.com/biscuit-vm/pager/internal/critsec"
	"github.com/biscuit-vm/pager/internal/defs"
	"github.com/biscuit-vm/pager/internal/heap"
	"github.com/biscuit-vm/pager/internal/hw"
	"github.com/biscuit-vm/pager/internal/mem"
	"github.com/biscuit-vm/pager/internal/proc"
	"github.com/biscuit-vm/pager/internal/vm"
)

// Api_t wires every subsystem singleton together behind one critical
// section and exposes the spec's operation set.
type Api_t struct {
	sec critsec.Section

	Frames *mem.FrameTable_t
	Stores *bstore.Table_t
	Procs  *proc.Table_t
	Pages  *vm.PageTables_t
	Heap   *heap.Manager_t
	Bridge *hw.Bridge_t
}

// New assembles a complete, ready-to-use subsystem with the production
// NFRAMES-sized frame pool. See NewSized for a smaller pool, e.g. to
// force real eviction pressure in a test or harness run.
func New() *Api_t {
	return NewSized(defs.NFRAMES)
}

// NewSized assembles a complete, ready-to-use subsystem: an nframes-sized
// frame pool, the NBSTORES backing stores, the global page tables, and
// every Invalidator/StoreWriter/FrameOwner seam wired up. FIFO is the
// default replacement policy, as srpolicy documents callers must
// override explicitly if they want Aging. Scenario S2 (spec.md §8) is the
// reason this takes an explicit size: it specifically calls for a
// 12-frame pool to force genuine eviction, something the production
// NFRAMES=1024 pool never does against the scenario's small stores.
func NewSized(nframes int) *Api_t {
	ft := mem.New(nframes)
	bs := bstore.New()
	procs := proc.New()
	bridge := hw.NewBridge(ft)
	pt := vm.New(ft, bs, procs, bridge)

	ft.SetHooks(pt, bridge)
	bs.SetFrameOwner(ft)
	pt.InitGlobal()

	hm := heap.New(bs, procs, pt, bridge)

	return &Api_t{
		Frames: ft,
		Stores: bs,
		Procs:  procs,
		Pages:  pt,
		Heap:   hm,
		Bridge: bridge,
	}
}

// CreateProcess registers a new process and gives it a page directory,
// the minimum state every other entry point below requires. It is the
// "normal process-creation steps" vcreate's spec text assumes have
// already happened.
func (a *Api_t) CreateProcess() (pid int, err defs.Err_t) {
	a.sec.Enter()
	defer a.sec.Exit()
	p := a.Procs.Create()
	if _, err := a.Pages.PDAlloc(p.Pid); err != defs.OK {
		return 0, err
	}
	return p.Pid, defs.OK
}

// GetBS implements get_bs: 0 and >256 are rejected, an existing heap
// store is rejected, an already-Used store's size is returned unchanged,
// and a Free store is allocated and its size returned.
func (a *Api_t) GetBS(bsid, npages int) (int, defs.Err_t) {
	a.sec.Enter()
	defer a.sec.Exit()
	if bsid < 0 || bsid >= defs.NBSTORES {
		return 0, defs.EINVAL
	}
	if npages < 1 || npages > defs.BSMAXPAGES {
		return 0, defs.EINVAL
	}
	status, existing, isHeap, err := a.Stores.Info(bsid)
	if err != defs.OK {
		return 0, err
	}
	if status == bstore.Used {
		if isHeap {
			return 0, defs.EINVAL
		}
		return existing, defs.OK
	}
	if err := a.Stores.Alloc(bsid, npages); err != defs.OK {
		return 0, err
	}
	return npages, defs.OK
}

// ReleaseBS implements release_bs: a no-op success if mappings remain,
// otherwise the store transitions to Free.
func (a *Api_t) ReleaseBS(bsid int) defs.Err_t {
	a.sec.Enter()
	defer a.sec.Exit()
	return a.Stores.Release(bsid)
}

// Xmmap implements xmmap: binds [vpno, vpno+npages) of pid to bsid. No
// frames are touched; the fault handler resolves the mapping lazily.
func (a *Api_t) Xmmap(pid int, vpno uint32, bsid, npages int) defs.Err_t {
	a.sec.Enter()
	defer a.sec.Exit()
	if vpno < defs.USERMIN || bsid < 0 || bsid >= defs.NBSTORES || npages < 1 || npages > defs.BSMAXPAGES {
		return defs.EINVAL
	}
	status, _, isHeap, err := a.Stores.Info(bsid)
	if err != defs.OK {
		return err
	}
	if status != bstore.Used || isHeap {
		return defs.EINVAL
	}
	return a.Stores.AddMapping(bsid, pid, vpno, npages)
}

// Xmunmap implements xmunmap: decrements the refcount of every frame
// resident in the mapped range, prunes freed ones from the frame and
// page tables, deletes the mapping, and reloads the page-directory-base
// register.
func (a *Api_t) Xmunmap(pid int, vpno uint32) defs.Err_t {
	a.sec.Enter()
	defer a.sec.Exit()
	if vpno < defs.USERMIN {
		return defs.EINVAL
	}
	mapping, ok := a.Stores.LookupMapping(pid, vpno)
	if !ok || mapping.Vpno != vpno {
		return defs.ENOMAP
	}
	if err := a.Pages.UnmapRange(pid, mapping.Vpno, mapping.Npages); err != defs.OK {
		return err
	}
	return a.Stores.DeleteMapping(pid, vpno)
}

// Vcreate implements vcreate: allocates pid's private heap store, maps
// it, and installs the initial free-list node.
func (a *Api_t) Vcreate(pid, hsize int) (bsid int, err defs.Err_t) {
	a.sec.Enter()
	defer a.sec.Exit()
	return a.Heap.Vcreate(pid, hsize)
}

// Vgetmem implements vgetmem.
func (a *Api_t) Vgetmem(pid, nbytes int) (uint32, defs.Err_t) {
	a.sec.Enter()
	defer a.sec.Exit()
	return a.Heap.Vgetmem(pid, nbytes)
}

// Vfreemem implements vfreemem.
func (a *Api_t) Vfreemem(pid int, addr uint32, nbytes int) defs.Err_t {
	a.sec.Enter()
	defer a.sec.Exit()
	return a.Heap.Vfreemem(pid, addr, nbytes)
}

// Srpolicy implements srpolicy: sets the active replacement policy.
// Intended to be called once at startup, per spec.md §4.6.
func (a *Api_t) Srpolicy(p mem.Policy_t) {
	a.sec.Enter()
	defer a.sec.Exit()
	a.Frames.SetPolicy(p)
}

// Grpolicy implements grpolicy.
func (a *Api_t) Grpolicy() mem.Policy_t {
	a.sec.Enter()
	defer a.sec.Exit()
	return a.Frames.Policy()
}

// PageFault runs the page-fault handler for pid at faultAddr. Any
// failure inside the handler is fatal to pid per spec.md §4.4; this
// entry point carries out that kill (the process-exit hook) and reports
// EKILLED rather than the underlying cause, matching the "the faulting
// process is killed" contract.
func (a *Api_t) PageFault(pid int, faultAddr uint32) defs.Err_t {
	a.sec.Enter()
	err := a.Pages.Fault(pid, faultAddr)
	a.sec.Exit()
	if err != defs.OK {
		a.Exit(pid)
		return defs.EKILLED
	}
	return defs.OK
}

// Exit is the ProcessHooks exit hook: bs_cleanproc runs first (dropping every BS
// frame reference pid's mappings held), then pid's page directory and
// remaining page tables are torn down, then the process entry itself is
// removed.
func (a *Api_t) Exit(pid int) {
	a.sec.Enter()
	defer a.sec.Exit()
	a.Stores.CleanProcess(pid)
	if p, ok := a.Procs.Get(pid); ok && p.PdFrame >= 0 {
		a.Pages.PDFree(p.PdFrame)
	}
	a.Procs.Remove(pid)
}
