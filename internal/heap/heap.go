// Package heap is the HeapManager: vcreate's initial free-list install
// and the vgetmem/vfreemem first-fit allocator that runs entirely on
// demand-paged memory, per spec.md §4.5. Grounded on
// original_source/paging/vcreate.c, vgetmem.c and vfreemem.c, ported from
// the XINU process-table-embedded vmemlist to an explicit per-process
// free-list head address looked up through internal/proc.
package heap

import (
	"github.com/biscuit-vm/pager/internal/bstore"
	"github.com/biscuit-vm/pager/internal/defs"
	"github.com/biscuit-vm/pager/internal/hw"
	"github.com/biscuit-vm/pager/internal/proc"
	"github.com/biscuit-vm/pager/internal/stats"
	"github.com/biscuit-vm/pager/internal/util"
	"github.com/biscuit-vm/pager/internal/vm"
)

// nodeSize is the size of the free-block header read and written through
// a process's own address space: a next-pointer word and a length word,
// the same shape as the original's struct mblock.
const nodeSize = 8

// HeapStats_t counts heap-manager activity for the diagnostics dump.
type HeapStats_t struct {
	Creates  stats.Counter_t
	Gets     stats.Counter_t
	Frees    stats.Counter_t
	Corrupt  stats.Counter_t
	Exhausts stats.Counter_t
}

// Manager_t is the HeapManager singleton.
type Manager_t struct {
	bs     *bstore.Table_t
	procs  *proc.Table_t
	pt     *vm.PageTables_t
	bridge *hw.Bridge_t
	Stats  HeapStats_t
}

// New wires the heap manager to the tables and page-table/IO layers it
// needs.
func New(bs *bstore.Table_t, procs *proc.Table_t, pt *vm.PageTables_t, bridge *hw.Bridge_t) *Manager_t {
	return &Manager_t{bs: bs, procs: procs, pt: pt, bridge: bridge}
}

// Vcreate reserves a private heap store of hsize pages for pid, maps it
// at the fixed heap virtual page number, and installs a single free-list
// node covering the whole heap — written directly into the backing
// store's bytes since pid has no running address space yet to fault the
// write through.
func (h *Manager_t) Vcreate(pid, hsize int) (bsid int, err defs.Err_t) {
	if hsize < 1 || hsize > defs.BSMAXPAGES {
		return 0, defs.EINVAL
	}
	bsid, err = h.bs.AllocHeap(hsize)
	if err != defs.OK {
		return 0, err
	}
	if err := h.bs.AddMapping(bsid, pid, defs.USERMIN, hsize); err != defs.OK {
		h.bs.Release(bsid)
		return 0, err
	}
	if err := h.procs.SetHeap(pid, bsid, defs.USERMIN, hsize); err != defs.OK {
		return 0, err
	}

	node := make([]byte, nodeSize)
	putLE32(node[0:4], 0) // mnext = null
	putLE32(node[4:8], uint32(hsize*defs.PGSIZE))
	if err := h.bridge.WriteRaw(bsid, 0, node); err != defs.OK {
		return 0, err
	}
	h.Stats.Creates.Inc()
	return bsid, defs.OK
}

// Vgetmem rounds nbytes up to a multiple of 8 and walks pid's free list
// first-fit: an exact match is unlinked whole, a larger block is split
// with the remainder re-linked in the allocated block's place.
func (h *Manager_t) Vgetmem(pid int, nbytes int) (uint32, defs.Err_t) {
	if nbytes <= 0 {
		return 0, defs.EINVAL
	}
	n := uint32(util.Roundup(nbytes, 8))

	p, ok := h.procs.Get(pid)
	if !ok || p.HeapBsid < 0 {
		return 0, defs.EINVAL
	}

	var prev uint32 // 0 means "the head lives in the process entry"
	cur := p.FreeHead
	for cur != 0 {
		next, length, err := h.readNode(pid, cur)
		if err != defs.OK {
			return 0, err
		}
		switch {
		case length == n:
			if err := h.relink(pid, prev, next); err != defs.OK {
				return 0, err
			}
			h.Stats.Gets.Inc()
			return cur, defs.OK
		case length > n:
			leftover := cur + n
			if err := h.writeNode(pid, leftover, next, length-n); err != defs.OK {
				return 0, err
			}
			if err := h.relink(pid, prev, leftover); err != defs.OK {
				return 0, err
			}
			h.Stats.Gets.Inc()
			return cur, defs.OK
		}
		prev = cur
		cur = next
	}
	h.Stats.Exhausts.Inc()
	return 0, defs.ENOMEM
}

// Vfreemem rounds nbytes up to a multiple of 8, finds addr's sorted
// insertion point, rejects overlap with either neighbour as corruption,
// then inserts (or merges into the preceding block) and coalesces
// forward with the following block if they are now adjacent.
func (h *Manager_t) Vfreemem(pid int, addr uint32, nbytes int) defs.Err_t {
	if nbytes <= 0 {
		return defs.EINVAL
	}
	n := uint32(util.Roundup(nbytes, 8))

	p, ok := h.procs.Get(pid)
	if !ok || p.HeapBsid < 0 {
		return defs.EINVAL
	}
	base := p.HeapVpno * uint32(defs.PGSIZE)
	limit := base + uint32(p.HeapNpages*defs.PGSIZE)
	if addr < base || addr+n > limit {
		return defs.EINVAL
	}

	var prev uint32
	next := p.FreeHead
	for next != 0 && next < addr {
		n2, _, err := h.readNode(pid, next)
		if err != defs.OK {
			return err
		}
		prev = next
		next = n2
	}

	if prev != 0 {
		_, prevLen, err := h.readNode(pid, prev)
		if err != defs.OK {
			return err
		}
		if prev+prevLen > addr {
			h.Stats.Corrupt.Inc()
			return defs.ECORRUPT
		}
	}
	if next != 0 && addr+n > next {
		h.Stats.Corrupt.Inc()
		return defs.ECORRUPT
	}

	tail := addr
	if prev != 0 {
		_, prevLen, _ := h.readNode(pid, prev)
		if prev+prevLen == addr {
			if err := h.writeLen(pid, prev, prevLen+n); err != defs.OK {
				return err
			}
			tail = prev
		}
	}
	if tail == addr {
		if err := h.writeNode(pid, addr, next, n); err != defs.OK {
			return err
		}
		if err := h.relink(pid, prev, addr); err != defs.OK {
			return err
		}
	}

	if next != 0 {
		_, tailLen, err := h.readNode(pid, tail)
		if err != defs.OK {
			return err
		}
		if tail+tailLen == next {
			nextNext, nextLen, err := h.readNode(pid, next)
			if err != defs.OK {
				return err
			}
			if err := h.writeNode(pid, tail, nextNext, tailLen+nextLen); err != defs.OK {
				return err
			}
		}
	}

	h.Stats.Frees.Inc()
	return defs.OK
}

// relink points prev's next field (or, if prev is the sentinel, the
// process entry's free-head) at addr.
func (h *Manager_t) relink(pid int, prev, addr uint32) defs.Err_t {
	if prev == 0 {
		return h.procs.SetFreeHead(pid, addr)
	}
	return h.writeNext(pid, prev, addr)
}

func (h *Manager_t) readNode(pid int, addr uint32) (next uint32, length uint32, err defs.Err_t) {
	next, err = h.pt.ReadWord(pid, addr)
	if err != defs.OK {
		return 0, 0, err
	}
	length, err = h.pt.ReadWord(pid, addr+4)
	return next, length, err
}

func (h *Manager_t) writeNode(pid int, addr uint32, next, length uint32) defs.Err_t {
	if err := h.pt.WriteWord(pid, addr, next); err != defs.OK {
		return err
	}
	return h.pt.WriteWord(pid, addr+4, length)
}

func (h *Manager_t) writeNext(pid int, addr uint32, next uint32) defs.Err_t {
	return h.pt.WriteWord(pid, addr, next)
}

func (h *Manager_t) writeLen(pid int, addr uint32, length uint32) defs.Err_t {
	return h.pt.WriteWord(pid, addr+4, length)
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
