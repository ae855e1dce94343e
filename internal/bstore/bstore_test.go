package bstore

import (
	"testing"

	"github.com/biscuit-vm/pager/internal/defs"
)

type fakeFrameOwner struct {
	calls []struct{ bsid, npages int }
}

func (f *fakeFrameOwner) DecStoreRange(bsid, npages int) {
	f.calls = append(f.calls, struct{ bsid, npages int }{bsid, npages})
}

func TestAllocRejectsOutOfRangeBsidAndNpages(t *testing.T) {
	tb := New()
	if err := tb.Alloc(-1, 1); err != defs.EINVAL {
		t.Fatalf("Alloc(-1,..) = %v, want EINVAL", err)
	}
	if err := tb.Alloc(0, 0); err != defs.EINVAL {
		t.Fatalf("Alloc(.., 0) = %v, want EINVAL", err)
	}
	if err := tb.Alloc(0, defs.BSMAXPAGES+1); err != defs.EINVAL {
		t.Fatalf("Alloc(.., >max) = %v, want EINVAL", err)
	}
}

func TestAllocFailsWhenAlreadyUsed(t *testing.T) {
	tb := New()
	tb.Alloc(1, 10)
	if err := tb.Alloc(1, 5); err != defs.EEXIST {
		t.Fatalf("Alloc on used store = %v, want EEXIST", err)
	}
}

func TestGetFreeReturnsFirstFreeStoreAscending(t *testing.T) {
	tb := New()
	tb.Alloc(0, 5)
	id, err := tb.GetFree(5)
	if err != defs.OK || id != 1 {
		t.Fatalf("GetFree = (%d, %v), want (1, OK)", id, err)
	}
}

func TestGetFreeFailsWhenExhausted(t *testing.T) {
	tb := New()
	for i := 0; i < defs.NBSTORES; i++ {
		tb.Alloc(i, 1)
	}
	if _, err := tb.GetFree(1); err != defs.ENOSTORE {
		t.Fatalf("GetFree on full table = %v, want ENOSTORE", err)
	}
}

func TestAllocHeapMarksIsHeap(t *testing.T) {
	tb := New()
	id, err := tb.AllocHeap(4)
	if err != defs.OK {
		t.Fatalf("AllocHeap: %v", err)
	}
	status, npages, isHeap, _ := tb.Info(id)
	if status != Used || npages != 4 || !isHeap {
		t.Fatalf("Info after AllocHeap = (%v,%d,%v)", status, npages, isHeap)
	}
}

func TestReleaseIsNoopWhileMappingsRemain(t *testing.T) {
	tb := New()
	tb.Alloc(0, 5)
	tb.AddMapping(0, 1, defs.USERMIN, 2)
	if err := tb.Release(0); err != defs.OK {
		t.Fatalf("Release: %v", err)
	}
	status, _, _, _ := tb.Info(0)
	if status != Used {
		t.Fatalf("store freed while a mapping remained")
	}
}

func TestReleaseFreesOnceMappingsAreGone(t *testing.T) {
	tb := New()
	tb.Alloc(0, 5)
	if err := tb.Release(0); err != defs.OK {
		t.Fatalf("Release: %v", err)
	}
	status, _, _, _ := tb.Info(0)
	if status != Free {
		t.Fatalf("store not freed with no mappings")
	}
}

func TestAddMappingRejectsOverlapForSamePid(t *testing.T) {
	tb := New()
	tb.Alloc(0, 20)
	if err := tb.AddMapping(0, 1, defs.USERMIN, 4); err != defs.OK {
		t.Fatalf("first AddMapping: %v", err)
	}
	if err := tb.AddMapping(0, 1, defs.USERMIN+2, 4); err != defs.EEXIST {
		t.Fatalf("overlapping AddMapping = %v, want EEXIST", err)
	}
}

func TestAddMappingAllowsOverlapAcrossDifferentPids(t *testing.T) {
	tb := New()
	tb.Alloc(0, 20)
	if err := tb.AddMapping(0, 1, defs.USERMIN, 4); err != defs.OK {
		t.Fatalf("pid1 AddMapping: %v", err)
	}
	if err := tb.AddMapping(0, 2, defs.USERMIN, 4); err != defs.OK {
		t.Fatalf("pid2 AddMapping on same range = %v, want OK", err)
	}
}

func TestAddMappingRejectsOnFreeStore(t *testing.T) {
	tb := New()
	if err := tb.AddMapping(0, 1, defs.USERMIN, 1); err != defs.EINVAL {
		t.Fatalf("AddMapping on free store = %v, want EINVAL", err)
	}
}

func TestLookupMappingFindsContainingRange(t *testing.T) {
	tb := New()
	tb.Alloc(0, 20)
	tb.AddMapping(0, 1, defs.USERMIN, 4)
	m, ok := tb.LookupMapping(1, defs.USERMIN+2)
	if !ok || m.Vpno != defs.USERMIN || m.Npages != 4 {
		t.Fatalf("LookupMapping missed a contained vpno: %+v ok=%v", m, ok)
	}
	if _, ok := tb.LookupMapping(1, defs.USERMIN+10); ok {
		t.Fatalf("LookupMapping matched an address outside the range")
	}
}

func TestDeleteMappingFreesStoreOnDrain(t *testing.T) {
	tb := New()
	tb.Alloc(0, 20)
	tb.AddMapping(0, 1, defs.USERMIN, 4)
	if err := tb.DeleteMapping(1, defs.USERMIN); err != defs.OK {
		t.Fatalf("DeleteMapping: %v", err)
	}
	status, _, _, _ := tb.Info(0)
	if status != Free {
		t.Fatalf("store not freed after draining last mapping")
	}
}

func TestDeleteMappingMissingReturnsENOMAP(t *testing.T) {
	tb := New()
	if err := tb.DeleteMapping(1, defs.USERMIN); err != defs.ENOMAP {
		t.Fatalf("DeleteMapping on nonexistent mapping = %v, want ENOMAP", err)
	}
}

func TestDeleteMappingKeepsStoreUsedIfOthersRemain(t *testing.T) {
	tb := New()
	tb.Alloc(0, 20)
	tb.AddMapping(0, 1, defs.USERMIN, 4)
	tb.AddMapping(0, 2, defs.USERMIN, 4)
	tb.DeleteMapping(1, defs.USERMIN)
	status, _, _, _ := tb.Info(0)
	if status != Used {
		t.Fatalf("store freed while pid 2's mapping still present")
	}
}

func TestCleanProcessDecrementsOnlyOwnedMappingsAndKeepsSharedStore(t *testing.T) {
	tb := New()
	fo := &fakeFrameOwner{}
	tb.SetFrameOwner(fo)
	tb.Alloc(0, 20)
	tb.AddMapping(0, 1, defs.USERMIN, 4)
	tb.AddMapping(0, 2, defs.USERMIN, 4)

	tb.CleanProcess(1)

	if len(fo.calls) != 1 || fo.calls[0].bsid != 0 || fo.calls[0].npages != 4 {
		t.Fatalf("CleanProcess frame-owner calls = %+v", fo.calls)
	}
	if _, ok := tb.LookupMapping(1, defs.USERMIN); ok {
		t.Fatalf("pid 1's mapping survived CleanProcess")
	}
	if _, ok := tb.LookupMapping(2, defs.USERMIN); !ok {
		t.Fatalf("pid 2's mapping was wrongly removed")
	}
	status, _, _, _ := tb.Info(0)
	if status != Used {
		t.Fatalf("store freed while pid 2's mapping still present")
	}
}

func TestCleanProcessDrainsStoreWhenLastOwnerExits(t *testing.T) {
	tb := New()
	fo := &fakeFrameOwner{}
	tb.SetFrameOwner(fo)
	tb.Alloc(0, 20)
	tb.AddMapping(0, 1, defs.USERMIN, 4)

	tb.CleanProcess(1)

	status, _, _, _ := tb.Info(0)
	if status != Free {
		t.Fatalf("store not freed once its only mapping's owner exited")
	}
}

func TestMappingsSnapshot(t *testing.T) {
	tb := New()
	tb.Alloc(0, 20)
	tb.AddMapping(0, 1, defs.USERMIN, 4)
	tb.AddMapping(0, 2, defs.USERMIN+4, 4)
	if got := len(tb.Mappings(0)); got != 2 {
		t.Fatalf("Mappings returned %d entries, want 2", got)
	}
	if got := tb.Mappings(99); got != nil {
		t.Fatalf("Mappings(out of range) = %v, want nil", got)
	}
}
