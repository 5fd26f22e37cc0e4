package mem

import "sync/atomic"

import "board"
import "ksync"

import "github.com/sirupsen/logrus"

var flog = logrus.WithField("pkg", "mem")

// / Physmem_t manages the physical RAM region [kernelend, memend). A
// / frame is either free (its bit is set) or owned by exactly one live
// / Frametracker_t. The zero value is unusable; call Phys_init.
type Physmem_t struct {
	l ksync.Spinlock_t
	// frame index space covers [rambase, memend); base is the PPN of
	// rambase and idx i names frame base+i
	base  Pfn_t
	npgs  int
	bits  []uint64
	nfree int
	ram   []Bytepg_t
	init  bool
}

// / Physmem is the process-wide frame allocator instance.
var Physmem = &Physmem_t{}

// / Phys_init initializes the global allocator from a board memory map.
// / Frames below the kernel image's end stay permanently reserved.
func Phys_init(b *board.Board_t) *Physmem_t {
	phys := Physmem
	if phys.init {
		panic("phys_init twice")
	}
	n := b.Pages()
	phys.base = Pa_t(b.Rambase).Pfn()
	phys.npgs = n
	phys.bits = make([]uint64, (n+63)/64)
	phys.ram = make([]Bytepg_t, n)
	phys.init = true
	first := Pa_t(b.Kernelend).Pfn()
	for pfn := first; pfn < phys.base+Pfn_t(n); pfn++ {
		phys.setfree(int(pfn-phys.base), true)
		phys.nfree++
	}
	flog.WithFields(logrus.Fields{
		"board": b.Name,
		"pages": phys.nfree,
		"mb":    phys.nfree >> 8,
	}).Info("physical memory reserved")
	return phys
}

// test hook: tear down the singleton so a fresh board can be loaded
func Phys_reset() {
	*Physmem = Physmem_t{}
}

func (phys *Physmem_t) setfree(idx int, free bool) {
	if free {
		phys.bits[idx/64] |= 1 << (uint(idx) % 64)
	} else {
		phys.bits[idx/64] &^= 1 << (uint(idx) % 64)
	}
}

func (phys *Physmem_t) isfree(idx int) bool {
	return phys.bits[idx/64]&(1<<(uint(idx)%64)) != 0
}

// / Free_count returns the number of allocatable frames remaining.
func (phys *Physmem_t) Free_count() int {
	phys.l.Lock()
	ret := phys.nfree
	phys.l.Unlock()
	return ret
}

// / Alloc_with_align returns the lowest run of count free frames whose
// / starting PPN is aligned to 2^alignlog2, or false on exhaustion.
// / count == 0 always fails.
func (phys *Physmem_t) Alloc_with_align(count int, alignlog2 uint) (Pfnrange_t, bool) {
	if count <= 0 {
		return Pfnrange_t{}, false
	}
	phys.l.Lock()
	defer phys.l.Unlock()
	if !phys.init {
		panic("phys not initted")
	}
	align := 1 << alignlog2
	// scan candidate starts whose absolute PPN honors the alignment
	start := (align - int(phys.base)%align) % align
	for idx := start; idx+count <= phys.npgs; idx += align {
		run := 0
		for run < count && phys.isfree(idx+run) {
			run++
		}
		if run == count {
			for i := 0; i < count; i++ {
				phys.setfree(idx+i, false)
			}
			phys.nfree -= count
			s := phys.base + Pfn_t(idx)
			return Pfnrange_t{Start: s, End: s + Pfn_t(count)}, true
		}
	}
	flog.WithField("count", count).Warn("out of frames")
	return Pfnrange_t{}, false
}

// / Dealloc marks the run free again. Empty runs are ignored; freeing
// / an already-free frame is a programming error and panics.
func (phys *Physmem_t) Dealloc(r Pfnrange_t) {
	if r.Empty() {
		return
	}
	phys.l.Lock()
	defer phys.l.Unlock()
	for pfn := r.Start; pfn < r.End; pfn++ {
		idx := int(pfn - phys.base)
		if idx < 0 || idx >= phys.npgs {
			panic("freeing unmanaged frame")
		}
		if phys.isfree(idx) {
			panic("double free")
		}
		phys.setfree(idx, true)
		phys.nfree++
	}
}

// / Alloc_tracker allocates n zero-filled frames and returns a tracker
// / owning them.
func (phys *Physmem_t) Alloc_tracker(n int) (*Frametracker_t, bool) {
	ft, ok := phys.Alloc_tracker_nozero(n)
	if !ok {
		return nil, false
	}
	b := phys.Dmap_run(ft.Range)
	for i := range b {
		b[i] = 0
	}
	return ft, true
}

// / Alloc_tracker_nozero allocates n frames without clearing them. Used
// / when the caller immediately overwrites the whole run.
func (phys *Physmem_t) Alloc_tracker_nozero(n int) (*Frametracker_t, bool) {
	r, ok := phys.Alloc_with_align(n, 0)
	if !ok {
		return nil, false
	}
	return &Frametracker_t{Range: r, ref: 1, phys: phys}, true
}

// / Frametracker_t is the owning handle to a contiguous frame run. The
// / reference count makes the handle shareable; the run returns to the
// / allocator when the last holder drops it.
type Frametracker_t struct {
	Range Pfnrange_t
	ref   int32
	phys  *Physmem_t
}

// / Start returns the first frame of the run.
func (ft *Frametracker_t) Start() Pfn_t {
	return ft.Range.Start
}

// / Owners returns the current number of live holders. The COW path
// / branches on Owners() == 1.
func (ft *Frametracker_t) Owners() int {
	return int(atomic.LoadInt32(&ft.ref))
}

// / Refup records an additional holder.
func (ft *Frametracker_t) Refup() {
	c := atomic.AddInt32(&ft.ref, 1)
	// XXXPANIC
	if c <= 1 {
		panic("wut")
	}
}

// / Refdown drops one holder and returns true when the run was freed.
func (ft *Frametracker_t) Refdown() bool {
	c := atomic.AddInt32(&ft.ref, -1)
	if c < 0 {
		panic("wut")
	}
	if c == 0 {
		ft.phys.Dealloc(ft.Range)
		return true
	}
	return false
}

// / Leak releases ownership of the run without freeing it and returns
// / the run. Used when the address-space teardown hands frames to the
// / caller.
func (ft *Frametracker_t) Leak() Pfnrange_t {
	ret := ft.Range
	ft.Range.End = ft.Range.Start
	return ret
}
