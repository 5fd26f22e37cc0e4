// Package vm implements user address spaces: VMA bookkeeping, demand
// paging, copy-on-write forking, memory mapping, and heap growth.
package vm

import "sort"
import "sync"

import "github.com/sirupsen/logrus"

import "board"
import "defs"
import "limits"
import "mem"
import "pgcache"
import "pmap"
import "stats"
import "util"

var vlog = logrus.WithField("pkg", "vm")

// / Vmstats_t counts the fault-path outcomes.
type Vmstats_t struct {
	Pgfaults   stats.Counter_t
	Cowcopies  stats.Counter_t
	Cowdemotes stats.Counter_t
	Lazypgs    stats.Counter_t
	Filepgs    stats.Counter_t
}

// / Vmstats is the global fault counter set.
var Vmstats Vmstats_t

func (vs *Vmstats_t) String() string {
	return stats.Stats2String(*vs)
}

// / Aspace_t is a process address space: a page table plus an ordered
// / collection of disjoint VMAs. The mutex protects both; the cached
// / heap index is revalidated lazily.
type Aspace_t struct {
	sync.Mutex

	Pmap  *pmap.Pmap_t
	areas []*Vma_t
	heapi int
	phys  *mem.Physmem_t

	pgfltaken bool
}

// / Mkaspace creates an empty address space, or fails on frame
// / exhaustion.
func Mkaspace(phys *mem.Physmem_t) (*Aspace_t, defs.Err_t) {
	pm, ok := pmap.Mkpmap(phys)
	if !ok {
		return nil, -defs.ENOMEM
	}
	return &Aspace_t{Pmap: pm, phys: phys}, 0
}

// / Lock_pmap acquires the address space mutex and marks that paging
// / state is being manipulated.
func (as *Aspace_t) Lock_pmap() {
	as.Lock()
	as.pgfltaken = true
}

// / Unlock_pmap releases the address space mutex.
func (as *Aspace_t) Unlock_pmap() {
	as.pgfltaken = false
	as.Unlock()
}

// / Lockassert_pmap panics if the address space mutex is not held.
func (as *Aspace_t) Lockassert_pmap() {
	if !as.pgfltaken {
		panic("pgfl lock must be held")
	}
}

// / Enable installs the address space's page table on the current CPU.
func (as *Aspace_t) Enable() {
	as.Pmap.Enable_low()
}

// / Lookup returns the VMA containing va.
func (as *Aspace_t) Lookup(va mem.Va_t) (*Vma_t, bool) {
	for _, v := range as.areas {
		if v.Contains(va) {
			return v, true
		}
	}
	return nil, false
}

// / Areas returns the live VMAs. Callers must hold no reference across
// / an unmap.
func (as *Aspace_t) Areas() []*Vma_t {
	return as.areas
}

// / Push_area maps a VMA into the address space and, when data is
// / given, fills its first bytes. The area must not overlap an
// / existing one.
func (as *Aspace_t) Push_area(v *Vma_t, data []uint8) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.push_area_inner(v, data)
}

func (as *Aspace_t) push_area_inner(v *Vma_t, data []uint8) defs.Err_t {
	as.Lockassert_pmap()
	for _, old := range as.areas {
		if v.Start < old.End && old.Start < v.End {
			// XXXPANIC
			panic("vma overlap")
		}
	}
	if len(as.areas) >= limits.Syslimit.Mapranges {
		return -defs.ENOMEM
	}
	if err := v.map_into(as.Pmap, as.phys); err != 0 {
		return err
	}
	if data != nil {
		v.copy_data(as.Pmap, as.phys, data)
	}
	as.areas = append(as.areas, v)
	return 0
}

// find_heap returns the heap VMA, rescanning if the cached index went
// stale.
func (as *Aspace_t) find_heap() (*Vma_t, bool) {
	if as.heapi < len(as.areas) && as.areas[as.heapi].Kind == VHEAP {
		return as.areas[as.heapi], true
	}
	for i, v := range as.areas {
		if v.Kind == VHEAP {
			as.heapi = i
			return v, true
		}
	}
	return nil, false
}

// / Reset_heap_break moves the heap break. Growth is lazy; shrinking
// / unmaps the dropped tail. A break equal to the heap floor leaves a
// / zero-length heap; a break below the floor is ignored. The effective
// / break is returned.
func (as *Aspace_t) Reset_heap_break(newbrk mem.Va_t) mem.Va_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	heap, ok := as.find_heap()
	if !ok {
		panic("no heap vma")
	}
	switch {
	case newbrk >= heap.End:
		heap.End = newbrk
		vlog.WithFields(logrus.Fields{"brk": newbrk}).Debug("heap extend")
		return newbrk
	case newbrk >= heap.Start:
		// a break equal to the floor leaves a zero-length heap
		if newbrk.Ceil().Startaddr() < heap.End {
			right := heap.Split_off(newbrk.Ceil())
			right.unmap_from(as.Pmap)
		}
		vlog.WithFields(logrus.Fields{"brk": newbrk}).Debug("heap shrink")
		return newbrk
	default:
		return heap.End
	}
}

// / Pgfault resolves a user fault at fa with the given access kind. The
// / address space stays consistent whether or not the fault can be
// / served.
func (as *Aspace_t) Pgfault(tid defs.Tid_t, fa mem.Va_t, at defs.Accesstype_t) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.pgfault_inner(fa, at)
}

func (as *Aspace_t) pgfault_inner(fa mem.Va_t, at defs.Accesstype_t) defs.Err_t {
	as.Lockassert_pmap()
	Vmstats.Pgfaults.Inc()
	v, ok := as.Lookup(fa)
	if !ok {
		return -defs.EFAULT
	}
	return v.pgfault(as.Pmap, as.phys, fa.Floor(), at)
}

// / Unusedva_inner returns the lowest length-sized gap between the
// / VMAs inside [astart, aend), or false when the arena is full.
func (as *Aspace_t) Unusedva_inner(astart, aend mem.Va_t, length int) (mem.Va_t, bool) {
	as.Lockassert_pmap()
	if length < 0 || length > 1<<48 {
		panic("weird len")
	}
	// collect in-arena ranges in address order
	var ranges []*Vma_t
	for _, v := range as.areas {
		if v.End > astart && v.Start < aend {
			ranges = append(ranges, v)
		}
	}
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].Start < ranges[j].Start
	})
	pos := astart
	for _, v := range ranges {
		if int(v.Start-pos) >= length {
			return pos, true
		}
		if v.End > pos {
			pos = v.End
		}
	}
	if int(aend-pos) >= length {
		return pos, true
	}
	return 0, false
}

// / Alloc_mmap_area places a file-backed mapping in the mmap arena and
// / eagerly installs whatever the page cache already holds, up to the
// / per-file cap. The chosen start address is returned.
func (as *Aspace_t) Alloc_mmap_area(hint mem.Va_t, length int, perm Perm_t,
	flags Mapflags_t, file pgcache.Mmapfile_i, foff int) (mem.Va_t, defs.Err_t) {
	if length <= 0 || length%mem.PGSIZE != 0 || foff%mem.PGSIZE != 0 {
		return 0, -defs.EINVAL
	}
	if file == nil {
		return 0, -defs.EINVAL
	}
	if flags&MAP_FIXED != 0 {
		// arena placement cannot honor a fixed address
		vlog.WithFields(logrus.Fields{"hint": hint}).Debug("MAP_FIXED refused")
		return 0, -defs.EINVAL
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	start, ok := as.Unusedva_inner(mem.Va_t(board.USER_FILE_BEG),
		mem.Va_t(board.USER_SHARE_BEG), length)
	if !ok {
		return 0, -defs.ENOMEM
	}
	v := Mkvma_mmap(start, start+mem.Va_t(length), perm, flags, file, foff, length)
	// seed the VMA with the cached pages; push installs them with COW
	// semantics for private mappings
	capped := util.Min(length, limits.Syslimit.Mappages*mem.PGSIZE)
	beg, _ := v.Range_vpn()
	for off := foff; off < foff+capped; off += mem.PGSIZE {
		cached, err := file.Filepage(off)
		if err != 0 {
			// EOF: the rest faults lazily
			break
		}
		cached.Refup()
		v.setframe(beg+mem.Vpn_t((off-foff)/mem.PGSIZE), cached)
	}
	if !flags.Shared() {
		v.Perm |= PERM_C
	}
	if err := as.push_area_inner(v, nil); err != 0 {
		return 0, err
	}
	vlog.WithFields(logrus.Fields{
		"start": start,
		"len":   length,
		"eager": v.Nframes(),
	}).Debug("mmap file area")
	return start, 0
}

// / Alloc_anon_area places an anonymous mapping in the share arena.
// / is_share selects a shared (Shm) area; everything is demand paged.
func (as *Aspace_t) Alloc_anon_area(hint mem.Va_t, length int, perm Perm_t,
	flags Mapflags_t, is_share bool) (mem.Va_t, defs.Err_t) {
	if length <= 0 || length%mem.PGSIZE != 0 {
		return 0, -defs.EINVAL
	}
	if flags&MAP_FIXED != 0 {
		return 0, -defs.EINVAL
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	start, ok := as.Unusedva_inner(mem.Va_t(board.USER_SHARE_BEG),
		mem.Va_t(board.USER_SHARE_END), length)
	if !ok {
		return 0, -defs.ENOMEM
	}
	var v *Vma_t
	if is_share {
		v = Mkvma(start, start+mem.Va_t(length), VSHM, perm)
		v.Flags = flags | MAP_SHARED
	} else {
		v = Mkvma_mmap(start, start+mem.Va_t(length), perm, flags|MAP_ANONYMOUS, nil, 0, length)
	}
	if err := as.push_area_inner(v, nil); err != 0 {
		return 0, err
	}
	vlog.WithFields(logrus.Fields{
		"start": start,
		"len":   length,
		"share": is_share,
	}).Debug("anon area")
	return start, 0
}

// / Unmap removes [va, va+length) from the address space. The range
// / must fall within a single VMA; head, tail, and middle cuts split
// / the area.
func (as *Aspace_t) Unmap(va mem.Va_t, length int) defs.Err_t {
	if length <= 0 || !va.Pgaligned() {
		return -defs.EINVAL
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	end := va + mem.Va_t(util.Roundup(length, mem.PGSIZE))
	for i, v := range as.areas {
		if !v.Contains(va) {
			continue
		}
		if end > v.End.Ceil().Startaddr() {
			return -defs.EINVAL
		}
		var gone *Vma_t
		if va == v.Start.Floor().Startaddr() && end >= v.End {
			// whole area
			as.areas = append(as.areas[:i], as.areas[i+1:]...)
			gone = v
		} else if va == v.Start.Floor().Startaddr() {
			// head cut
			rest := v.Split_off(end.Floor())
			as.areas[i] = rest
			gone = v
		} else if end >= v.End {
			// tail cut
			gone = v.Split_off(va.Floor())
		} else {
			// middle cut
			tail := v.Split_off(va.Floor())
			gone = tail
			keep := tail.Split_off(end.Floor())
			as.areas = append(as.areas, keep)
		}
		gone.unmap_from(as.Pmap)
		return 0
	}
	return -defs.EINVAL
}

// / Fork builds a copy-on-write child of this address space. After the
// / call both spaces see identical memory; the first write in either
// / privatises the page. The trap-context area is physically copied.
func (as *Aspace_t) Fork() (*Aspace_t, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	child, err := Mkaspace(as.phys)
	if err != 0 {
		return nil, err
	}
	child.Lock_pmap()
	defer child.Unlock_pmap()
	for _, v := range as.areas {
		sib, cow := v.Clone_cow(as.Pmap)
		if e := child.push_area_inner(sib, nil); e != 0 {
			child.uvmfree_inner()
			return nil, e
		}
		if !cow {
			// physically copy what cannot be shared
			beg, end := v.Range_vpn()
			for vpn := beg; vpn < end; vpn++ {
				spfn, ok1 := as.Pmap.Translate_vpn(vpn)
				dpfn, ok2 := child.Pmap.Translate_vpn(vpn)
				if !ok1 || !ok2 {
					panic("trap context not mapped")
				}
				copy(child.phys.Dmap_pfn(dpfn)[:], as.phys.Dmap_pfn(spfn)[:])
			}
		}
	}
	child.heapi = as.heapi
	return child, 0
}

// / Uvmfree releases every mapping and the page table itself.
func (as *Aspace_t) Uvmfree() {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	as.uvmfree_inner()
}

func (as *Aspace_t) uvmfree_inner() {
	as.Lockassert_pmap()
	for _, v := range as.areas {
		v.unmap_from(as.Pmap)
	}
	as.areas = nil
	as.heapi = 0
	as.Pmap.Free()
}

// / Ensure_access faults in [va, va+length) for the given access kind
// / so a later touch cannot fault.
func (as *Aspace_t) Ensure_access(va mem.Va_t, length int, at defs.Accesstype_t) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	for vpn := va.Floor(); vpn < (va + mem.Va_t(length)).Ceil(); vpn++ {
		if err := as.pgfault_inner(vpn.Startaddr(), at); err != 0 {
			return err
		}
	}
	return 0
}

// / Access_no_fault reports whether [va, va+length) can be accessed
// / without taking a fault.
func (as *Aspace_t) Access_no_fault(va mem.Va_t, length int, at defs.Accesstype_t) bool {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	for vpn := va.Floor(); vpn < (va + mem.Va_t(length)).Ceil(); vpn++ {
		pte, _, ok := as.Pmap.Find_pte(vpn)
		if !ok || !pte.Valid() || !pte.Leaf() {
			return false
		}
		if at.Iswrite() && *pte&pmap.PTE_W == 0 {
			return false
		}
		if at.Isexec() && *pte&pmap.PTE_X == 0 {
			return false
		}
	}
	return true
}

// / Vmaview_t is a read-only snapshot of one VMA.
type Vmaview_t struct {
	Start mem.Va_t
	End   mem.Va_t
	Kind  Vmkind_t
	Perm  Perm_t
	File  pgcache.Mmapfile_i
	Foff  int
	Flen  int
	Flags Mapflags_t
}

// / Get_area_view snapshots the VMA containing va.
func (as *Aspace_t) Get_area_view(va mem.Va_t) (Vmaview_t, bool) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	v, ok := as.Lookup(va)
	if !ok {
		return Vmaview_t{}, false
	}
	return Vmaview_t{
		Start: v.Start,
		End:   v.End,
		Kind:  v.Kind,
		Perm:  v.Perm,
		File:  v.File,
		Foff:  v.Foff,
		Flen:  v.Flen,
		Flags: v.Flags,
	}, true
}
