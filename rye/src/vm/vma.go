package vm

import "github.com/google/btree"
import "github.com/sirupsen/logrus"

import "defs"
import "mem"
import "pgcache"
import "pmap"

// / Perm_t is a VMA permission set. The low bits line up with the
// / architectural PTE flag positions; C is the software COW marker.
type Perm_t uint8

/// Permission bits.
const (
	PERM_R Perm_t = 1 << 1
	PERM_W Perm_t = 1 << 2
	PERM_X Perm_t = 1 << 3
	PERM_U Perm_t = 1 << 4
	PERM_C Perm_t = 1 << 5
)

// / Pteflags converts the permission set into the flags written to a
// / leaf PTE. C and W are never both effective: C strips W and sets the
// / software COW bit instead.
func (p Perm_t) Pteflags() pmap.Pte_t {
	f := pmap.Pte_t(p&(PERM_R|PERM_W|PERM_X|PERM_U)) | pmap.PTE_A
	if p&PERM_C != 0 {
		f &^= pmap.PTE_W
		f |= pmap.PTE_COW
	}
	if f&pmap.PTE_W != 0 {
		f |= pmap.PTE_D
	}
	return f
}

// / Vmkind_t tags a VMA with its paging policy.
type Vmkind_t int

/// VMA kinds.
const (
	VDATA Vmkind_t = iota
	VHEAP
	VSTACK
	VTRAPCTX
	VMMAP
	VSHM
)

func (k Vmkind_t) String() string {
	switch k {
	case VDATA:
		return "data"
	case VHEAP:
		return "heap"
	case VSTACK:
		return "stack"
	case VTRAPCTX:
		return "trapctx"
	case VMMAP:
		return "mmap"
	case VSHM:
		return "shm"
	}
	return "bad kind"
}

// / Mapflags_t carries the mmap flag word.
type Mapflags_t uint

/// Recognised mmap flags.
const (
	MAP_SHARED          Mapflags_t = 0x1
	MAP_PRIVATE         Mapflags_t = 0x2
	MAP_SHARED_VALIDATE Mapflags_t = 0x3
	MAP_FIXED           Mapflags_t = 0x10
	MAP_ANONYMOUS       Mapflags_t = 0x20
)

// / Shared reports whether the mapping is write-through shared.
func (f Mapflags_t) Shared() bool {
	t := f & 0xf
	return t == MAP_SHARED || t == MAP_SHARED_VALIDATE
}

type frament_t struct {
	vpn mem.Vpn_t
	ft  *mem.Frametracker_t
}

func framentless(a, b frament_t) bool {
	return a.vpn < b.vpn
}

// / Vma_t is a contiguous user range sharing one kind, permission set,
// / and backing. frames records which pages have been materialised; an
// / absent VPN has not been touched yet.
type Vma_t struct {
	Start mem.Va_t
	End   mem.Va_t
	Kind  Vmkind_t
	Perm  Perm_t
	// sparse ordered VPN -> shared frame map
	frames *btree.BTreeG[frament_t]
	// mmap state
	File  pgcache.Mmapfile_i
	Foff  int
	Flen  int
	Flags Mapflags_t
}

// / Mkvma builds a VMA for the eager and lazy anonymous kinds. The
// / range is page aligned outward.
func Mkvma(start, end mem.Va_t, kind Vmkind_t, perm Perm_t) *Vma_t {
	return &Vma_t{
		Start:  start.Floor().Startaddr(),
		End:    end.Ceil().Startaddr(),
		Kind:   kind,
		Perm:   perm,
		frames: btree.NewG[frament_t](8, framentless),
	}
}

// / Mkvma_mmap builds a VMA for a memory mapping; a nil file means
// / anonymous.
func Mkvma_mmap(start, end mem.Va_t, perm Perm_t, flags Mapflags_t,
	file pgcache.Mmapfile_i, foff, flen int) *Vma_t {
	ret := Mkvma(start, end, VMMAP, perm)
	ret.File = file
	ret.Foff = foff
	ret.Flen = flen
	ret.Flags = flags
	return ret
}

// / Filebacked reports whether the VMA maps file pages.
func (v *Vma_t) Filebacked() bool {
	return v.File != nil
}

// / Contains reports whether va falls inside the range.
func (v *Vma_t) Contains(va mem.Va_t) bool {
	return va >= v.Start && va < v.End
}

// / Range_vpn returns the page span [floor(start), ceil(end)).
func (v *Vma_t) Range_vpn() (mem.Vpn_t, mem.Vpn_t) {
	return v.Start.Floor(), v.End.Ceil()
}

func (v *Vma_t) frame(vpn mem.Vpn_t) (*mem.Frametracker_t, bool) {
	e, ok := v.frames.Get(frament_t{vpn: vpn})
	if !ok {
		return nil, false
	}
	return e.ft, true
}

func (v *Vma_t) setframe(vpn mem.Vpn_t, ft *mem.Frametracker_t) {
	v.frames.ReplaceOrInsert(frament_t{vpn: vpn, ft: ft})
}

func (v *Vma_t) eachframe(f func(mem.Vpn_t, *mem.Frametracker_t) bool) {
	v.frames.Ascend(func(e frament_t) bool {
		return f(e.vpn, e.ft)
	})
}

// / Nframes returns the number of materialised pages.
func (v *Vma_t) Nframes() int {
	return v.frames.Len()
}

// / Split_off truncates the VMA to [start, vpn) and returns a new VMA
// / covering [vpn, old end); frames are partitioned along the boundary.
func (v *Vma_t) Split_off(vpn mem.Vpn_t) *Vma_t {
	if !v.Contains(vpn.Startaddr()) {
		panic("split outside vma")
	}
	right := &Vma_t{
		Start:  vpn.Startaddr(),
		End:    v.End,
		Kind:   v.Kind,
		Perm:   v.Perm,
		frames: btree.NewG[frament_t](8, framentless),
		File:   v.File,
		Foff:   v.Foff,
		Flen:   v.Flen,
		Flags:  v.Flags,
	}
	var moved []frament_t
	v.frames.AscendGreaterOrEqual(frament_t{vpn: vpn}, func(e frament_t) bool {
		moved = append(moved, e)
		return true
	})
	for _, e := range moved {
		v.frames.Delete(e)
		right.frames.ReplaceOrInsert(e)
	}
	v.End = vpn.Startaddr()
	return right
}

// lazykind reports whether pages of the VMA materialise on first
// access rather than at push time.
func (v *Vma_t) lazykind() bool {
	switch v.Kind {
	case VHEAP, VSTACK, VMMAP, VSHM:
		return true
	}
	return false
}

// map_into installs the VMA's pages into pm when the area is pushed.
// The policy is a function of (kind, C bit): eagerly-mapped kinds
// allocate everything now, forked or pre-seeded areas install their
// existing shared frames, the rest wait for the fault handler. Partial
// failures are unwound before returning.
func (v *Vma_t) map_into(pm *pmap.Pmap_t, phys *mem.Physmem_t) defs.Err_t {
	if v.Kind == VTRAPCTX {
		if v.Perm&PERM_C != 0 {
			panic("trap context cannot be cow")
		}
		return v.map_eager(pm, phys, pmap.PTE_D)
	}
	if v.Perm&PERM_C != 0 || v.Kind == VMMAP || v.Kind == VSHM {
		return v.map_existing(pm)
	}
	if v.Kind == VDATA {
		return v.map_eager(pm, phys, 0)
	}
	// heap and stack fill in on demand
	return 0
}

// map_eager allocates one zeroed frame per page and installs it.
func (v *Vma_t) map_eager(pm *pmap.Pmap_t, phys *mem.Physmem_t, extra pmap.Pte_t) defs.Err_t {
	beg, end := v.Range_vpn()
	for vpn := beg; vpn < end; vpn++ {
		ft, ok := phys.Alloc_tracker(1)
		if !ok {
			v.unmap_from(pm)
			return -defs.ENOMEM
		}
		if err := pm.Map(vpn, ft.Start(), v.Perm.Pteflags()|extra, pmap.LSMALL); err != 0 {
			ft.Refdown()
			v.unmap_from(pm)
			return err
		}
		v.setframe(vpn, ft)
	}
	return 0
}

// map_existing installs every already-materialised frame, skipping
// pages something else mapped first. Effective permissions honor the C
// bit, so forked pages land write-protected with the COW marker set.
func (v *Vma_t) map_existing(pm *pmap.Pmap_t) defs.Err_t {
	flags := v.Perm.Pteflags()
	var reterr defs.Err_t
	v.eachframe(func(vpn mem.Vpn_t, ft *mem.Frametracker_t) bool {
		if pte, _, ok := pm.Find_pte(vpn); ok && pte.Valid() && pte.Leaf() {
			return true
		}
		if err := pm.Map(vpn, ft.Start(), flags, pmap.LSMALL); err != 0 {
			reterr = err
			return false
		}
		pm.Tlb_flush_addr(vpn.Startaddr())
		return true
	})
	if reterr != 0 {
		v.unmap_from(pm)
	}
	return reterr
}

// unmap_from removes the VMA's pages from pm and drops every frame
// reference. Eager kinds walk the whole range; lazy kinds walk only
// the materialised pages. Dirty shared file pages are handed back to
// the page cache before the mapping goes away.
func (v *Vma_t) unmap_from(pm *pmap.Pmap_t) {
	harvest := v.Kind == VMMAP && v.Filebacked() && v.Flags.Shared()
	if v.lazykind() {
		v.eachframe(func(vpn mem.Vpn_t, ft *mem.Frametracker_t) bool {
			if harvest {
				if pte, _, ok := pm.Find_pte(vpn); ok && pte.Valid() && *pte&pmap.PTE_D != 0 {
					v.File.Markdirty(v.fileoff(vpn))
				}
			}
			pm.Unmap(vpn)
			return true
		})
	} else {
		beg, end := v.Range_vpn()
		for vpn := beg; vpn < end; vpn++ {
			pm.Unmap(vpn)
		}
	}
	v.clearframes()
	if harvest {
		v.File.Writeback(v.Foff, v.Flen)
	}
}

func (v *Vma_t) clearframes() {
	var all []frament_t
	v.eachframe(func(vpn mem.Vpn_t, ft *mem.Frametracker_t) bool {
		all = append(all, frament_t{vpn: vpn, ft: ft})
		return true
	})
	v.frames.Clear(false)
	for _, e := range all {
		e.ft.Refdown()
	}
}

// fileoff returns the file offset backing the given page.
func (v *Vma_t) fileoff(vpn mem.Vpn_t) int {
	beg, _ := v.Range_vpn()
	return v.Foff + int(vpn-beg)*mem.PGSIZE
}

// copy_data fills bytes starting at the VMA's first address from data,
// truncating when data runs out. The pages must already be mapped.
func (v *Vma_t) copy_data(pm *pmap.Pmap_t, phys *mem.Physmem_t, data []uint8) {
	beg, end := v.Range_vpn()
	off := 0
	for vpn := beg; vpn < end && off < len(data); vpn++ {
		pfn, ok := pm.Translate_vpn(vpn)
		if !ok {
			panic("copy into unmapped page")
		}
		dst := phys.Dmap_pfn(pfn)
		off += copy(dst[:], data[off:])
	}
}

// / Clone_cow prepares the VMA for fork and returns the child's
// / sibling. The parent's writable pages are downgraded to COW before
// / the sibling exists, so the child can only ever install the
// / write-protected view. Shared mappings are not downgraded; parent
// / and child keep writing the same frames. The second return is false
// / when the area cannot be COWed (trap context) and the caller must
// / copy it physically.
func (v *Vma_t) Clone_cow(pm *pmap.Pmap_t) (*Vma_t, bool) {
	if v.Kind == VTRAPCTX {
		sib := Mkvma(v.Start, v.End, v.Kind, v.Perm)
		return sib, false
	}
	shared := v.Kind == VSHM || (v.Kind == VMMAP && v.Flags.Shared())
	if !shared {
		if v.Perm&PERM_W != 0 {
			v.Perm &^= PERM_W
			v.Perm |= PERM_C
			v.eachframe(func(vpn mem.Vpn_t, ft *mem.Frametracker_t) bool {
				pte, _, ok := pm.Find_pte(vpn)
				if !ok || !pte.Valid() {
					panic("tracked page not mapped")
				}
				*pte = (*pte | pmap.PTE_COW) &^ (pmap.PTE_W | pmap.PTE_D)
				pm.Tlb_flush_addr(vpn.Startaddr())
				return true
			})
		} else {
			v.Perm |= PERM_C
		}
	}
	sib := &Vma_t{
		Start:  v.Start,
		End:    v.End,
		Kind:   v.Kind,
		Perm:   v.Perm,
		frames: v.frames.Clone(),
		File:   v.File,
		Foff:   v.Foff,
		Flen:   v.Flen,
		Flags:  v.Flags,
	}
	sib.eachframe(func(vpn mem.Vpn_t, ft *mem.Frametracker_t) bool {
		ft.Refup()
		return true
	})
	return sib, true
}

// canaccess applies the fault permission filter: R is required for any
// access, W needs W or the COW marker, X needs X.
func (v *Vma_t) canaccess(at defs.Accesstype_t) bool {
	if v.Perm&PERM_R == 0 {
		return false
	}
	if at.Iswrite() && v.Perm&(PERM_W|PERM_C) == 0 {
		return false
	}
	if at.Isexec() && v.Perm&PERM_X == 0 {
		return false
	}
	return true
}

// pgfault resolves a fault on a page of this VMA. The caller holds the
// address space lock.
func (v *Vma_t) pgfault(pm *pmap.Pmap_t, phys *mem.Physmem_t, vpn mem.Vpn_t,
	at defs.Accesstype_t) defs.Err_t {
	if !v.canaccess(at) {
		vlog.WithFields(logrus.Fields{
			"vma":    v.Kind.String(),
			"perm":   v.Perm,
			"access": at,
		}).Debug("fault access not permitted")
		return -defs.EACCES
	}
	pte, lvl, ok := pm.Find_pte(vpn)
	if ok && pte.Valid() && pte.Leaf() {
		if pte.Is_cow() {
			if !at.Iswrite() {
				// read through an existing COW mapping needs no work
				return 0
			}
			return v.cowfault(pm, phys, vpn, pte, lvl)
		}
		// benign re-fault: another thread resolved it first
		if !at.Iswrite() || *pte&pmap.PTE_W != 0 {
			return 0
		}
		return -defs.EACCES
	}
	switch v.Kind {
	case VDATA, VTRAPCTX:
		// eagerly mapped; absence is a bug
		return -defs.EFAULT
	case VHEAP, VSTACK:
		return v.lazyfault(pm, phys, vpn, v.Perm)
	case VMMAP, VSHM:
		if !v.Filebacked() {
			return v.lazyfault(pm, phys, vpn, v.Perm)
		}
		return v.filefault(pm, phys, vpn, at)
	}
	panic("wut")
}

// lazyfault materialises one zeroed anonymous page.
func (v *Vma_t) lazyfault(pm *pmap.Pmap_t, phys *mem.Physmem_t, vpn mem.Vpn_t,
	perm Perm_t) defs.Err_t {
	ft, ok := phys.Alloc_tracker(1)
	if !ok {
		return -defs.ENOMEM
	}
	if err := pm.Map(vpn, ft.Start(), perm.Pteflags(), pmap.LSMALL); err != 0 {
		ft.Refdown()
		return err
	}
	v.setframe(vpn, ft)
	pm.Tlb_flush_addr(vpn.Startaddr())
	Vmstats.Lazypgs.Inc()
	return 0
}

// filefault materialises a file-backed page from the page cache.
// Private mappings install the cache frame write-protected with the
// COW marker, unless the access is already a store, in which case the
// copy happens right away. Shared mappings write the cache frame in
// place.
func (v *Vma_t) filefault(pm *pmap.Pmap_t, phys *mem.Physmem_t, vpn mem.Vpn_t,
	at defs.Accesstype_t) defs.Err_t {
	off := v.fileoff(vpn)
	cached, err := v.File.Filepage(off)
	if err != 0 {
		// access past EOF
		return -defs.EFAULT
	}
	if v.Flags.Shared() {
		if err := pm.Map(vpn, cached.Start(), v.Perm.Pteflags(), pmap.LSMALL); err != 0 {
			return err
		}
		cached.Refup()
		v.setframe(vpn, cached)
		if at.Iswrite() {
			v.File.Markdirty(off)
		}
		pm.Tlb_flush_addr(vpn.Startaddr())
		Vmstats.Filepgs.Inc()
		return 0
	}
	if at.Iswrite() {
		// private store: privatise immediately instead of taking a
		// second fault through a COW install
		ft, ok := phys.Alloc_tracker_nozero(1)
		if !ok {
			return -defs.ENOMEM
		}
		copy(phys.Dmap_run(ft.Range), phys.Dmap_run(cached.Range))
		wperm := (v.Perm &^ PERM_C) | PERM_W
		if err := pm.Map(vpn, ft.Start(), wperm.Pteflags(), pmap.LSMALL); err != 0 {
			ft.Refdown()
			return err
		}
		v.setframe(vpn, ft)
		pm.Tlb_flush_addr(vpn.Startaddr())
		Vmstats.Cowcopies.Inc()
		return 0
	}
	cperm := (v.Perm &^ PERM_W) | PERM_C
	if err := pm.Map(vpn, cached.Start(), cperm.Pteflags(), pmap.LSMALL); err != 0 {
		return err
	}
	cached.Refup()
	v.setframe(vpn, cached)
	pm.Tlb_flush_addr(vpn.Startaddr())
	Vmstats.Filepgs.Inc()
	return 0
}

// cowfault privatises one copy-on-write page. A sole owner claims the
// page in place; otherwise the page is copied at the same page level.
func (v *Vma_t) cowfault(pm *pmap.Pmap_t, phys *mem.Physmem_t, vpn mem.Vpn_t,
	pte *pmap.Pte_t, lvl pmap.Level_t) defs.Err_t {
	ft, ok := v.frame(vpn)
	if !ok {
		// the COW marker promises a tracked frame
		return -defs.EFAULT
	}
	oldperm := v.Perm
	v.Perm &^= PERM_C
	v.Perm |= PERM_W
	if ft.Owners() == 1 {
		*pte = pmap.Mkpte(pte.Ppn(), v.Perm.Pteflags()|pmap.PTE_D)
		pm.Tlb_flush_addr(vpn.Startaddr())
		Vmstats.Cowdemotes.Inc()
		return 0
	}
	nft, ok := phys.Alloc_tracker_nozero(lvl.Pgcount())
	if !ok {
		// undo the perm change so a retry sees the original state
		v.Perm = oldperm
		return -defs.ENOMEM
	}
	copy(phys.Dmap_run(nft.Range), phys.Dmap_run(ft.Range))
	v.setframe(vpn, nft)
	ft.Refdown()
	*pte = pmap.Mkpte(nft.Start(), v.Perm.Pteflags()|pmap.PTE_D)
	pm.Tlb_flush_addr(vpn.Startaddr())
	Vmstats.Cowcopies.Inc()
	return 0
}
