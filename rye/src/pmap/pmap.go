// Package pmap implements the SV39-style page table the VM core maps
// user pages through. Table pages come from the frame allocator; the
// package also models the per-table TLB so flushes are observable.
package pmap

import "unsafe"

import "defs"
import "mem"

/// PTE flag bits. Bits 0-7 are architectural; PTE_COW lives in the
/// first reserved-for-software slot, which the MMU ignores.
const (
	PTE_V   Pte_t = 1 << 0
	PTE_R   Pte_t = 1 << 1
	PTE_W   Pte_t = 1 << 2
	PTE_X   Pte_t = 1 << 3
	PTE_U   Pte_t = 1 << 4
	PTE_G   Pte_t = 1 << 5
	PTE_A   Pte_t = 1 << 6
	PTE_D   Pte_t = 1 << 7
	PTE_COW Pte_t = 1 << 8
)

/// PTE_FLAGS masks all flag and software bits of an entry.
const PTE_FLAGS Pte_t = 0x3ff

const nlevels = 3
const idxbits = 9
const idxmask = (1 << idxbits) - 1

// / Pte_t is a single page-table entry: PPN in bits 10..53, flags low.
type Pte_t uint64

// / Valid reports whether the entry is present.
func (pte Pte_t) Valid() bool {
	return pte&PTE_V != 0
}

// / Leaf reports whether a valid entry maps a page rather than a table.
func (pte Pte_t) Leaf() bool {
	return pte&(PTE_R|PTE_W|PTE_X) != 0
}

// / Is_cow reports whether the software COW marker is set.
func (pte Pte_t) Is_cow() bool {
	return pte&PTE_COW != 0
}

// / Ppn extracts the physical frame number.
func (pte Pte_t) Ppn() mem.Pfn_t {
	return mem.Pfn_t(pte >> 10)
}

// / Flags returns the flag and software bits.
func (pte Pte_t) Flags() Pte_t {
	return pte & PTE_FLAGS
}

// / Mkpte builds a valid entry from a frame number and flags.
func Mkpte(pfn mem.Pfn_t, flags Pte_t) Pte_t {
	return Pte_t(pfn)<<10 | (flags & PTE_FLAGS) | PTE_V
}

// / Level_t is the page level of a mapping: 0 = 4K, 1 = 2M, 2 = 1G.
type Level_t int

/// Page levels.
const (
	LSMALL Level_t = 0
	LMID   Level_t = 1
	LBIG   Level_t = 2
)

// / Pgcount returns the number of base frames a page at this level
// / spans.
func (l Level_t) Pgcount() int {
	return 1 << (idxbits * uint(l))
}

type tlbent_t struct {
	valid bool
	vpn   mem.Vpn_t
	pte   Pte_t
	lvl   Level_t
}

// / Pmap_t is one address space's page table. Table pages are owned by
// / the pmap; leaf frames belong to whoever installed them.
type Pmap_t struct {
	phys   *mem.Physmem_t
	root   *mem.Frametracker_t
	tables []*mem.Frametracker_t
	tlb    [256]tlbent_t
}

// curpmap models the page table installed on the executing CPU.
var curpmap *Pmap_t

// / Mkpmap allocates an empty page table or returns false on
// / exhaustion.
func Mkpmap(phys *mem.Physmem_t) (*Pmap_t, bool) {
	root, ok := phys.Alloc_tracker(1)
	if !ok {
		return nil, false
	}
	return &Pmap_t{phys: phys, root: root}, true
}

// / Enable_low installs the user half of this page table on the current
// / CPU and flushes the TLB.
func (pm *Pmap_t) Enable_low() {
	curpmap = pm
	pm.Tlb_flush_all()
}

// / Current returns the page table installed on the executing CPU.
func Current() *Pmap_t {
	return curpmap
}

func (pm *Pmap_t) table(pfn mem.Pfn_t) *[512]Pte_t {
	return (*[512]Pte_t)(unsafe.Pointer(pm.phys.Dmap_pfn(pfn)))
}

func vpnidx(vpn mem.Vpn_t, lvl Level_t) int {
	return int(vpn>>(idxbits*uint(lvl))) & idxmask
}

// / Find_pte returns the deepest entry the walk reaches for vpn and its
// / level. The bool is always true: a walk that dead-ends returns the
// / invalid slot where it stopped, so callers check Valid().
func (pm *Pmap_t) Find_pte(vpn mem.Vpn_t) (*Pte_t, Level_t, bool) {
	tbl := pm.table(pm.root.Start())
	for lvl := Level_t(nlevels - 1); ; lvl-- {
		pte := &tbl[vpnidx(vpn, lvl)]
		if !pte.Valid() || pte.Leaf() || lvl == LSMALL {
			return pte, lvl, true
		}
		tbl = pm.table(pte.Ppn())
	}
}

// / Find_pte_create walks to the leaf slot for vpn at the given level,
// / allocating intermediate tables, and returns the slot. Fails only on
// / frame exhaustion.
func (pm *Pmap_t) Find_pte_create(vpn mem.Vpn_t, lvl Level_t) (*Pte_t, defs.Err_t) {
	tbl := pm.table(pm.root.Start())
	for l := Level_t(nlevels - 1); l > lvl; l-- {
		pte := &tbl[vpnidx(vpn, l)]
		if !pte.Valid() {
			ft, ok := pm.phys.Alloc_tracker(1)
			if !ok {
				return nil, -defs.ENOMEM
			}
			pm.tables = append(pm.tables, ft)
			*pte = Mkpte(ft.Start(), 0)
		} else if pte.Leaf() {
			panic("walking through leaf")
		}
		tbl = pm.table(pte.Ppn())
	}
	return &tbl[vpnidx(vpn, lvl)], 0
}

// / Map installs a leaf at the given level. Overwriting is allowed only
// / if the existing slot is invalid.
func (pm *Pmap_t) Map(vpn mem.Vpn_t, pfn mem.Pfn_t, flags Pte_t, lvl Level_t) defs.Err_t {
	if int(vpn)%lvl.Pgcount() != 0 || int(pfn)%lvl.Pgcount() != 0 {
		panic("unaligned mapping")
	}
	pte, err := pm.Find_pte_create(vpn, lvl)
	if err != 0 {
		return err
	}
	if pte.Valid() {
		return -defs.EBUSY
	}
	*pte = Mkpte(pfn, flags)
	return 0
}

// / Unmap invalidates the leaf covering vpn; no-op if absent. The local
// / TLB entry is dropped with it.
func (pm *Pmap_t) Unmap(vpn mem.Vpn_t) {
	pte, _, ok := pm.Find_pte(vpn)
	if !ok || !pte.Valid() || !pte.Leaf() {
		return
	}
	*pte = 0
	pm.Tlb_flush_addr(vpn.Startaddr())
}

// / Translate_vpn resolves a vpn to the frame it maps, consulting the
// / TLB first.
func (pm *Pmap_t) Translate_vpn(vpn mem.Vpn_t) (mem.Pfn_t, bool) {
	e := &pm.tlb[int(vpn)%len(pm.tlb)]
	if e.valid && e.vpn == vpn {
		return e.pte.Ppn() + mem.Pfn_t(int(vpn)%e.lvl.Pgcount()), true
	}
	pte, lvl, ok := pm.Find_pte(vpn)
	if !ok || !pte.Valid() || !pte.Leaf() {
		return 0, false
	}
	e.valid, e.vpn, e.pte, e.lvl = true, vpn, *pte, lvl
	return pte.Ppn() + mem.Pfn_t(int(vpn)%lvl.Pgcount()), true
}

// / Translate_va resolves a user virtual address to a physical address.
func (pm *Pmap_t) Translate_va(va mem.Va_t) (mem.Pa_t, bool) {
	pfn, ok := pm.Translate_vpn(va.Floor())
	if !ok {
		return 0, false
	}
	return pfn.Pa() + mem.Pa_t(va.Pgoff()), true
}

// / Tlb_flush_addr invalidates the TLB entry for a single address.
func (pm *Pmap_t) Tlb_flush_addr(va mem.Va_t) {
	vpn := va.Floor()
	e := &pm.tlb[int(vpn)%len(pm.tlb)]
	if e.valid && e.vpn == vpn {
		e.valid = false
	}
}

// / Tlb_flush_all drops every cached translation.
func (pm *Pmap_t) Tlb_flush_all() {
	for i := range pm.tlb {
		pm.tlb[i].valid = false
	}
}

// / Free releases the root and every intermediate table page. Leaf
// / frames must already have been unmapped by their owners.
func (pm *Pmap_t) Free() {
	for _, ft := range pm.tables {
		ft.Refdown()
	}
	pm.tables = nil
	if pm.root != nil {
		pm.root.Refdown()
		pm.root = nil
	}
	if curpmap == pm {
		curpmap = nil
	}
}
