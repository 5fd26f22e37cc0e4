// Package mem owns physical memory: address types, the direct map, and
// the frame allocator every other layer draws from.
package mem

import "unsafe"

import "board"

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = board.PGSHIFT

/// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks offsets within a page.
const PGOFFSET uintptr = 0xfff

/// PGMASK masks the page number of an address.
const PGMASK uintptr = ^PGOFFSET

/// Pa_t represents a physical address.
type Pa_t uintptr

/// Pfn_t is a physical page-frame number: a Pa_t shifted right by
/// PGSHIFT.
type Pfn_t uintptr

/// Va_t represents a user virtual address.
type Va_t uintptr

/// Vpn_t is a virtual page number.
type Vpn_t uintptr

/// Bytepg_t is a byte addressed page.
type Bytepg_t [PGSIZE]uint8

/// Pg_t is a generic page of ints.
type Pg_t [512]int

// / Pa converts a frame number back to its physical address.
func (pfn Pfn_t) Pa() Pa_t {
	return Pa_t(uintptr(pfn) << PGSHIFT)
}

// / Pfn returns the frame number containing the physical address.
func (pa Pa_t) Pfn() Pfn_t {
	return Pfn_t(uintptr(pa) >> PGSHIFT)
}

// / Floor returns the first page number at or below the address.
func (va Va_t) Floor() Vpn_t {
	return Vpn_t(uintptr(va) >> PGSHIFT)
}

// / Ceil returns the first page number at or above the address.
func (va Va_t) Ceil() Vpn_t {
	return Vpn_t((uintptr(va) + PGOFFSET) >> PGSHIFT)
}

// / Startaddr returns the first address of the page.
func (vpn Vpn_t) Startaddr() Va_t {
	return Va_t(uintptr(vpn) << PGSHIFT)
}

// / Pgoff returns the offset of the address within its page.
func (va Va_t) Pgoff() int {
	return int(uintptr(va) & PGOFFSET)
}

// / Pgaligned reports whether the address is page aligned.
func (va Va_t) Pgaligned() bool {
	return uintptr(va)&PGOFFSET == 0
}

// / Pfnrange_t is a half-open run of physical frames.
type Pfnrange_t struct {
	Start Pfn_t
	End   Pfn_t
}

// / Count returns the number of frames in the run.
func (r Pfnrange_t) Count() int {
	return int(r.End - r.Start)
}

// / Empty reports whether the run holds no frames.
func (r Pfnrange_t) Empty() bool {
	return r.End <= r.Start
}

// / Pg2bytes converts a page of ints to a page of bytes.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

// / Bytepg2pg converts a byte page back to a Pg_t.
func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

// / Dmap returns the direct-mapped page for a physical address.
func (phys *Physmem_t) Dmap(pa Pa_t) *Pg_t {
	return Bytepg2pg(phys.Dmap_pfn(pa.Pfn()))
}

// / Dmap_pfn returns the direct-mapped byte page for a frame.
func (phys *Physmem_t) Dmap_pfn(pfn Pfn_t) *Bytepg_t {
	idx := int(pfn - phys.base)
	if idx < 0 || idx >= phys.npgs {
		panic("direct map not large enough")
	}
	return &phys.ram[idx]
}

// / Dmap8 returns a byte slice starting at the physical address and
// / running to the end of its page.
func (phys *Physmem_t) Dmap8(pa Pa_t) []uint8 {
	bpg := phys.Dmap_pfn(pa.Pfn())
	off := uintptr(pa) & PGOFFSET
	return bpg[off:]
}

// / Dmap_run returns the direct-mapped bytes of a whole frame run.
func (phys *Physmem_t) Dmap_run(r Pfnrange_t) []uint8 {
	if r.Empty() {
		return nil
	}
	idx := int(r.Start - phys.base)
	if idx < 0 || idx+r.Count() > phys.npgs {
		panic("direct map not large enough")
	}
	return unsafe.Slice(&phys.ram[idx][0], r.Count()*PGSIZE)
}
