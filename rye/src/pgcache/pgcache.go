// Package pgcache caches file pages in frame-allocator frames so mmap
// can hand the same physical page to every mapper. A cached page is
// held by the cache itself (one tracker reference) plus one reference
// per address space that installed it.
package pgcache

import "sync"

import "defs"
import "hashtable"
import "limits"
import "mem"
import "util"

import "github.com/sirupsen/logrus"

var clog = logrus.WithField("pkg", "pgcache")

// / Backer_i is the store behind a cached file: a disk inode, a memory
// / file, or a test fixture.
type Backer_i interface {
	Pread(dst []uint8, off int) (int, defs.Err_t)
	Pwrite(src []uint8, off int) (int, defs.Err_t)
	Size() int
}

// / Mmapfile_i is the contract the VM layer maps files through.
type Mmapfile_i interface {
	// Filepage returns the cached page containing the page-aligned
	// offset, loading it on first touch. Offsets at or past EOF miss.
	Filepage(off int) (*mem.Frametracker_t, defs.Err_t)
	// Markdirty records that a shared mapping stored to the page.
	Markdirty(off int)
	// Writeback flushes the dirty pages intersecting [off, off+len).
	Writeback(off, len int) defs.Err_t
	Len() int
}

type pgslot_t struct {
	off   int
	ft    *mem.Frametracker_t
	dirty bool
}

// / Pgfile_t is one file's page cache.
type Pgfile_t struct {
	sync.Mutex
	backer Backer_i
	phys   *mem.Physmem_t
	pgs    *hashtable.Hashtable_t[int, *pgslot_t]
}

// / Mkpgfile wraps a backer in an empty page cache.
func Mkpgfile(backer Backer_i, phys *mem.Physmem_t) *Pgfile_t {
	return &Pgfile_t{
		backer: backer,
		phys:   phys,
		pgs:    hashtable.MkHash[int, *pgslot_t](64),
	}
}

// / Len returns the current byte length of the backing file.
func (pf *Pgfile_t) Len() int {
	return pf.backer.Size()
}

// / Filepage returns the shared frame caching the page at off, reading
// / it from the backer on a miss. off must be page aligned.
func (pf *Pgfile_t) Filepage(off int) (*mem.Frametracker_t, defs.Err_t) {
	if off%mem.PGSIZE != 0 {
		return nil, -defs.EINVAL
	}
	if slot, ok := pf.pgs.Get(off); ok {
		return slot.ft, 0
	}
	pf.Lock()
	defer pf.Unlock()
	// lost race?
	if slot, ok := pf.pgs.Get(off); ok {
		return slot.ft, 0
	}
	if off >= pf.backer.Size() {
		return nil, -defs.ENOENT
	}
	if !limits.Syslimit.Cachepgs.Take() {
		clog.Warn("page cache full")
		return nil, -defs.ENOMEM
	}
	ft, ok := pf.phys.Alloc_tracker(1)
	if !ok {
		limits.Syslimit.Cachepgs.Give()
		return nil, -defs.ENOMEM
	}
	dst := pf.phys.Dmap_run(ft.Range)
	did, err := pf.backer.Pread(dst, off)
	if err != 0 {
		ft.Refdown()
		limits.Syslimit.Cachepgs.Give()
		return nil, err
	}
	// short read past the tail stays zero filled
	_ = did
	pf.pgs.Set(off, &pgslot_t{off: off, ft: ft})
	return ft, 0
}

// / Markdirty flags a cached page as modified. No-op for pages that
// / were never cached.
func (pf *Pgfile_t) Markdirty(off int) {
	off = util.Rounddown(off, mem.PGSIZE)
	if slot, ok := pf.pgs.Get(off); ok {
		slot.dirty = true
	}
}

// / Writeback flushes dirty cached pages intersecting [off, off+len)
// / to the backer. len < 0 flushes everything.
func (pf *Pgfile_t) Writeback(off, len int) defs.Err_t {
	pf.Lock()
	defer pf.Unlock()
	end := off + len
	var ret defs.Err_t
	pf.pgs.Iter(func(o int, slot *pgslot_t) bool {
		if !slot.dirty {
			return false
		}
		if len >= 0 && (o+mem.PGSIZE <= off || o >= end) {
			return false
		}
		src := pf.phys.Dmap_run(slot.ft.Range)
		n := pf.backer.Size() - o
		if n > mem.PGSIZE {
			n = mem.PGSIZE
		}
		if n <= 0 {
			return false
		}
		if _, err := pf.backer.Pwrite(src[:n], o); err != 0 {
			ret = err
			return true
		}
		slot.dirty = false
		return false
	})
	return ret
}

// / Evict drops every clean cached page; dirty pages are written back
// / first. Frames still mapped by an address space stay alive through
// / their remaining references.
func (pf *Pgfile_t) Evict() defs.Err_t {
	if err := pf.Writeback(0, -1); err != 0 {
		return err
	}
	pf.Lock()
	defer pf.Unlock()
	var offs []int
	pf.pgs.Iter(func(o int, slot *pgslot_t) bool {
		offs = append(offs, o)
		return false
	})
	for _, o := range offs {
		slot, _ := pf.pgs.Get(o)
		pf.pgs.Del(o)
		slot.ft.Refdown()
		limits.Syslimit.Cachepgs.Give()
	}
	return 0
}

// / Memfile_t is a byte-slice backer used by boot-time images and
// / tests.
type Memfile_t struct {
	sync.Mutex
	data []uint8
}

// / Mkmemfile builds a memory backer over a copy of data.
func Mkmemfile(data []uint8) *Memfile_t {
	d := make([]uint8, len(data))
	copy(d, data)
	return &Memfile_t{data: d}
}

// / Pread copies bytes at off into dst and returns the count.
func (mf *Memfile_t) Pread(dst []uint8, off int) (int, defs.Err_t) {
	mf.Lock()
	defer mf.Unlock()
	if off < 0 || off >= len(mf.data) {
		return 0, 0
	}
	return copy(dst, mf.data[off:]), 0
}

// / Pwrite copies src over the bytes at off and returns the count.
func (mf *Memfile_t) Pwrite(src []uint8, off int) (int, defs.Err_t) {
	mf.Lock()
	defer mf.Unlock()
	if off < 0 || off > len(mf.data) {
		return 0, -defs.EINVAL
	}
	n := copy(mf.data[off:], src)
	return n, 0
}

// / Size returns the file length.
func (mf *Memfile_t) Size() int {
	mf.Lock()
	defer mf.Unlock()
	return len(mf.data)
}

// / Bytes returns a snapshot of the file contents.
func (mf *Memfile_t) Bytes() []uint8 {
	mf.Lock()
	defer mf.Unlock()
	d := make([]uint8, len(mf.data))
	copy(d, mf.data)
	return d
}
