package vm

import "defs"
import "mem"
import "pmap"
import "util"

// / Userdmap8_inner returns a byte view of the user address at va,
// / faulting the page in as needed. When k2u is true the page is
// / prepared for a kernel write (COW is resolved first).
func (as *Aspace_t) Userdmap8_inner(va mem.Va_t, k2u bool) ([]uint8, defs.Err_t) {
	as.Lockassert_pmap()
	v, ok := as.Lookup(va)
	if !ok {
		return nil, -defs.EFAULT
	}
	at := defs.AREAD
	if k2u {
		at = defs.AREAD | defs.AWRITE
	}
	// a write may need two faults: one to materialise the page and one
	// to privatise it, exactly as the hardware would re-fault
	for tries := 0; ; tries++ {
		pte, _, found := as.Pmap.Find_pte(va.Floor())
		if found && pte.Valid() && pte.Leaf() {
			if !k2u || (!pte.Is_cow() && *pte&pmap.PTE_W != 0) {
				pg := as.phys.Dmap_pfn(pte.Ppn())
				return pg[va.Pgoff():], 0
			}
		}
		if tries == 2 {
			panic("fault loop")
		}
		if err := v.pgfault(as.Pmap, as.phys, va.Floor(), at); err != 0 {
			return nil, err
		}
	}
}

// / K2user copies src into user memory starting at uva, faulting pages
// / in as needed.
func (as *Aspace_t) K2user(src []uint8, uva mem.Va_t) defs.Err_t {
	as.Lock_pmap()
	ret := as.K2user_inner(src, uva)
	as.Unlock_pmap()
	return ret
}

// / K2user_inner is K2user for callers already holding the lock.
func (as *Aspace_t) K2user_inner(src []uint8, uva mem.Va_t) defs.Err_t {
	as.Lockassert_pmap()
	cnt := 0
	l := len(src)
	for cnt != l {
		dst, err := as.Userdmap8_inner(uva+mem.Va_t(cnt), true)
		if err != 0 {
			return err
		}
		ub := util.Min(len(src), len(dst))
		copy(dst, src)
		src = src[ub:]
		cnt += ub
	}
	return 0
}

// / Userreadn reads an n byte little-endian value from the user
// / address va.
func (as *Aspace_t) Userreadn(va mem.Va_t, n int) (int, defs.Err_t) {
	if n > 8 {
		panic("large n")
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	var ret int
	var src []uint8
	var err defs.Err_t
	for i := 0; i < n; i += len(src) {
		src, err = as.Userdmap8_inner(va+mem.Va_t(i), false)
		if err != 0 {
			return 0, err
		}
		l := util.Min(n-i, len(src))
		v := util.Readn(src, l, 0)
		ret |= v << (8 * uint(i))
	}
	return ret, 0
}

// / Userwriten stores val as an n byte value at the user address va.
func (as *Aspace_t) Userwriten(va mem.Va_t, n, val int) defs.Err_t {
	if n > 8 {
		panic("large n")
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	var dst []uint8
	for i := 0; i < n; i += len(dst) {
		v := val >> (8 * uint(i))
		t, err := as.Userdmap8_inner(va+mem.Va_t(i), true)
		dst = t
		if err != 0 {
			return err
		}
		util.Writen(dst, util.Min(n-i, len(dst)), 0, v)
	}
	return 0
}

// / User2k copies len(dst) bytes from user memory at uva into dst.
func (as *Aspace_t) User2k(dst []uint8, uva mem.Va_t) defs.Err_t {
	as.Lock_pmap()
	ret := as.User2k_inner(dst, uva)
	as.Unlock_pmap()
	return ret
}

// / User2k_inner is User2k for callers already holding the lock.
func (as *Aspace_t) User2k_inner(dst []uint8, uva mem.Va_t) defs.Err_t {
	as.Lockassert_pmap()
	cnt := 0
	for len(dst) != 0 {
		src, err := as.Userdmap8_inner(uva+mem.Va_t(cnt), false)
		if err != 0 {
			return err
		}
		did := copy(dst, src)
		dst = dst[did:]
		cnt += did
	}
	return 0
}

// / Userbuf_t assists reading and writing a span of user memory.
// / Lookups and accesses are atomic with respect to page faults.
type Userbuf_t struct {
	userva mem.Va_t
	len    int
	// 0 <= off <= len
	off int
	as  *Aspace_t
}

// / Mkuserbuf returns a buffer over [userva, userva+len).
func (as *Aspace_t) Mkuserbuf(userva mem.Va_t, len int) *Userbuf_t {
	ret := &Userbuf_t{}
	ret.ub_init(as, userva, len)
	return ret
}

func (ub *Userbuf_t) ub_init(as *Aspace_t, uva mem.Va_t, len int) {
	if len < 0 {
		panic("negative length")
	}
	ub.userva = uva
	ub.len = len
	ub.off = 0
	ub.as = as
}

// / Remain returns the number of untransferred bytes.
func (ub *Userbuf_t) Remain() int {
	return ub.len - ub.off
}

// / Totalsz reports the total size of the buffer in bytes.
func (ub *Userbuf_t) Totalsz() int {
	return ub.len
}

// / Uioread copies from user memory into dst and returns the count.
func (ub *Userbuf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	ub.as.Lock_pmap()
	a, b := ub._tx(dst, false)
	ub.as.Unlock_pmap()
	return a, b
}

// / Uiowrite copies src into user memory and returns the count.
func (ub *Userbuf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	ub.as.Lock_pmap()
	a, b := ub._tx(src, true)
	ub.as.Unlock_pmap()
	return a, b
}

// copies the min of the provided buffer and the bytes left in the user
// span. on error the offset is preserved so the transfer can restart.
func (ub *Userbuf_t) _tx(buf []uint8, write bool) (int, defs.Err_t) {
	ret := 0
	for len(buf) != 0 && ub.off != ub.len {
		va := ub.userva + mem.Va_t(ub.off)
		ubuf, err := ub.as.Userdmap8_inner(va, write)
		if err != 0 {
			return ret, err
		}
		end := ub.off + len(ubuf)
		if end > ub.len {
			left := ub.len - ub.off
			ubuf = ubuf[:left]
		}
		var c int
		if write {
			c = copy(ubuf, buf)
		} else {
			c = copy(buf, ubuf)
		}
		buf = buf[c:]
		ub.off += c
		ret += c
	}
	return ret, 0
}
