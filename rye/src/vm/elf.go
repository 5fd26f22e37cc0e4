package vm

import "bytes"
import "debug/elf"

import "github.com/sirupsen/logrus"

import "board"
import "defs"
import "mem"

var elfmagic = []uint8{0x7f, 'E', 'L', 'F'}

// / Load_elf builds a fresh address space from an ELF image: one
// / eagerly-mapped data area per LOAD segment, a zero-length heap just
// / above the highest segment, the stack arena, and the trap-context
// / page. It returns the space, the user stack top, and the entry
// / point.
func Load_elf(phys *mem.Physmem_t, img []uint8) (*Aspace_t, mem.Va_t, mem.Va_t, defs.Err_t) {
	if len(img) < 4 || !bytes.Equal(img[:4], elfmagic) {
		vlog.Debug("invalid ELF")
		return nil, 0, 0, -defs.ENOEXEC
	}
	f, err := elf.NewFile(bytes.NewReader(img))
	if err != nil {
		vlog.WithField("err", err).Debug("invalid ELF")
		return nil, 0, 0, -defs.ENOEXEC
	}
	defer f.Close()

	as, aerr := Mkaspace(phys)
	if aerr != 0 {
		return nil, 0, 0, aerr
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()

	var maxend mem.Vpn_t
	for _, ph := range f.Progs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		start := mem.Va_t(ph.Vaddr)
		end := mem.Va_t(ph.Vaddr + ph.Memsz)
		perm := PERM_U
		if ph.Flags&elf.PF_R != 0 {
			perm |= PERM_R
		}
		if ph.Flags&elf.PF_W != 0 {
			perm |= PERM_W
		}
		if ph.Flags&elf.PF_X != 0 {
			perm |= PERM_X
		}
		v := Mkvma(start, end, VDATA, perm)
		if v.End.Ceil() > maxend {
			maxend = v.End.Ceil()
		}
		off := int(ph.Off)
		fsz := int(ph.Filesz)
		if off < 0 || fsz < 0 || off+fsz > len(img) {
			as.uvmfree_inner()
			return nil, 0, 0, -defs.ENOEXEC
		}
		// the tail past Filesz keeps the zero fill the allocator
		// provided
		if e := as.push_area_inner(v, img[off:off+fsz]); e != 0 {
			as.uvmfree_inner()
			return nil, 0, 0, e
		}
	}

	heapbot := maxend.Startaddr()
	as.heapi = len(as.areas)
	heap := Mkvma(heapbot, heapbot, VHEAP, PERM_R|PERM_W|PERM_U)
	if e := as.push_area_inner(heap, nil); e != 0 {
		as.uvmfree_inner()
		return nil, 0, 0, e
	}

	stack := Mkvma(mem.Va_t(board.USER_STACK_BOTTOM), mem.Va_t(board.USER_STACK_TOP),
		VSTACK, PERM_R|PERM_W|PERM_U)
	if e := as.push_area_inner(stack, nil); e != 0 {
		as.uvmfree_inner()
		return nil, 0, 0, e
	}

	// the trap-context page saves registers on kernel entry; user code
	// never touches it
	tctx := Mkvma(mem.Va_t(board.USER_TRAPCTX_BOTTOM), mem.Va_t(board.USER_TRAPCTX_TOP),
		VTRAPCTX, PERM_R|PERM_W)
	if e := as.push_area_inner(tctx, nil); e != 0 {
		as.uvmfree_inner()
		return nil, 0, 0, e
	}

	vlog.WithFields(logrus.Fields{
		"entry":   f.Entry,
		"heapbot": heapbot,
	}).Debug("elf loaded")
	return as, mem.Va_t(board.USER_STACK_TOP), mem.Va_t(f.Entry), 0
}
