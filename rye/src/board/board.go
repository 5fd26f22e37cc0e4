// Package board describes the physical memory map and the user
// address-space layout of a supported machine. The layout values are
// ABI: user programs see them and they must not shift once chosen.
package board

import "fmt"

import "github.com/BurntSushi/toml"

/// Page geometry shared by both supported boards.
const (
	PGSHIFT uint = 12
	PGSIZE  int  = 1 << PGSHIFT
)

/// User address-space layout. The user half is the low 39-bit region on
/// both boards; the trap-context page sits at the very top, the stack
/// arena immediately below it, and the two mmap arenas in the middle of
/// the canonical hole-free range.
const (
	USERMIN        uintptr = 0x10000
	USER_SPACE_TOP uintptr = 1 << 39

	USER_TRAPCTX_TOP    uintptr = USER_SPACE_TOP
	USER_TRAPCTX_BOTTOM uintptr = USER_TRAPCTX_TOP - uintptr(PGSIZE)

	USER_STACK_SIZE   uintptr = 8 << 20
	USER_STACK_TOP    uintptr = USER_TRAPCTX_BOTTOM
	USER_STACK_BOTTOM uintptr = USER_STACK_TOP - USER_STACK_SIZE

	// file-backed mmap arena, then the shared/anonymous arena
	USER_FILE_BEG  uintptr = 0x20_0000_0000
	USER_SHARE_BEG uintptr = 0x30_0000_0000
	USER_SHARE_END uintptr = 0x38_0000_0000
)

// / Board_t is the physical memory description the allocator boots
// / from. Kernelend is the first byte past the loaded kernel image.
type Board_t struct {
	Name      string  `toml:"name"`
	Rambase   uintptr `toml:"ram-base"`
	Memend    uintptr `toml:"memory-end"`
	Kernelend uintptr `toml:"kernel-end"`
}

// / Pages returns the page-frame index space size N of the board,
// / counted from Rambase.
func (b *Board_t) Pages() int {
	return int(b.Memend-b.Rambase) >> PGSHIFT
}

// / Mkboard returns the compiled-in description of a supported board.
func Mkboard(name string) *Board_t {
	switch name {
	case "qemu-virt-rv64":
		return &Board_t{
			Name:      name,
			Rambase:   0x8000_0000,
			Memend:    0x8800_0000,
			Kernelend: 0x8040_0000,
		}
	case "virt-la64":
		// direct-mapped high-window board; RAM starts at 0
		return &Board_t{
			Name:      name,
			Rambase:   0x0,
			Memend:    0x800_0000,
			Kernelend: 0x40_0000,
		}
	default:
		panic("unknown board " + name)
	}
}

// / Load reads a board file, overriding the compiled-in description it
// / names. Unset fields keep their defaults.
func Load(path string) (*Board_t, error) {
	var ov struct {
		Board struct {
			Name      string  `toml:"name"`
			Rambase   *uint64 `toml:"ram-base"`
			Memend    *uint64 `toml:"memory-end"`
			Kernelend *uint64 `toml:"kernel-end"`
		} `toml:"board"`
	}
	if _, err := toml.DecodeFile(path, &ov); err != nil {
		return nil, err
	}
	switch ov.Board.Name {
	case "qemu-virt-rv64", "virt-la64":
	case "":
		return nil, fmt.Errorf("board file %s names no board", path)
	default:
		return nil, fmt.Errorf("board file %s names unknown board %s", path,
			ov.Board.Name)
	}
	b := Mkboard(ov.Board.Name)
	if ov.Board.Rambase != nil {
		b.Rambase = uintptr(*ov.Board.Rambase)
	}
	if ov.Board.Memend != nil {
		b.Memend = uintptr(*ov.Board.Memend)
	}
	if ov.Board.Kernelend != nil {
		b.Kernelend = uintptr(*ov.Board.Kernelend)
	}
	if b.Kernelend < b.Rambase || b.Memend <= b.Kernelend {
		return nil, fmt.Errorf("board %s: bad memory map", b.Name)
	}
	return b, nil
}
