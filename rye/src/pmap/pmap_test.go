package pmap

import "testing"

import "github.com/stretchr/testify/assert"
import "github.com/stretchr/testify/require"

import "board"
import "defs"
import "mem"

func mkpm(t *testing.T) (*mem.Physmem_t, *Pmap_t) {
	t.Helper()
	mem.Phys_reset()
	phys := mem.Phys_init(&board.Board_t{
		Name:      "test",
		Rambase:   0x0,
		Memend:    0x40_0000,
		Kernelend: 0x1_0000,
	})
	pm, ok := Mkpmap(phys)
	require.True(t, ok)
	return phys, pm
}

func TestMapTranslateUnmap(t *testing.T) {
	phys, pm := mkpm(t)
	ft, ok := phys.Alloc_tracker(1)
	require.True(t, ok)
	defer ft.Refdown()

	vpn := mem.Vpn_t(0x1234)
	require.Zero(t, pm.Map(vpn, ft.Start(), PTE_R|PTE_W|PTE_U, LSMALL))

	pfn, ok := pm.Translate_vpn(vpn)
	require.True(t, ok)
	assert.Equal(t, ft.Start(), pfn)

	pa, ok := pm.Translate_va(vpn.Startaddr() + 0x42)
	require.True(t, ok)
	assert.Equal(t, ft.Start().Pa()+0x42, pa)

	pm.Unmap(vpn)
	_, ok = pm.Translate_vpn(vpn)
	assert.False(t, ok)
}

func TestUnmapAbsentIsNoop(t *testing.T) {
	_, pm := mkpm(t)
	pm.Unmap(mem.Vpn_t(0x9999))
}

func TestRemapValidFails(t *testing.T) {
	phys, pm := mkpm(t)
	ft, ok := phys.Alloc_tracker(1)
	require.True(t, ok)
	defer ft.Refdown()

	vpn := mem.Vpn_t(7)
	require.Zero(t, pm.Map(vpn, ft.Start(), PTE_R|PTE_U, LSMALL))
	assert.Equal(t, -defs.EBUSY, pm.Map(vpn, ft.Start(), PTE_R|PTE_U, LSMALL))

	// overwriting an invalidated slot is allowed
	pm.Unmap(vpn)
	assert.Zero(t, pm.Map(vpn, ft.Start(), PTE_R|PTE_U, LSMALL))
}

func TestFindPte(t *testing.T) {
	phys, pm := mkpm(t)
	ft, ok := phys.Alloc_tracker(1)
	require.True(t, ok)
	defer ft.Refdown()

	vpn := mem.Vpn_t(0x40201)
	require.Zero(t, pm.Map(vpn, ft.Start(), PTE_R|PTE_W|PTE_U, LSMALL))

	pte, lvl, ok := pm.Find_pte(vpn)
	require.True(t, ok)
	assert.Equal(t, LSMALL, lvl)
	assert.True(t, pte.Valid())
	assert.True(t, pte.Leaf())
	assert.Equal(t, ft.Start(), pte.Ppn())

	// a sibling vpn under the same tables dead-ends at an invalid slot
	pte, _, ok = pm.Find_pte(vpn + 1)
	require.True(t, ok)
	assert.False(t, pte.Valid())
}

func TestCowBitSoftware(t *testing.T) {
	phys, pm := mkpm(t)
	ft, ok := phys.Alloc_tracker(1)
	require.True(t, ok)
	defer ft.Refdown()

	vpn := mem.Vpn_t(0x33)
	require.Zero(t, pm.Map(vpn, ft.Start(), PTE_R|PTE_U|PTE_COW, LSMALL))
	pte, _, ok := pm.Find_pte(vpn)
	require.True(t, ok)
	assert.True(t, pte.Is_cow())
	assert.Zero(t, *pte&PTE_W)

	// translation ignores the software bit
	pfn, ok := pm.Translate_vpn(vpn)
	require.True(t, ok)
	assert.Equal(t, ft.Start(), pfn)
}

func TestTlbFlushAddr(t *testing.T) {
	phys, pm := mkpm(t)
	ft, ok := phys.Alloc_tracker(1)
	require.True(t, ok)
	ft2, ok := phys.Alloc_tracker(1)
	require.True(t, ok)
	defer ft.Refdown()
	defer ft2.Refdown()

	vpn := mem.Vpn_t(0x55)
	require.Zero(t, pm.Map(vpn, ft.Start(), PTE_R|PTE_W|PTE_U, LSMALL))
	_, ok = pm.Translate_vpn(vpn) // warm the TLB
	require.True(t, ok)

	// rewrite the leaf behind the TLB's back: the stale translation
	// survives until the flush
	pte, _, ok := pm.Find_pte(vpn)
	require.True(t, ok)
	*pte = Mkpte(ft2.Start(), PTE_R|PTE_W|PTE_U)

	pfn, ok := pm.Translate_vpn(vpn)
	require.True(t, ok)
	assert.Equal(t, ft.Start(), pfn)

	pm.Tlb_flush_addr(vpn.Startaddr())
	pfn, ok = pm.Translate_vpn(vpn)
	require.True(t, ok)
	assert.Equal(t, ft2.Start(), pfn)
}

func TestEnableLow(t *testing.T) {
	_, pm := mkpm(t)
	pm.Enable_low()
	assert.Equal(t, pm, Current())
	pm.Free()
	assert.Nil(t, Current())
}

func TestFreeReleasesTables(t *testing.T) {
	phys, pm := mkpm(t)
	before := phys.Free_count()
	ft, ok := phys.Alloc_tracker(1)
	require.True(t, ok)

	require.Zero(t, pm.Map(mem.Vpn_t(0x123), ft.Start(), PTE_R|PTE_U, LSMALL))
	pm.Unmap(mem.Vpn_t(0x123))
	ft.Refdown()
	pm.Free()

	// the intermediates went back, and the root on top of the baseline
	assert.Equal(t, before+1, phys.Free_count())
}
