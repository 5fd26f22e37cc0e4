package mem

import "testing"

import "github.com/stretchr/testify/assert"
import "github.com/stretchr/testify/require"

import "board"

func mkphys(t *testing.T) *Physmem_t {
	t.Helper()
	Phys_reset()
	b := &board.Board_t{
		Name:      "test",
		Rambase:   0x0,
		Memend:    0x40_0000,
		Kernelend: 0x1_0000,
	}
	return Phys_init(b)
}

func TestAllocDealloc(t *testing.T) {
	phys := mkphys(t)
	before := phys.Free_count()

	r, ok := phys.Alloc_with_align(4, 0)
	require.True(t, ok)
	assert.Equal(t, 4, r.Count())
	assert.Equal(t, before-4, phys.Free_count())

	phys.Dealloc(r)
	assert.Equal(t, before, phys.Free_count())
}

func TestAllocZeroCount(t *testing.T) {
	phys := mkphys(t)
	_, ok := phys.Alloc_with_align(0, 0)
	assert.False(t, ok)
}

func TestAllocAlignment(t *testing.T) {
	phys := mkphys(t)
	for _, alignlog2 := range []uint{0, 1, 2, 4, 6} {
		r, ok := phys.Alloc_with_align(1, alignlog2)
		require.True(t, ok, "align %d", alignlog2)
		assert.Zero(t, int(r.Start)%(1<<alignlog2), "align %d", alignlog2)
	}
}

func TestAllocLowest(t *testing.T) {
	phys := mkphys(t)
	a, ok := phys.Alloc_with_align(1, 0)
	require.True(t, ok)
	b, ok := phys.Alloc_with_align(1, 0)
	require.True(t, ok)
	assert.Equal(t, a.End, b.Start)

	// freeing the first frame makes it the next choice again
	phys.Dealloc(a)
	c, ok := phys.Alloc_with_align(1, 0)
	require.True(t, ok)
	assert.Equal(t, a.Start, c.Start)
}

func TestAllocExhaustion(t *testing.T) {
	phys := mkphys(t)
	n := phys.Free_count()
	r, ok := phys.Alloc_with_align(n, 0)
	require.True(t, ok)
	_, ok = phys.Alloc_with_align(1, 0)
	assert.False(t, ok)
	phys.Dealloc(r)
	_, ok = phys.Alloc_with_align(1, 0)
	assert.True(t, ok)
}

func TestDeallocEmptyRange(t *testing.T) {
	phys := mkphys(t)
	before := phys.Free_count()
	phys.Dealloc(Pfnrange_t{Start: 10, End: 10})
	assert.Equal(t, before, phys.Free_count())
}

func TestDoubleFreePanics(t *testing.T) {
	phys := mkphys(t)
	r, ok := phys.Alloc_with_align(1, 0)
	require.True(t, ok)
	phys.Dealloc(r)
	assert.Panics(t, func() { phys.Dealloc(r) })
}

func TestTrackerLifecycle(t *testing.T) {
	phys := mkphys(t)
	before := phys.Free_count()

	ft, ok := phys.Alloc_tracker(2)
	require.True(t, ok)
	assert.Equal(t, 1, ft.Owners())
	assert.Equal(t, before-2, phys.Free_count())

	// zero filled
	for _, b := range phys.Dmap_run(ft.Range) {
		if b != 0 {
			t.Fatalf("tracker frames not zeroed")
		}
	}

	ft.Refup()
	assert.Equal(t, 2, ft.Owners())
	assert.False(t, ft.Refdown())
	assert.Equal(t, before-2, phys.Free_count())
	assert.True(t, ft.Refdown())
	assert.Equal(t, before, phys.Free_count())
}

func TestTrackerLeak(t *testing.T) {
	phys := mkphys(t)
	before := phys.Free_count()
	ft, ok := phys.Alloc_tracker(1)
	require.True(t, ok)
	r := ft.Leak()
	assert.Equal(t, 1, r.Count())
	// the final Refdown frees nothing since the run was leaked
	ft.Refdown()
	assert.Equal(t, before-1, phys.Free_count())
	phys.Dealloc(r)
	assert.Equal(t, before, phys.Free_count())
}

func TestDmapAliasing(t *testing.T) {
	phys := mkphys(t)
	ft, ok := phys.Alloc_tracker(1)
	require.True(t, ok)
	defer ft.Refdown()

	pg := phys.Dmap_pfn(ft.Start())
	pg[0] = 0xaa
	pg[PGSIZE-1] = 0x55

	b := phys.Dmap8(ft.Start().Pa())
	assert.Equal(t, uint8(0xaa), b[0])
	run := phys.Dmap_run(ft.Range)
	assert.Equal(t, uint8(0x55), run[PGSIZE-1])
}

func TestAddrConversions(t *testing.T) {
	va := Va_t(0x3021)
	assert.Equal(t, Vpn_t(3), va.Floor())
	assert.Equal(t, Vpn_t(4), va.Ceil())
	assert.Equal(t, 0x21, va.Pgoff())
	assert.False(t, va.Pgaligned())
	assert.True(t, Vpn_t(3).Startaddr().Pgaligned())
	assert.Equal(t, Pfn_t(2), Pa_t(0x2fff).Pfn())
	assert.Equal(t, Pa_t(0x2000), Pfn_t(2).Pa())
}
