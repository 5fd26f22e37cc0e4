package pgcache

import "bytes"
import "testing"

import "github.com/stretchr/testify/assert"
import "github.com/stretchr/testify/require"

import "board"
import "mem"

func mkfile(t *testing.T, npgs int) (*mem.Physmem_t, *Pgfile_t, []uint8) {
	t.Helper()
	mem.Phys_reset()
	phys := mem.Phys_init(&board.Board_t{
		Name:      "test",
		Rambase:   0x0,
		Memend:    0x40_0000,
		Kernelend: 0x1_0000,
	})
	data := make([]uint8, npgs*mem.PGSIZE)
	for i := range data {
		data[i] = uint8(i/mem.PGSIZE + 1)
	}
	mf := Mkmemfile(data)
	return phys, Mkpgfile(mf, phys), data
}

func TestFilepageLoads(t *testing.T) {
	phys, pf, data := mkfile(t, 3)
	ft, err := pf.Filepage(0)
	require.Zero(t, err)
	assert.Equal(t, 1, ft.Owners())
	assert.True(t, bytes.Equal(phys.Dmap_run(ft.Range), data[:mem.PGSIZE]))
}

func TestFilepageSharedIdentity(t *testing.T) {
	_, pf, _ := mkfile(t, 2)
	a, err := pf.Filepage(mem.PGSIZE)
	require.Zero(t, err)
	b, err := pf.Filepage(mem.PGSIZE)
	require.Zero(t, err)
	assert.Same(t, a, b)
}

func TestFilepageEOF(t *testing.T) {
	_, pf, _ := mkfile(t, 2)
	_, err := pf.Filepage(2 * mem.PGSIZE)
	assert.NotZero(t, err)
}

func TestFilepageUnaligned(t *testing.T) {
	_, pf, _ := mkfile(t, 2)
	_, err := pf.Filepage(123)
	assert.NotZero(t, err)
}

func TestWriteback(t *testing.T) {
	phys, pf, _ := mkfile(t, 2)
	ft, err := pf.Filepage(0)
	require.Zero(t, err)

	pg := phys.Dmap_run(ft.Range)
	pg[0] = 0xee

	// clean pages are not written
	require.Zero(t, pf.Writeback(0, 2*mem.PGSIZE))
	mf := pf.backer.(*Memfile_t)
	assert.NotEqual(t, uint8(0xee), mf.Bytes()[0])

	pf.Markdirty(0)
	require.Zero(t, pf.Writeback(0, 2*mem.PGSIZE))
	assert.Equal(t, uint8(0xee), mf.Bytes()[0])
}

func TestWritebackRange(t *testing.T) {
	phys, pf, _ := mkfile(t, 3)
	for off := 0; off < 3*mem.PGSIZE; off += mem.PGSIZE {
		ft, err := pf.Filepage(off)
		require.Zero(t, err)
		phys.Dmap_run(ft.Range)[0] = 0xdd
		pf.Markdirty(off)
	}
	// flush only the middle page
	require.Zero(t, pf.Writeback(mem.PGSIZE, mem.PGSIZE))
	mf := pf.backer.(*Memfile_t)
	b := mf.Bytes()
	assert.NotEqual(t, uint8(0xdd), b[0])
	assert.Equal(t, uint8(0xdd), b[mem.PGSIZE])
	assert.NotEqual(t, uint8(0xdd), b[2*mem.PGSIZE])
}

func TestEvict(t *testing.T) {
	phys, pf, _ := mkfile(t, 2)
	before := phys.Free_count()
	ft, err := pf.Filepage(0)
	require.Zero(t, err)
	phys.Dmap_run(ft.Range)[0] = 0xcc
	pf.Markdirty(0)

	require.Zero(t, pf.Evict())
	// dirty data reached the backer and the frame went back
	mf := pf.backer.(*Memfile_t)
	assert.Equal(t, uint8(0xcc), mf.Bytes()[0])
	assert.Equal(t, before, phys.Free_count())
}

func TestEvictKeepsMappedFramesAlive(t *testing.T) {
	phys, pf, _ := mkfile(t, 1)
	ft, err := pf.Filepage(0)
	require.Zero(t, err)
	ft.Refup() // a mapper holds the page

	require.Zero(t, pf.Evict())
	assert.Equal(t, 1, ft.Owners())
	// the mapper's bytes are still there
	assert.Equal(t, uint8(1), phys.Dmap_run(ft.Range)[0])
	ft.Refdown()
}

func TestMemfileShortTail(t *testing.T) {
	mem.Phys_reset()
	phys := mem.Phys_init(&board.Board_t{
		Name: "test", Rambase: 0, Memend: 0x40_0000, Kernelend: 0x1_0000,
	})
	// a file that ends mid-page reads zero past its tail
	data := make([]uint8, mem.PGSIZE+10)
	for i := range data {
		data[i] = 0xff
	}
	pf := Mkpgfile(Mkmemfile(data), phys)
	ft, err := pf.Filepage(mem.PGSIZE)
	require.Zero(t, err)
	pg := phys.Dmap_run(ft.Range)
	assert.Equal(t, uint8(0xff), pg[9])
	assert.Equal(t, uint8(0), pg[10])
}
