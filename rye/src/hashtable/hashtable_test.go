package hashtable

import "testing"

import "github.com/stretchr/testify/assert"

func TestSetGetDel(t *testing.T) {
	ht := MkHash[int, string](16)

	_, ok := ht.Get(1)
	assert.False(t, ok)

	_, ins := ht.Set(1, "one")
	assert.True(t, ins)
	_, ins = ht.Set(1, "uno")
	assert.False(t, ins)

	v, ok := ht.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "one", v)

	ht.Del(1)
	_, ok = ht.Get(1)
	assert.False(t, ok)
}

func TestCollisions(t *testing.T) {
	// one bucket forces every key onto the same chain
	ht := MkHash[int, int](1)
	const n = 100
	for i := 0; i < n; i++ {
		ht.Set(i, i*i)
	}
	assert.Equal(t, n, ht.Size())
	for i := 0; i < n; i++ {
		v, ok := ht.Get(i)
		assert.True(t, ok)
		assert.Equal(t, i*i, v)
	}
}

func TestIter(t *testing.T) {
	ht := MkHash[int, int](8)
	for i := 0; i < 10; i++ {
		ht.Set(i, i)
	}
	seen := map[int]bool{}
	ht.Iter(func(k, v int) bool {
		seen[k] = true
		return false
	})
	assert.Len(t, seen, 10)

	// early stop
	n := 0
	stopped := ht.Iter(func(k, v int) bool {
		n++
		return true
	})
	assert.True(t, stopped)
	assert.Equal(t, 1, n)
}

func TestDelMissingPanics(t *testing.T) {
	ht := MkHash[int, int](8)
	assert.Panics(t, func() { ht.Del(42) })
}
