// Package hashtable provides a fixed-bucket hash table with a
// lock-free Get(). The page cache indexes its pages with it.
package hashtable

import "fmt"
import "sync"
import "sync/atomic"
import "unsafe"

import "util"

type elem_t[K util.Int, V any] struct {
	key     K
	value   V
	keyHash uint32
	next    *elem_t[K, V]
}

type bucket_t[K util.Int, V any] struct {
	sync.RWMutex
	first *elem_t[K, V]
}

func (b *bucket_t[K, V]) len() int {
	b.RLock()
	defer b.RUnlock()

	l := 0
	for e := b.first; e != nil; e = e.next {
		l++
	}
	return l
}

func (b *bucket_t[K, V]) iter(f func(K, V) bool) bool {
	for e := b.first; e != nil; e = loadptr(&e.next) {
		if f(e.key, e.value) {
			return true
		}
	}
	return false
}

// / Hashtable_t maps integer keys to values. Writers take a bucket
// / lock; readers traverse the chains without locking.
type Hashtable_t[K util.Int, V any] struct {
	table    []*bucket_t[K, V]
	maxchain int
}

// / MkHash allocates a new table with the given bucket count.
func MkHash[K util.Int, V any](size int) *Hashtable_t[K, V] {
	ht := &Hashtable_t[K, V]{}
	ht.table = make([]*bucket_t[K, V], size)
	ht.maxchain = 1
	for i := range ht.table {
		ht.table[i] = &bucket_t[K, V]{}
	}
	return ht
}

// / String returns a formatted representation of the table contents.
func (ht *Hashtable_t[K, V]) String() string {
	s := ""
	for i, b := range ht.table {
		if b.first != nil {
			s += fmt.Sprintf("b %d:\n", i)
			for e := b.first; e != nil; e = loadptr(&e.next) {
				s += fmt.Sprintf("(%v, %v), ", e.keyHash, e.key)
			}
			s += fmt.Sprintf("\n")
		}
	}
	return s
}

// / Size returns the total number of elements stored in the table.
func (ht *Hashtable_t[K, V]) Size() int {
	n := 0
	for _, b := range ht.table {
		n += b.len()
	}
	return n
}

// / Get looks up the provided key without taking any lock.
func (ht *Hashtable_t[K, V]) Get(key K) (V, bool) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	n := 0
	for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
		if e.keyHash == kh && e.key == key {
			return e.value, true
		}
		n += 1
		if n > ht.maxchain {
			ht.maxchain = n
		}
	}
	var zero V
	return zero, false
}

// / Set inserts a key/value pair. It returns the existing value and
// / false when the key was already present.
func (ht *Hashtable_t[K, V]) Set(key K, value V) (V, bool) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	b.Lock()
	defer b.Unlock()

	add := func(last *elem_t[K, V]) {
		if last == nil {
			n := &elem_t[K, V]{key: key, value: value, keyHash: kh, next: b.first}
			storeptr(&b.first, n)
		} else {
			n := &elem_t[K, V]{key: key, value: value, keyHash: kh, next: last.next}
			storeptr(&last.next, n)
		}
	}

	// chains are kept sorted by key hash
	var last *elem_t[K, V]
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			return e.value, false
		}
		if kh < e.keyHash {
			add(last)
			return value, true
		}
		last = e
	}
	add(last)
	return value, true
}

// / Del removes a key from the table; it panics if the key is absent.
func (ht *Hashtable_t[K, V]) Del(key K) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	b.Lock()
	defer b.Unlock()

	var last *elem_t[K, V]
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			if last == nil {
				storeptr(&b.first, e.next)
			} else {
				storeptr(&last.next, e.next)
			}
			return
		}
		if kh < e.keyHash {
			panic("del of non-existing key")
		}
		last = e
	}
	panic("del of non-existing key")
}

// / Iter applies f to each key/value pair until f returns true.
func (ht *Hashtable_t[K, V]) Iter(f func(K, V) bool) bool {
	for _, b := range ht.table {
		if b.iter(f) {
			return true
		}
	}
	return false
}

func (ht *Hashtable_t[K, V]) hash(keyHash uint32) int {
	return int(keyHash % uint32(len(ht.table)))
}

// Without an explicit memory model, it is hard to know if this code is
// correct. LoadPointer/StorePointer don't issue a memory fence, but for
// traversing pointers in Get() and updating them in Set()/Del(), this
// might be ok on the targets we run on.
func loadptr[K util.Int, V any](e **elem_t[K, V]) *elem_t[K, V] {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(e))
	p := atomic.LoadPointer(ptr)
	return (*elem_t[K, V])(p)
}

func storeptr[K util.Int, V any](p **elem_t[K, V], n *elem_t[K, V]) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(p))
	atomic.StorePointer(ptr, unsafe.Pointer(n))
}

func khash[K util.Int](key K) uint32 {
	return uint32(2654435761) * uint32(uint64(key))
}
