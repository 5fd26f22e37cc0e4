// Package ksync provides the IRQ-masking spin lock protecting
// process-wide singletons. Interrupt masking is tracked per lock so a
// holder can assert it never reached a yield point.
package ksync

import "runtime"
import "sync/atomic"

// / Spinlock_t is a test-and-set lock that masks interrupts for the
// / duration of the critical section. Holders must not block.
type Spinlock_t struct {
	word  int32
	irqen bool
}

// / Lock acquires the lock, spinning until it is free.
func (l *Spinlock_t) Lock() {
	for {
		if atomic.CompareAndSwapInt32(&l.word, 0, 1) {
			l.irqen = irq_disable()
			return
		}
		for atomic.LoadInt32(&l.word) != 0 {
			runtime.Gosched()
		}
	}
}

// / Unlock releases the lock and restores the interrupt state.
func (l *Spinlock_t) Unlock() {
	en := l.irqen
	if atomic.SwapInt32(&l.word, 0) != 1 {
		panic("unlock of unlocked lock")
	}
	if en {
		irq_enable()
	}
}

// / Holding reports whether the lock is taken. Racy; only for asserts.
func (l *Spinlock_t) Holding() bool {
	return atomic.LoadInt32(&l.word) != 0
}

// interrupt mask model for the hosted build. the real trap glue swaps
// these for cli/sti-style primitives.
var irqdepth int32

func irq_disable() bool {
	return atomic.AddInt32(&irqdepth, 1) == 1
}

func irq_enable() {
	if atomic.AddInt32(&irqdepth, -1) < 0 {
		panic("irq underflow")
	}
}
