package util

import "testing"

func TestRounding(t *testing.T) {
	if Rounddown(0x1fff, 0x1000) != 0x1000 {
		t.Fatal("rounddown")
	}
	if Roundup(0x1001, 0x1000) != 0x2000 {
		t.Fatal("roundup")
	}
	if Roundup(0x1000, 0x1000) != 0x1000 {
		t.Fatal("roundup aligned")
	}
	if Min(3, 5) != 3 || Max(3, 5) != 5 {
		t.Fatal("min/max")
	}
}

func TestReadnWriten(t *testing.T) {
	buf := make([]uint8, 16)
	for _, sz := range []int{1, 2, 4, 8} {
		Writen(buf, sz, 4, 0x5a)
		if Readn(buf, sz, 4) != 0x5a {
			t.Fatalf("size %d round trip", sz)
		}
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	Readn(buf, 8, 12)
}