package bitvec

import "testing"

func TestSetClearTest(t *testing.T) {
	v := New(130)

	specs := []uint64{0, 1, 63, 64, 127, 129}
	for specIndex, bit := range specs {
		if v.Test(bit) {
			t.Errorf("[spec %d] expected bit %d to start clear", specIndex, bit)
		}
		v.Set(bit)
		if !v.Test(bit) {
			t.Errorf("[spec %d] expected bit %d to be set", specIndex, bit)
		}
		v.Clear(bit)
		if v.Test(bit) {
			t.Errorf("[spec %d] expected bit %d to be clear again", specIndex, bit)
		}
	}
}

func TestCountAndAny(t *testing.T) {
	v := New(100)
	if v.Any() {
		t.Error("expected fresh vector to have no set bits")
	}

	v.SetAll()
	if got := v.Count(); got != 100 {
		t.Errorf("expected SetAll to yield 100 set bits; got %d", got)
	}

	v.ClearAll()
	if got := v.Count(); got != 0 {
		t.Errorf("expected ClearAll to yield 0 set bits; got %d", got)
	}
}

func TestCopyRangeAndResize(t *testing.T) {
	src := New(64)
	for _, bit := range []uint64{3, 10, 63} {
		src.Set(bit)
	}

	dst := New(32)
	dst.CopyRange(0, src, 2, 30)
	for specIndex, spec := range []struct {
		bit uint64
		exp bool
	}{
		{1, true},  // src bit 3
		{8, true},  // src bit 10
		{0, false},
		{9, false},
	} {
		if got := dst.Test(spec.bit); got != spec.exp {
			t.Errorf("[spec %d] expected bit %d to be %t", specIndex, spec.bit, spec.exp)
		}
	}

	shrunk := src.Resize(8)
	if got := shrunk.Len(); got != 8 {
		t.Errorf("expected resized length 8; got %d", got)
	}
	if !shrunk.Test(3) || shrunk.Count() != 1 {
		t.Error("expected only bit 3 to survive the shrink")
	}
}
