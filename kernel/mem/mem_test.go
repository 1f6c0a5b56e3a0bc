package mem

import "testing"

func TestSizePages(t *testing.T) {
	specs := []struct {
		size Size
		exp  uint64
	}{
		{0, 0},
		{1, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
		{10 * PageSize, 10},
	}

	for specIndex, spec := range specs {
		if got := spec.size.Pages(); got != spec.exp {
			t.Errorf("[spec %d] expected Pages() for size %d to be %d; got %d", specIndex, spec.size, spec.exp, got)
		}
	}
}

func TestSizeAlignUp(t *testing.T) {
	specs := []struct {
		size Size
		exp  Size
	}{
		{0, 0},
		{1, PageSize},
		{PageSize, PageSize},
		{PageSize + 1, 2 * PageSize},
	}

	for specIndex, spec := range specs {
		if got := spec.size.AlignUp(); got != spec.exp {
			t.Errorf("[spec %d] expected AlignUp() to return %d; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestVirtualAddressAlignment(t *testing.T) {
	specs := []struct {
		va        VirtualAddress
		expDown   VirtualAddress
		expUp     VirtualAddress
		expOffset Size
	}{
		{0, 0, 0, 0},
		{0x1000, 0x1000, 0x1000, 0},
		{0x1234, 0x1000, 0x2000, 0x234},
	}

	for specIndex, spec := range specs {
		if got := spec.va.AlignDown(); got != spec.expDown {
			t.Errorf("[spec %d] expected AlignDown to return %x; got %x", specIndex, spec.expDown, got)
		}
		if got := spec.va.AlignUp(); got != spec.expUp {
			t.Errorf("[spec %d] expected AlignUp to return %x; got %x", specIndex, spec.expUp, got)
		}
		if got := spec.va.PageOffset(); got != spec.expOffset {
			t.Errorf("[spec %d] expected PageOffset to return %x; got %x", specIndex, spec.expOffset, got)
		}
	}
}

func TestPhysicalAddressValidity(t *testing.T) {
	if InvalidPhysicalAddress.IsValid() {
		t.Error("expected InvalidPhysicalAddress not to be valid")
	}
	if pa := PhysicalAddress(0x1000); !pa.IsValid() {
		t.Errorf("expected %x to be valid", pa)
	}
}
