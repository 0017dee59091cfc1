package pe

import "testing"

func TestRVAMinMaxAndCheckMonotone(t *testing.T) {
	f := &File{Sections: []Section{
		{Name: ".text", VAddr: 0x1000, VSize: 0x2000},
		{Name: ".data", VAddr: 0x3000, VSize: 0x1000},
		{Name: ".rsrc", VAddr: 0x4000, VSize: 0x500},
	}}
	min, max := f.RVAMinMax()
	if min != 0x1000 {
		t.Errorf("RVAMin = %#x, want 0x1000", min)
	}
	if max != 0x4500 {
		t.Errorf("RVAMax = %#x, want 0x4500", max)
	}
	if err := f.CheckMonotone(); err != nil {
		t.Errorf("CheckMonotone on a well-ordered table: %v", err)
	}
}

func TestCheckMonotoneRejectsOutOfRangeSection(t *testing.T) {
	f := &File{Sections: []Section{
		{Name: ".text", VAddr: 0x1000, VSize: 0x2000},
		{Name: ".evil", VAddr: 0x500, VSize: 0x100},
	}}
	if err := f.CheckMonotone(); err == nil {
		t.Error("CheckMonotone should reject a section RVA below the table minimum")
	}
}
