package mask

import "testing"

func TestTranslateIsomorphism(t *testing.T) {
	// For any generic mask and any instance index, translating then
	// reading back that instance's slot must recover the generic bit
	// (spec section 8, "mask translation is an isomorphism").
	tr := Translator{SMIIndex: 3, InfoOffset: 5, InfoCount: 2}

	generic := Mask{Status: genericStatusBit, Info: 0b11}
	actual := tr.Translate(generic)

	if actual.Status != SMIMask(3) {
		t.Fatalf("status bit not relocated to smi_index 3: %v", actual.Status)
	}
	if actual.Info != 0b11<<5 {
		t.Fatalf("info bits not shifted by offset: %b", actual.Info)
	}

	// Reading back this instance's slot recovers the original generic bits.
	gotStatus := actual.Status&SMIMask(3) != 0
	if !gotStatus {
		t.Fatalf("expected status bit set for instance 3")
	}
	gotInfo := (actual.Info >> 5) & 0b11
	if gotInfo != 0b11 {
		t.Fatalf("expected info bits recovered, got %b", gotInfo)
	}
}

func TestTranslateZeroGenericBitsNoOp(t *testing.T) {
	tr := Translator{SMIIndex: 0, InfoOffset: 0}
	actual := tr.Translate(Mask{})
	if !actual.IsEmpty() {
		t.Fatalf("expected empty mask, got %+v", actual)
	}
}

func TestExpandAllUnionsEveryInstance(t *testing.T) {
	translators := []Translator{
		{SMIIndex: 0, InfoOffset: 0},
		{SMIIndex: 1, InfoOffset: 2},
		{SMIIndex: 2, InfoOffset: 4},
	}
	generic := Mask{Status: genericStatusBit, Info: 0b1}
	all := ExpandAll(generic, translators)

	wantStatus := SMIMask(0) | SMIMask(1) | SMIMask(2)
	if all.Status != wantStatus {
		t.Fatalf("expected status = %b, got %b", wantStatus, all.Status)
	}
	wantInfo := Word(1) | Word(1<<2) | Word(1<<4)
	if all.Info != wantInfo {
		t.Fatalf("expected info = %b, got %b", wantInfo, all.Info)
	}
}

func TestCheckBitOverflow(t *testing.T) {
	if err := CheckBit("status", 63); err != nil {
		t.Fatalf("bit 63 should be valid: %v", err)
	}
	if err := CheckBit("status", 64); err == nil {
		t.Fatalf("expected overflow error for bit 64")
	}
	if err := CheckBit("status", -1); err == nil {
		t.Fatalf("expected overflow error for negative index")
	}
}

func TestUnionIntersectSubtract(t *testing.T) {
	a := Mask{Std: AttrSize | AttrMode, Status: 0b001}
	b := Mask{Std: AttrMode, Status: 0b010}

	u := Union(a, b)
	if u.Std != AttrSize|AttrMode || u.Status != 0b011 {
		t.Fatalf("union mismatch: %+v", u)
	}

	i := Intersect(a, b)
	if i.Std != AttrMode || i.Status != 0 {
		t.Fatalf("intersect mismatch: %+v", i)
	}

	s := Subtract(a, b)
	if s.Std != AttrSize || s.Status != 0b001 {
		t.Fatalf("subtract mismatch: %+v", s)
	}
}

func TestPopCount(t *testing.T) {
	m := Mask{Std: AttrSize | AttrMode | AttrOwner, Status: 0b101, Info: 0b1}
	if got := m.PopCount(); got != 6 {
		t.Fatalf("expected popcount 6, got %d", got)
	}
}
