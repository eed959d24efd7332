package num

import "testing"

func TestRoundUp(t *testing.T) {
	if v, ok := RoundUp(1003, 4); !ok || v != 1004 {
		t.Errorf("RoundUp(1003, 4) = %d, %v", v, ok)
	}
	if v, ok := RoundUp(10001, 100); !ok || v != 10100 {
		t.Errorf("RoundUp(10001, 100) = %d, %v", v, ok)
	}
	if v, ok := RoundUp(1004, 4); !ok || v != 1004 {
		t.Errorf("RoundUp of an aligned value must be identity, got %d, %v", v, ok)
	}
	if _, ok := RoundUp(^uint64(0), 16); ok {
		t.Error("RoundUp at the top of the range must report overflow")
	}
}

func TestRoundDown(t *testing.T) {
	if v, ok := RoundDown(1003, 4); !ok || v != 1000 {
		t.Errorf("RoundDown(1003, 4) = %d, %v", v, ok)
	}
	if v, ok := RoundDown(10001, 100); !ok || v != 10000 {
		t.Errorf("RoundDown(10001, 100) = %d, %v", v, ok)
	}
	if v, ok := RoundDown(1000, 4); !ok || v != 1000 {
		t.Errorf("RoundDown of an aligned value must be identity, got %d, %v", v, ok)
	}
}

func TestRoundBracketsValue(t *testing.T) {
	for _, x := range []uint64{0, 1, 7, 1003, 4096, 65537} {
		for _, a := range []uint64{1, 2, 4, 512, 4096} {
			down, ok := RoundDown(x, a)
			if !ok {
				t.Fatalf("RoundDown(%d, %d) failed", x, a)
			}
			up, ok := RoundUp(x, a)
			if !ok {
				t.Fatalf("RoundUp(%d, %d) failed", x, a)
			}
			if down > x || x > up {
				t.Errorf("RoundDown/RoundUp must bracket the value: %d <= %d <= %d", down, x, up)
			}
			if x%a == 0 && (down != x || up != x) {
				t.Errorf("aligned value %d must round to itself, got %d/%d", x, down, up)
			}
			if x%a != 0 && (down == x || up == x) {
				t.Errorf("unaligned value %d must not round to itself", x)
			}
		}
	}
}

func TestReadWriteU32Half(t *testing.T) {
	v := uint64(0x1234_5678_9012_3456)
	if got := ReadU32Half(v, 0); got != 0x9012_3456 {
		t.Errorf("ReadU32Half(v, 0) = %#x", got)
	}
	if got := ReadU32Half(v, 1); got != 0x1234_5678 {
		t.Errorf("ReadU32Half(v, 1) = %#x", got)
	}
	if got := ReadU32Half(v, 2); got != 0 {
		t.Errorf("ReadU32Half(v, 2) = %#x", got)
	}
	if got := WriteU32Half(0x1234_5678, 0); got != 0x1234_5678 {
		t.Errorf("WriteU32Half(low) = %#x", got)
	}
	if got := WriteU32Half(0x1234_5678, 1); got != 0x1234_5678_0000_0000 {
		t.Errorf("WriteU32Half(high) = %#x", got)
	}
	if got := WriteU32Half(1, 2); got != 0 {
		t.Errorf("WriteU32Half with a bad half = %#x", got)
	}
}

func TestExtractU32(t *testing.T) {
	if v, ok := ExtractU32(0xfffa, 0, 8); !ok || v != 0xfa {
		t.Errorf("ExtractU32(0xfffa, 0, 8) = %#x, %v", v, ok)
	}
	if v, ok := ExtractU32(0xfffa_fffa, 0, 32); !ok || v != 0xfffa_fffa {
		t.Errorf("full-width extract = %#x, %v", v, ok)
	}
	if _, ok := ExtractU32(1, 24, 16); ok {
		t.Error("ExtractU32 must reject start+length > 32")
	}
}

func TestExtractU64(t *testing.T) {
	if v, ok := ExtractU64(0xfbfb_a0a0_ffff_5a5a, 16, 16); !ok || v != 0xffff {
		t.Errorf("ExtractU64 = %#x, %v", v, ok)
	}
	if _, ok := ExtractU64(1, 60, 8); ok {
		t.Error("ExtractU64 must reject start+length > 64")
	}
}

func TestDepositU32(t *testing.T) {
	if v, ok := DepositU32(0xffff, 0, 8, 0xbaba); !ok || v != 0xffba {
		t.Errorf("DepositU32(0xffff, 0, 8, 0xbaba) = %#x, %v", v, ok)
	}
	if _, ok := DepositU32(0, 30, 4, 1); ok {
		t.Error("DepositU32 must reject start+length > 32")
	}
}

func TestDepositRestoresExtractedField(t *testing.T) {
	for _, v := range []uint32{0, 0xffff_ffff, 0xdead_beef, 0x0102_0304} {
		for _, f := range []struct{ start, length uint32 }{
			{0, 8}, {8, 8}, {4, 12}, {0, 32}, {31, 1},
		} {
			field, ok := ExtractU32(v, f.start, f.length)
			if !ok {
				t.Fatalf("extract(%#x, %d, %d) failed", v, f.start, f.length)
			}
			got, ok := DepositU32(v, f.start, f.length, field)
			if !ok {
				t.Fatalf("deposit(%#x, %d, %d) failed", v, f.start, f.length)
			}
			if got != v {
				t.Errorf("deposit of the extracted field must be identity: %#x != %#x", got, v)
			}
		}
	}
}
