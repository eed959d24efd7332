// Package num provides bounds-checked bit-field and alignment helpers
// shared by the config-space and address-window arithmetic.
package num

import "log/slog"

// RoundUp aligns origin up to a multiple of align. It returns false if
// the aligned value would overflow uint64.
func RoundUp(origin, align uint64) (uint64, bool) {
	if align == 0 {
		return 0, false
	}
	diff := origin % align
	if diff == 0 {
		return origin, true
	}
	step := align - diff
	if origin > ^uint64(0)-step {
		return 0, false
	}
	return origin + step, true
}

// RoundDown aligns origin down to a multiple of align. It returns false
// if the aligned value would underflow.
func RoundDown(origin, align uint64) (uint64, bool) {
	if align == 0 {
		return 0, false
	}
	diff := origin % align
	if diff == 0 {
		return origin, true
	}
	if origin < diff {
		return 0, false
	}
	return origin - diff, true
}

// ReadU32Half returns the low (half 0) or high (half 1) 32 bits of value.
func ReadU32Half(value uint64, half uint32) uint32 {
	switch half {
	case 0:
		return uint32(value)
	case 1:
		return uint32(value >> 32)
	default:
		return 0
	}
}

// WriteU32Half places value into the low (half 0) or high (half 1)
// 32 bits of a uint64.
func WriteU32Half(value uint32, half uint32) uint64 {
	switch half {
	case 0:
		return uint64(value)
	case 1:
		return uint64(value) << 32
	default:
		return 0
	}
}

// ExtractU32 returns the bit field [start, start+length) of value.
// The field must lie entirely within the 32-bit word; requesting all
// 32 bits (start 0, length 32) is valid.
func ExtractU32(value, start, length uint32) (uint32, bool) {
	if start >= 32 || length > 32-start {
		slog.Error("num: extract_u32 field out of range", "start", start, "length", length)
		return 0, false
	}
	return (value >> start) & (^uint32(0) >> (32 - length)), true
}

// ExtractU64 returns the bit field [start, start+length) of value.
func ExtractU64(value uint64, start, length uint32) (uint64, bool) {
	if start >= 64 || length > 64-start {
		slog.Error("num: extract_u64 field out of range", "start", start, "length", length)
		return 0, false
	}
	return (value >> start) & (^uint64(0) >> (64 - length)), true
}

// DepositU32 writes the least significant length bits of fieldval into
// value at bit start, leaving bits outside the field unmodified.
func DepositU32(value, start, length, fieldval uint32) (uint32, bool) {
	if start >= 32 || length > 32-start {
		slog.Error("num: deposit_u32 field out of range", "start", start, "length", length)
		return 0, false
	}
	mask := (^uint32(0) >> (32 - length)) << start
	return (value &^ mask) | ((fieldval << start) & mask), true
}
