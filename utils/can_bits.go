package utils

func bitMask(bitLen int) uint64 {
	if bitLen >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bitLen) - 1
}

func getBits(payload uint64, startBit, bitLen int) uint64 {
	if bitLen <= 0 || bitLen > 64 {
		return 0
	}
	return (payload >> startBit) & bitMask(bitLen)
}

func setBits(payload uint64, startBit, bitLen int, value uint64) uint64 {
	if bitLen <= 0 || bitLen > 64 {
		return payload
	}
	mask := bitMask(bitLen)
	payload &^= mask << startBit
	payload |= (value & mask) << startBit
	return payload
}

// signExtend interprets the low bitLen bits of u as two's complement.
func signExtend(u uint64, bitLen int, signed bool) int64 {
	if !signed || bitLen >= 64 {
		return int64(u)
	}
	if u&(uint64(1)<<(bitLen-1)) == 0 {
		return int64(u)
	}
	return int64(u | ^bitMask(bitLen))
}

// rawBounds returns the representable raw range of a signal.
func rawBounds(bitLen int, signed bool) (int64, int64) {
	if bitLen >= 63 {
		bitLen = 63
	}
	if !signed {
		return 0, int64(bitMask(bitLen))
	}
	return -int64(1) << (bitLen - 1), int64(1)<<(bitLen-1) - 1
}

func clampRaw(raw int64, bitLen int, signed bool) int64 {
	lo, hi := rawBounds(bitLen, signed)
	if raw < lo {
		return lo
	}
	if raw > hi {
		return hi
	}
	return raw
}

func clamp(v, lo, hi float64) float64 {
	if lo >= hi {
		return v
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
