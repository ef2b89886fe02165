package emu

// Opcode is the low 7 bits of an RV64I instruction word.
type Opcode uint8

const (
	OpLUI      Opcode = 0x37
	OpAUIPC    Opcode = 0x17
	OpJAL      Opcode = 0x6f
	OpJALR     Opcode = 0x67
	OpBranch   Opcode = 0x63
	OpLoad     Opcode = 0x03
	OpStore    Opcode = 0x23
	OpArithI   Opcode = 0x13
	OpArithR   Opcode = 0x33
	OpFence    Opcode = 0x0f
	OpEnv      Opcode = 0x73
	OpArithIW  Opcode = 0x1b
	OpArithRW  Opcode = 0x3b
)

// instr holds every field a decode step might need, precomputed once so the
// execute switch never re-derives bit ranges. This is the "decode into a
// variant, then a single match" shape spec.md §9 recommends in place of a
// function-pointer table.
type instr struct {
	raw    uint32
	opcode Opcode
	funct3 uint32
	funct7 uint32
	rd     uint32
	rs1    uint32
	rs2    uint32

	immI int64
	immS int64
	immB int64
	immU int64
	immJ int64
}

func decode(raw uint32) instr {
	return instr{
		raw:    raw,
		opcode: Opcode(raw & 0x7f),
		funct3: (raw >> 12) & 0x7,
		funct7: (raw >> 25) & 0x7f,
		rd:     (raw >> 7) & 0x1f,
		rs1:    (raw >> 15) & 0x1f,
		rs2:    (raw >> 20) & 0x1f,
		immI:   int64(int32(raw) >> 20),
		immS:   decodeSImm(raw),
		immB:   decodeBImm(raw),
		immU:   int64(int32(raw & 0xfffff000)),
		immJ:   decodeJImm(raw),
	}
}

func decodeSImm(raw uint32) int64 {
	imm40 := (raw >> 7) & 0x1f
	imm115 := (raw >> 25) & 0x7f
	v := (imm115 << 5) | imm40
	return int64(int32(v<<20) >> 20)
}

func decodeBImm(raw uint32) int64 {
	imm11 := (raw >> 7) & 0x1
	imm41 := (raw >> 8) & 0xf
	imm105 := (raw >> 25) & 0x3f
	imm12 := (raw >> 31) & 0x1
	v := (imm12 << 12) | (imm11 << 11) | (imm105 << 5) | (imm41 << 1)
	return int64(int32(v<<19) >> 19)
}

func decodeJImm(raw uint32) int64 {
	imm20 := (raw >> 31) & 0x1
	imm101 := (raw >> 21) & 0x3ff
	imm11 := (raw >> 20) & 0x1
	imm1912 := (raw >> 12) & 0xff
	v := (imm20 << 20) | (imm1912 << 12) | (imm11 << 11) | (imm101 << 1)
	return int64(int32(v<<11) >> 11)
}
