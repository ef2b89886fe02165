package emu

import (
	"encoding/binary"

	"github.com/mellow-hype/rvfuzz/internal/mmu"
	"github.com/mellow-hype/rvfuzz/internal/stats"
)

// Step fetches, decodes and executes exactly one guest instruction. It
// zeroes x0 at the top of dispatch so callers never have to special-case
// writes to the zero register, per spec.md §3.
func (e *Emulator) Step(st *stats.Worker) {
	e.Regs[RegZero] = 0
	pc := e.Regs[RegPC]

	var buf [4]byte
	if err := e.MMU.ReadExec(buf[:], mmu.Addr(pc)); err != nil {
		e.ExitReason = InvalidOpcode
		st.InvalidOpcodes++
		return
	}
	raw := binary.LittleEndian.Uint32(buf[:])
	ins := decode(raw)

	jumped := e.dispatch(ins, pc, st)
	if e.ExitReason == InvalidOpcode {
		st.InvalidOpcodes++
	}
	if !jumped && e.ExitReason == NoExit {
		e.Regs[RegPC] = pc + 4
	}
}

// dispatch executes one decoded instruction. It returns true iff it already
// set PC itself (a taken branch or jump) so Step should not also add 4.
func (e *Emulator) dispatch(ins instr, pc uint64, st *stats.Worker) bool {
	switch ins.opcode {
	case OpLUI:
		e.setRd(ins, uint64(ins.immU))
		return false
	case OpAUIPC:
		e.setRd(ins, pc+uint64(ins.immU))
		return false
	case OpJAL:
		return e.execJAL(ins, pc)
	case OpJALR:
		return e.execJALR(ins, pc)
	case OpBranch:
		return e.execBranch(ins, pc)
	case OpLoad:
		e.execLoad(ins, st)
		return false
	case OpStore:
		e.execStore(ins, st)
		return false
	case OpArithI:
		e.execArithI(ins)
		return false
	case OpArithR:
		e.execArithR(ins)
		return false
	case OpArithIW:
		e.execArithIW(ins)
		return false
	case OpArithRW:
		e.execArithRW(ins)
		return false
	case OpEnv:
		e.execEnv(ins, st)
		return false
	case OpFence:
		e.ExitReason = InvalidOpcode
		return false
	default:
		e.ExitReason = InvalidOpcode
		return false
	}
}

func (e *Emulator) setRd(ins instr, v uint64) {
	if ins.rd != RegZero {
		e.Regs[ins.rd] = v
	}
}

func (e *Emulator) regU(i uint32) uint64 { return e.Regs[i] }
func (e *Emulator) regS(i uint32) int64  { return int64(e.Regs[i]) }

func (e *Emulator) recordBranch(from, to uint64) {
	if e.Coverage.OnBranch(from, to) {
		e.NewCoverage = true
	}
}

func (e *Emulator) execJAL(ins instr, pc uint64) bool {
	target := uint64(int64(pc) + ins.immJ)
	if ins.rd != RegZero {
		e.Regs[ins.rd] = pc + 4
	}
	e.recordBranch(pc, target)
	e.Regs[RegPC] = target
	return true
}

func (e *Emulator) execJALR(ins instr, pc uint64) bool {
	target := (uint64(e.regS(ins.rs1)+ins.immI)) &^ 1
	if ins.rd != RegZero {
		e.Regs[ins.rd] = pc + 4
	}
	e.recordBranch(pc, target)
	e.Regs[RegPC] = target
	return true
}

func (e *Emulator) execBranch(ins instr, pc uint64) bool {
	var taken bool
	switch ins.funct3 {
	case 0: // BEQ
		taken = e.regU(ins.rs1) == e.regU(ins.rs2)
	case 1: // BNE
		taken = e.regU(ins.rs1) != e.regU(ins.rs2)
	case 4: // BLT
		taken = e.regS(ins.rs1) < e.regS(ins.rs2)
	case 5: // BGE
		taken = e.regS(ins.rs1) >= e.regS(ins.rs2)
	case 6: // BLTU
		taken = e.regU(ins.rs1) < e.regU(ins.rs2)
	case 7: // BGEU
		taken = e.regU(ins.rs1) >= e.regU(ins.rs2)
	default:
		e.ExitReason = InvalidOpcode
		return false
	}
	if !taken {
		return false
	}
	target := uint64(int64(pc) + ins.immB)
	e.recordBranch(pc, target)
	e.Regs[RegPC] = target
	return true
}

func (e *Emulator) execLoad(ins instr, st *stats.Worker) {
	addr := mmu.Addr(uint64(e.regS(ins.rs1) + ins.immI))
	var buf [8]byte
	var n int
	switch ins.funct3 {
	case 0, 4:
		n = 1 // LB, LBU
	case 1, 5:
		n = 2 // LH, LHU
	case 2, 6:
		n = 4 // LW, LWU
	case 3:
		n = 8 // LD
	default:
		e.ExitReason = InvalidOpcode
		return
	}
	if err := e.MMU.Read(buf[:n], addr); err != nil {
		e.ExitReason = SegfaultRead
		st.ReadFaults++
		return
	}
	switch ins.funct3 {
	case 0:
		e.setRd(ins, uint64(int64(int8(buf[0]))))
	case 1:
		e.setRd(ins, uint64(int64(int16(binary.LittleEndian.Uint16(buf[:2])))))
	case 2:
		e.setRd(ins, uint64(int64(int32(binary.LittleEndian.Uint32(buf[:4])))))
	case 3:
		e.setRd(ins, binary.LittleEndian.Uint64(buf[:8]))
	case 4:
		e.setRd(ins, uint64(buf[0]))
	case 5:
		e.setRd(ins, uint64(binary.LittleEndian.Uint16(buf[:2])))
	case 6:
		e.setRd(ins, uint64(binary.LittleEndian.Uint32(buf[:4])))
	}
}

func (e *Emulator) execStore(ins instr, st *stats.Worker) {
	addr := mmu.Addr(uint64(e.regS(ins.rs1) + ins.immS))
	val := e.regU(ins.rs2)
	var buf []byte
	switch ins.funct3 {
	case 0:
		buf = []byte{byte(val)}
	case 1:
		buf = make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, uint16(val))
	case 2:
		buf = make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(val))
	case 3:
		buf = make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, val)
	default:
		e.ExitReason = InvalidOpcode
		return
	}
	if err := e.MMU.Write(addr, buf); err != nil {
		e.ExitReason = SegfaultWrite
		st.WriteFaults++
	}
}

func (e *Emulator) execArithI(ins instr) {
	rs1 := e.regS(ins.rs1)
	switch ins.funct3 {
	case 0: // ADDI
		e.setRd(ins, uint64(rs1+ins.immI))
	case 2: // SLTI
		e.setRd(ins, boolToU64(rs1 < ins.immI))
	case 3: // SLTIU
		e.setRd(ins, boolToU64(uint64(rs1) < uint64(ins.immI)))
	case 4: // XORI
		e.setRd(ins, uint64(rs1^ins.immI))
	case 6: // ORI
		e.setRd(ins, uint64(rs1|ins.immI))
	case 7: // ANDI
		e.setRd(ins, uint64(rs1&ins.immI))
	case 1: // SLLI
		if ins.funct7 != 0 {
			e.ExitReason = InvalidOpcode
			return
		}
		shamt := (ins.raw >> 20) & 0x3f
		e.setRd(ins, uint64(rs1)<<shamt)
	case 5: // SRLI / SRAI
		shamt := (ins.raw >> 20) & 0x3f
		switch ins.funct7 {
		case 0: // SRLI
			e.setRd(ins, uint64(rs1)>>shamt)
		case 32: // SRAI
			e.setRd(ins, uint64(rs1>>shamt))
		default:
			e.ExitReason = InvalidOpcode
		}
	default:
		e.ExitReason = InvalidOpcode
	}
}

func (e *Emulator) execArithR(ins instr) {
	rs1, rs2 := e.regS(ins.rs1), e.regS(ins.rs2)
	switch ins.funct3 {
	case 0:
		switch ins.funct7 {
		case 0: // ADD
			e.setRd(ins, uint64(rs1+rs2))
		case 32: // SUB
			e.setRd(ins, uint64(rs1-rs2))
		default:
			e.ExitReason = InvalidOpcode
		}
	case 1: // SLL
		if ins.funct7 != 0 {
			e.ExitReason = InvalidOpcode
			return
		}
		e.setRd(ins, uint64(rs1)<<(uint64(rs2)&0x3f))
	case 2: // SLT
		if ins.funct7 != 0 {
			e.ExitReason = InvalidOpcode
			return
		}
		e.setRd(ins, boolToU64(rs1 < rs2))
	case 3: // SLTU
		if ins.funct7 != 0 {
			e.ExitReason = InvalidOpcode
			return
		}
		e.setRd(ins, boolToU64(uint64(rs1) < uint64(rs2)))
	case 4: // XOR
		if ins.funct7 != 0 {
			e.ExitReason = InvalidOpcode
			return
		}
		e.setRd(ins, uint64(rs1^rs2))
	case 5: // SRL / SRA
		shamt := uint64(rs2) & 0x3f
		switch ins.funct7 {
		case 0: // SRL
			e.setRd(ins, uint64(rs1)>>shamt)
		case 32: // SRA
			e.setRd(ins, uint64(rs1>>shamt))
		default:
			e.ExitReason = InvalidOpcode
		}
	case 6: // OR
		if ins.funct7 != 0 {
			e.ExitReason = InvalidOpcode
			return
		}
		e.setRd(ins, uint64(rs1|rs2))
	case 7: // AND
		if ins.funct7 != 0 {
			e.ExitReason = InvalidOpcode
			return
		}
		e.setRd(ins, uint64(rs1&rs2))
	default:
		e.ExitReason = InvalidOpcode
	}
}

func (e *Emulator) execArithIW(ins instr) {
	rs1 := int32(e.regS(ins.rs1))
	switch ins.funct3 {
	case 0: // ADDIW
		e.setRd(ins, uint64(int64(rs1+int32(ins.immI))))
	case 1: // SLLIW
		if ins.funct7 != 0 {
			e.ExitReason = InvalidOpcode
			return
		}
		shamt := (ins.raw >> 20) & 0x1f
		e.setRd(ins, uint64(int64(rs1<<shamt)))
	case 5: // SRLIW / SRAIW
		shamt := (ins.raw >> 20) & 0x1f
		switch ins.funct7 {
		case 0: // SRLIW
			e.setRd(ins, uint64(int64(int32(uint32(rs1)>>shamt))))
		case 32: // SRAIW
			e.setRd(ins, uint64(int64(rs1>>shamt)))
		default:
			e.ExitReason = InvalidOpcode
		}
	default:
		e.ExitReason = InvalidOpcode
	}
}

func (e *Emulator) execArithRW(ins instr) {
	rs1, rs2 := int32(e.regS(ins.rs1)), int32(e.regS(ins.rs2))
	switch ins.funct3 {
	case 0:
		switch ins.funct7 {
		case 0: // ADDW
			e.setRd(ins, uint64(int64(rs1+rs2)))
		case 32: // SUBW
			e.setRd(ins, uint64(int64(rs1-rs2)))
		default:
			e.ExitReason = InvalidOpcode
		}
	case 1: // SLLW
		if ins.funct7 != 0 {
			e.ExitReason = InvalidOpcode
			return
		}
		shamt := uint32(rs2) & 0x1f
		e.setRd(ins, uint64(int64(rs1<<shamt)))
	case 5: // SRLW / SRAW
		shamt := uint32(rs2) & 0x1f
		switch ins.funct7 {
		case 0: // SRLW
			e.setRd(ins, uint64(int64(int32(uint32(rs1)>>shamt))))
		case 32: // SRAW
			e.setRd(ins, uint64(int64(rs1>>shamt)))
		default:
			e.ExitReason = InvalidOpcode
		}
	default:
		e.ExitReason = InvalidOpcode
	}
}

func (e *Emulator) execEnv(ins instr, st *stats.Worker) {
	if ins.funct3 != 0 {
		e.ExitReason = InvalidOpcode
		return
	}
	switch ins.immI {
	case 0: // ECALL
		e.handleSyscall(st)
	case 1: // EBREAK
		e.ExitReason = InvalidOpcode
	default:
		e.ExitReason = InvalidOpcode
	}
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
