package elfload

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildMinimalELF64LE assembles just enough of an ELF64 little-endian
// header plus a single PT_LOAD program header for Parse to exercise,
// without depending on a real toolchain-produced binary.
func buildMinimalELF64LE(entry uint64, phVaddr uint64, flags ProgFlag, segData []byte) []byte {
	const ehsize = 64
	const phoff = ehsize
	const phentsize = 56

	buf := make([]byte, phoff+phentsize+len(segData))
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[identClass] = byte(Class64)
	buf[identData] = byte(LittleEndian)
	binary.LittleEndian.PutUint64(buf[offEntry64:], entry)
	binary.LittleEndian.PutUint64(buf[offPhoff64:], uint64(phoff))
	binary.LittleEndian.PutUint16(buf[offPhentsz64:], phentsize)
	binary.LittleEndian.PutUint16(buf[offPhnum64:], 1)

	ph := buf[phoff:]
	binary.LittleEndian.PutUint32(ph[0:], ProgTypeLoad)
	binary.LittleEndian.PutUint32(ph[4:], uint32(flags))
	dataOff := uint64(phoff + phentsize)
	binary.LittleEndian.PutUint64(ph[8:], dataOff)   // p_offset
	binary.LittleEndian.PutUint64(ph[16:], phVaddr)  // p_vaddr
	binary.LittleEndian.PutUint64(ph[24:], phVaddr)  // p_paddr
	binary.LittleEndian.PutUint64(ph[32:], uint64(len(segData))) // p_filesz
	binary.LittleEndian.PutUint64(ph[40:], uint64(len(segData))) // p_memsz
	binary.LittleEndian.PutUint64(ph[48:], 0x1000)   // p_align

	copy(buf[dataOff:], segData)
	return buf
}

func TestParseMinimalELF64(t *testing.T) {
	data := buildMinimalELF64LE(0x1000, 0x1000, ProgFlagExec|ProgFlagRead, []byte{0x13, 0x00, 0x00, 0x00})

	e, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), e.EntryPoint)
	require.Len(t, e.ProgramHeaders, 1)
	require.Equal(t, uint32(ProgTypeLoad), e.ProgramHeaders[0].Type)
	require.Equal(t, uint64(0x1000), e.ProgramHeaders[0].VirtAddr)
	require.Equal(t, ProgFlagExec|ProgFlagRead, e.ProgramHeaders[0].Flags)
}

func TestParseRejectsBadMagic(t *testing.T) {
	data := make([]byte, 64)
	copy(data, []byte("NOTELF"))
	_, err := Parse(data)
	require.Error(t, err)
}

func TestParseRejectsTruncatedProgramHeader(t *testing.T) {
	data := buildMinimalELF64LE(0x1000, 0x1000, ProgFlagRead, []byte{1, 2, 3, 4})
	truncated := data[:len(data)-10]
	_, err := Parse(truncated)
	require.Error(t, err)
}
