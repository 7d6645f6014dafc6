package audio

import (
	"bytes"
	"encoding/binary"
)

const (
	oggFlagBOS = 0x02
	oggFlagEOS = 0x04
)

var oggCRCTable = func() [256]uint32 {
	var t [256]uint32
	for i := range t {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = (r << 1) ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}()

// oggCRC is the unreflected CRC-32 (poly 0x04c11db7, init 0) Ogg requires.
func oggCRC(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = (crc << 8) ^ oggCRCTable[byte(crc>>24)^b]
	}
	return crc
}

// oggWriter packs one packet per page into an Ogg bitstream.
type oggWriter struct {
	buf    bytes.Buffer
	serial uint32
	seq    uint32
}

func (w *oggWriter) writePage(packet []byte, granule uint64, flags byte) {
	var lacing []byte
	n := len(packet)
	for n >= 255 {
		lacing = append(lacing, 255)
		n -= 255
	}
	lacing = append(lacing, byte(n))

	page := make([]byte, 27+len(lacing)+len(packet))
	copy(page[0:4], "OggS")
	page[4] = 0
	page[5] = flags
	binary.LittleEndian.PutUint64(page[6:14], granule)
	binary.LittleEndian.PutUint32(page[14:18], w.serial)
	binary.LittleEndian.PutUint32(page[18:22], w.seq)
	page[26] = byte(len(lacing))
	copy(page[27:], lacing)
	copy(page[27+len(lacing):], packet)
	binary.LittleEndian.PutUint32(page[22:26], oggCRC(page))

	w.buf.Write(page)
	w.seq++
}
