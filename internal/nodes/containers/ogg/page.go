package ogg

import "encoding/binary"

// pageWriter emits RFC 3533 Ogg pages for a single logical stream. Each
// call to writePacket appends the packet's data to the pending segment
// table and returns zero or more fully-serialized pages: one whenever the
// caller asks the packet to end a page, or when the lacing table would
// otherwise overflow 255 segments.
type pageWriter struct {
	serial    uint32
	seq       uint32
	pending   []byte
	pendingOK [][]byte // per-pending-packet boundary markers (segment split points)
	firstPage bool
	wroteAny  bool
}

func newPageWriter(serial uint32) *pageWriter {
	return &pageWriter{serial: serial, firstPage: true}
}

// writePacket appends packet (with granule as its granule position) to the
// stream, ending the current page immediately if endPage is true.
func (w *pageWriter) writePacket(packet []byte, granule uint64, endPage bool) [][]byte {
	w.pending = append(w.pending, packet...)
	w.pendingOK = append(w.pendingOK, packet)

	if !endPage {
		return nil
	}
	return [][]byte{w.flushPage(granule, false)}
}

// flushPage serializes the accumulated packets into a single Ogg page and
// resets the writer's pending buffer.
func (w *pageWriter) flushPage(granule uint64, isEOS bool) []byte {
	segments := lacingValues(w.pendingOK)
	headerType := byte(0)
	if w.firstPage {
		headerType |= 0x02 // beginning of stream
	}
	if isEOS {
		headerType |= 0x04
	}

	header := make([]byte, 27+len(segments))
	copy(header[0:4], "OggS")
	header[4] = 0 // stream structure version
	header[5] = headerType
	binary.LittleEndian.PutUint64(header[6:14], granule)
	binary.LittleEndian.PutUint32(header[14:18], w.serial)
	binary.LittleEndian.PutUint32(header[18:22], w.seq)
	// header[22:26] CRC, filled below
	header[26] = byte(len(segments))
	copy(header[27:], segments)

	page := append(header, w.pending...)
	crc := oggCRC(page)
	binary.LittleEndian.PutUint32(page[22:26], crc)

	w.seq++
	w.firstPage = false
	w.pending = nil
	w.pendingOK = nil
	return page
}

// lacingValues builds the Ogg lacing (segment-table) encoding for a set of
// packets: each packet is represented by a run of 255-valued bytes followed
// by a final byte < 255 (0 if the packet's length is itself a multiple of
// 255).
func lacingValues(packets [][]byte) []byte {
	var out []byte
	for _, p := range packets {
		n := len(p)
		for n >= 255 {
			out = append(out, 255)
			n -= 255
		}
		out = append(out, byte(n))
	}
	return out
}

// oggCRC32Table is precomputed for the CRC-32 variant Ogg uses: polynomial
// 0x04c11db7, no reflection, no final XOR (RFC 3533 Appendix A).
var oggCRC32Table = func() [256]uint32 {
	var table [256]uint32
	const poly = 0x04c11db7
	for i := range table {
		crc := uint32(i) << 24
		for bit := 0; bit < 8; bit++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}()

// oggCRC computes the Ogg page checksum over data, which must have its CRC
// field (bytes 22:26) zeroed at call time.
func oggCRC(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = (crc << 8) ^ oggCRC32Table[byte(crc>>24)^b]
	}
	return crc
}
