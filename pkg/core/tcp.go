package core

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/net/ipv4"

	"github.com/irctrakz/tcpmbox/pkg/seqnum"
)

// TCP flag bits.
const (
	FlagFIN = 0x01
	FlagSYN = 0x02
	FlagRST = 0x04
	FlagPSH = 0x08
	FlagACK = 0x10
)

// TCPPacket is a parsed, mutable view over an IPv4+TCP frame. The view
// keeps header offsets so stages can read and rewrite sequence fields
// and payload bytes in place without re-parsing.
type TCPPacket struct {
	buf    []byte
	ipLen  int // IPv4 header length in bytes
	tcpLen int // TCP header length in bytes
}

// ParseTCPPacket validates an IPv4 frame carrying TCP and returns the
// parsed view. The returned packet aliases data; mutations write
// through to it.
func ParseTCPPacket(data []byte) (*TCPPacket, error) {
	hdr, err := ipv4.ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse IPv4 header: %w", err)
	}
	if hdr.Protocol != 6 {
		return nil, fmt.Errorf("not a TCP packet: protocol=%d", hdr.Protocol)
	}
	if hdr.TotalLen > len(data) {
		return nil, fmt.Errorf("truncated packet: total=%d have=%d", hdr.TotalLen, len(data))
	}
	if hdr.Len+20 > len(data) {
		return nil, fmt.Errorf("packet too short for TCP header: %d", len(data))
	}
	tcpLen := int(data[hdr.Len+12]>>4) * 4
	if tcpLen < 20 || hdr.Len+tcpLen > hdr.TotalLen {
		return nil, fmt.Errorf("bad TCP data offset: %d", tcpLen)
	}
	return &TCPPacket{buf: data[:hdr.TotalLen], ipLen: hdr.Len, tcpLen: tcpLen}, nil
}

// Buf returns the whole frame, headers included.
func (p *TCPPacket) Buf() []byte { return p.buf }

// Length returns the frame length in bytes.
func (p *TCPPacket) Length() int { return len(p.buf) }

// SrcIP returns the source address.
func (p *TCPPacket) SrcIP() [4]byte {
	var ip [4]byte
	copy(ip[:], p.buf[12:16])
	return ip
}

// DstIP returns the destination address.
func (p *TCPPacket) DstIP() [4]byte {
	var ip [4]byte
	copy(ip[:], p.buf[16:20])
	return ip
}

// SrcPort returns the TCP source port.
func (p *TCPPacket) SrcPort() uint16 {
	return binary.BigEndian.Uint16(p.buf[p.ipLen : p.ipLen+2])
}

// DstPort returns the TCP destination port.
func (p *TCPPacket) DstPort() uint16 {
	return binary.BigEndian.Uint16(p.buf[p.ipLen+2 : p.ipLen+4])
}

// Seq returns the sequence number.
func (p *TCPPacket) Seq() seqnum.Value {
	return seqnum.Value(binary.BigEndian.Uint32(p.buf[p.ipLen+4 : p.ipLen+8]))
}

// SetSeq overwrites the sequence number.
func (p *TCPPacket) SetSeq(v seqnum.Value) {
	binary.BigEndian.PutUint32(p.buf[p.ipLen+4:p.ipLen+8], uint32(v))
}

// Ack returns the acknowledgment number.
func (p *TCPPacket) Ack() seqnum.Value {
	return seqnum.Value(binary.BigEndian.Uint32(p.buf[p.ipLen+8 : p.ipLen+12]))
}

// SetAck overwrites the acknowledgment number.
func (p *TCPPacket) SetAck(v seqnum.Value) {
	binary.BigEndian.PutUint32(p.buf[p.ipLen+8:p.ipLen+12], uint32(v))
}

// Flags returns the TCP flag byte.
func (p *TCPPacket) Flags() byte { return p.buf[p.ipLen+13] }

// SYN reports whether the SYN flag is set.
func (p *TCPPacket) SYN() bool { return p.Flags()&FlagSYN != 0 }

// FIN reports whether the FIN flag is set.
func (p *TCPPacket) FIN() bool { return p.Flags()&FlagFIN != 0 }

// RST reports whether the RST flag is set.
func (p *TCPPacket) RST() bool { return p.Flags()&FlagRST != 0 }

// ACK reports whether the ACK flag is set.
func (p *TCPPacket) ACK() bool { return p.Flags()&FlagACK != 0 }

// Payload returns the mutable TCP payload region.
func (p *TCPPacket) Payload() []byte {
	return p.buf[p.ipLen+p.tcpLen:]
}

// PayloadLen returns the payload length in bytes.
func (p *TCPPacket) PayloadLen() int {
	return len(p.buf) - p.ipLen - p.tcpLen
}

// SegmentLen returns how many sequence numbers this segment consumes:
// the payload length plus one for SYN and one for FIN.
func (p *TCPPacket) SegmentLen() seqnum.Size {
	n := seqnum.Size(p.PayloadLen())
	if p.SYN() {
		n++
	}
	if p.FIN() {
		n++
	}
	return n
}

// EndSeq returns the sequence number just past this segment.
func (p *TCPPacket) EndSeq() seqnum.Value {
	return p.Seq().Add(p.SegmentLen())
}

// InsertPayload inserts data into the payload at the given payload
// offset, growing the frame and fixing the IPv4 total length. The
// caller records the matching stream edit and finalizes checksums.
func (p *TCPPacket) InsertPayload(off int, data []byte) {
	if off < 0 || off > p.PayloadLen() || len(data) == 0 {
		return
	}
	at := p.ipLen + p.tcpLen + off
	old := len(p.buf)
	if cap(p.buf) >= old+len(data) {
		// Pooled buffers carry slack; shift the tail in place.
		p.buf = p.buf[:old+len(data)]
		copy(p.buf[at+len(data):], p.buf[at:old])
		copy(p.buf[at:], data)
	} else {
		grown := make([]byte, 0, old+len(data))
		grown = append(grown, p.buf[:at]...)
		grown = append(grown, data...)
		grown = append(grown, p.buf[at:]...)
		p.buf = grown
	}
	p.setTotalLen()
}

// TrimPayload removes n payload bytes at the given payload offset,
// shrinking the frame and fixing the IPv4 total length.
func (p *TCPPacket) TrimPayload(off, n int) {
	if off < 0 || n <= 0 || off+n > p.PayloadLen() {
		return
	}
	at := p.ipLen + p.tcpLen + off
	p.buf = append(p.buf[:at], p.buf[at+n:]...)
	p.setTotalLen()
}

func (p *TCPPacket) setTotalLen() {
	binary.BigEndian.PutUint16(p.buf[2:4], uint16(len(p.buf)))
}

// FinalizeChecksums recomputes the IPv4 header checksum and the TCP
// checksum over the current buffer. Must be called after any header or
// payload mutation, before the frame goes back on the wire.
func (p *TCPPacket) FinalizeChecksums() {
	p.buf[10], p.buf[11] = 0, 0
	ipcs := ipChecksum(p.buf[:p.ipLen])
	p.buf[10] = byte(ipcs >> 8)
	p.buf[11] = byte(ipcs & 0xff)

	p.buf[p.ipLen+16], p.buf[p.ipLen+17] = 0, 0
	csum := tcpChecksum(p.buf[p.ipLen:], p.SrcIP(), p.DstIP())
	binary.BigEndian.PutUint16(p.buf[p.ipLen+16:p.ipLen+18], csum)
}
