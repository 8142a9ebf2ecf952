package core

import (
	"bytes"
	"encoding/binary"
	"testing"
)

var (
	testSrc = [4]byte{192, 168, 1, 10}
	testDst = [4]byte{192, 168, 1, 20}
)

// verifyChecksums exploits the ones-complement property: summing a
// region that includes its own checksum field yields zero.
func verifyChecksums(t *testing.T, p *TCPPacket) {
	t.Helper()
	if cs := ipChecksum(p.buf[:p.ipLen]); cs != 0 {
		t.Fatalf("IP checksum does not verify: %#x", cs)
	}
	if cs := tcpChecksum(p.buf[p.ipLen:], p.SrcIP(), p.DstIP()); cs != 0 {
		t.Fatalf("TCP checksum does not verify: %#x", cs)
	}
}

func TestBuildAndParse(t *testing.T) {
	payload := []byte("hello middlebox")
	b := BuildTCPSegment(testSrc, testDst, 49152, 443, 0x01020304, 0x0a0b0c0d, FlagACK|FlagPSH, payload)

	p, err := ParseTCPPacket(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.SrcIP() != testSrc || p.DstIP() != testDst {
		t.Fatalf("addresses: %v -> %v", p.SrcIP(), p.DstIP())
	}
	if p.SrcPort() != 49152 || p.DstPort() != 443 {
		t.Fatalf("ports: %d -> %d", p.SrcPort(), p.DstPort())
	}
	if uint32(p.Seq()) != 0x01020304 || uint32(p.Ack()) != 0x0a0b0c0d {
		t.Fatalf("seq/ack: %d/%d", p.Seq(), p.Ack())
	}
	if !p.ACK() || p.SYN() || p.FIN() || p.RST() {
		t.Fatalf("flags: %#x", p.Flags())
	}
	if !bytes.Equal(p.Payload(), payload) {
		t.Fatalf("payload: %q", p.Payload())
	}
	verifyChecksums(t, p)
}

func TestParseRejectsNonTCP(t *testing.T) {
	b := BuildTCPSegment(testSrc, testDst, 1, 2, 0, 0, FlagACK, nil)
	b[9] = 17 // UDP
	if _, err := ParseTCPPacket(b); err == nil {
		t.Fatal("expected protocol error")
	}
}

func TestParseRejectsTruncated(t *testing.T) {
	b := BuildTCPSegment(testSrc, testDst, 1, 2, 0, 0, FlagACK, []byte("data"))
	if _, err := ParseTCPPacket(b[:25]); err == nil {
		t.Fatal("expected truncation error")
	}
	if _, err := ParseTCPPacket(b[:10]); err == nil {
		t.Fatal("expected short-header error")
	}
}

func TestSegmentLenCountsSynFin(t *testing.T) {
	data := mustParse(t, BuildTCPSegment(testSrc, testDst, 1, 2, 100, 0, FlagACK, []byte("abcd")))
	if data.SegmentLen() != 4 || data.EndSeq() != 104 {
		t.Fatalf("data segment: len=%d end=%d", data.SegmentLen(), data.EndSeq())
	}
	syn := mustParse(t, BuildTCPSegment(testSrc, testDst, 1, 2, 100, 0, FlagSYN, nil))
	if syn.SegmentLen() != 1 || syn.EndSeq() != 101 {
		t.Fatalf("SYN: len=%d end=%d", syn.SegmentLen(), syn.EndSeq())
	}
	fin := mustParse(t, BuildTCPSegment(testSrc, testDst, 1, 2, 100, 0, FlagFIN|FlagACK, []byte("xy")))
	if fin.SegmentLen() != 3 || fin.EndSeq() != 103 {
		t.Fatalf("FIN: len=%d end=%d", fin.SegmentLen(), fin.EndSeq())
	}
}

func mustParse(t *testing.T, b []byte) *TCPPacket {
	t.Helper()
	p, err := ParseTCPPacket(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return p
}

func TestSetSeqAckWriteThrough(t *testing.T) {
	p := mustParse(t, BuildTCPSegment(testSrc, testDst, 1, 2, 100, 200, FlagACK, nil))
	p.SetSeq(0xDEADBEEF)
	p.SetAck(0xCAFEBABE)
	if got := binary.BigEndian.Uint32(p.Buf()[20+4 : 20+8]); got != 0xDEADBEEF {
		t.Fatalf("seq in buffer = %#x", got)
	}
	if uint32(p.Ack()) != 0xCAFEBABE {
		t.Fatalf("ack readback = %#x", uint32(p.Ack()))
	}
}

func TestInsertPayloadGrowsFrame(t *testing.T) {
	p := mustParse(t, BuildTCPSegment(testSrc, testDst, 1, 2, 100, 0, FlagACK, []byte("hello world")))

	p.InsertPayload(5, []byte(" brave"))
	if got := string(p.Payload()); got != "hello brave world" {
		t.Fatalf("payload after insert: %q", got)
	}
	if int(binary.BigEndian.Uint16(p.Buf()[2:4])) != p.Length() {
		t.Fatal("IPv4 total length not updated")
	}

	p.FinalizeChecksums()
	verifyChecksums(t, p)

	// The mutated frame must still parse.
	if _, err := ParseTCPPacket(p.Buf()); err != nil {
		t.Fatalf("re-parse after insert: %v", err)
	}
}

// Pooled frame buffers carry slack capacity; inserts must shift the
// tail in place instead of reallocating.
func TestInsertPayloadUsesSlackCapacity(t *testing.T) {
	frame := BuildTCPSegment(testSrc, testDst, 1, 2, 100, 0, FlagACK, []byte("hello world"))
	p := mustParse(t, NewFrameBuf(frame))

	// The copy owns its bytes.
	frame[len(frame)-1] = 'X'
	if string(p.Payload()) != "hello world" {
		t.Fatalf("frame copy aliases the source: %q", p.Payload())
	}

	before := &p.buf[0]
	p.InsertPayload(5, []byte(" brave"))
	if &p.buf[0] != before {
		t.Fatal("insert reallocated despite slack capacity")
	}
	if got := string(p.Payload()); got != "hello brave world" {
		t.Fatalf("payload after insert: %q", got)
	}

	p.FinalizeChecksums()
	verifyChecksums(t, p)

	ReleaseTCPPacket(p)
	if p.buf != nil {
		t.Fatal("release must drop the buffer reference")
	}
}

func TestTrimPayloadShrinksFrame(t *testing.T) {
	p := mustParse(t, BuildTCPSegment(testSrc, testDst, 1, 2, 100, 0, FlagACK, []byte("hello cruel world")))

	p.TrimPayload(5, 6)
	if got := string(p.Payload()); got != "hello world" {
		t.Fatalf("payload after trim: %q", got)
	}
	if int(binary.BigEndian.Uint16(p.Buf()[2:4])) != p.Length() {
		t.Fatal("IPv4 total length not updated")
	}

	// Out-of-range trims are ignored.
	p.TrimPayload(8, 100)
	if got := string(p.Payload()); got != "hello world" {
		t.Fatalf("payload changed by invalid trim: %q", got)
	}

	p.FinalizeChecksums()
	verifyChecksums(t, p)
}
