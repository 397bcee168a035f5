// Package macframe defines the over-the-air MAC frame format shared by the
// CSMA/CA and TDMA protocols: the 24-byte header, the frame-control tag
// values, and CRC-32 framing/verification.
package macframe

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// HeaderLen is the fixed size of a MAC header in bytes.
const HeaderLen = 24

// CRCLen is the size of the trailing checksum appended to every emitted frame.
const CRCLen = 4

// MaxMSDU is the largest payload (above the MAC header) a single frame may carry.
const MaxMSDU = 1500

// MaxPSDU is the largest frame (header + MSDU + CRC) that may appear on the wire.
const MaxPSDU = HeaderLen + MaxMSDU + CRCLen

// Control identifies the kind of frame carried in a header's frame_control field.
// The numeric values are wire-visible and must not change.
type Control uint16

const (
	ControlData     Control = 0x0008
	ControlAck      Control = 0x2B00
	ControlSync     Control = 0x2000 // TDMA beacon
	ControlAlloc    Control = 0x2800 // TDMA slot map
	ControlReq      Control = 0x2400 // TDMA slot request
	ControlSkip     Control = 0x2C00 // TDMA no-data
	ControlProtocol Control = 0x2900 // reserved for control of the active protocol
	ControlMetrics  Control = 0x2100 // out-of-band metrics frame; CSMA/CA acks it and does not deliver it to the app
)

func (c Control) String() string {
	switch c {
	case ControlData:
		return "DATA"
	case ControlAck:
		return "ACK"
	case ControlSync:
		return "SYNC"
	case ControlAlloc:
		return "ALLOC"
	case ControlReq:
		return "REQ"
	case ControlSkip:
		return "SKIP"
	case ControlProtocol:
		return "PROTOCOL"
	case ControlMetrics:
		return "METRICS"
	default:
		return fmt.Sprintf("UNKNOWN(0x%04x)", uint16(c))
	}
}

// Addr is a six-byte MAC address.
type Addr [6]byte

// Broadcast is the all-ones destination address.
var Broadcast = Addr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (a Addr) IsBroadcast() bool { return a == Broadcast }

func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// Header is the fixed 24-byte MAC header, packed little-endian.
type Header struct {
	FrameControl Control
	Duration     uint16
	Addr1        Addr // destination
	Addr2        Addr // source
	Addr3        Addr // BSSID / broadcast
	SeqNr        uint16
}

// Marshal packs the header into its 24-byte wire representation.
func (h Header) Marshal() []byte {
	b := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint16(b[0:2], uint16(h.FrameControl))
	binary.LittleEndian.PutUint16(b[2:4], h.Duration)
	copy(b[4:10], h.Addr1[:])
	copy(b[10:16], h.Addr2[:])
	copy(b[16:22], h.Addr3[:])
	binary.LittleEndian.PutUint16(b[22:24], h.SeqNr)
	return b
}

// ParseHeader decodes the first 24 bytes of b into a Header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("macframe: short header: %d bytes", len(b))
	}
	var h Header
	h.FrameControl = Control(binary.LittleEndian.Uint16(b[0:2]))
	h.Duration = binary.LittleEndian.Uint16(b[2:4])
	copy(h.Addr1[:], b[4:10])
	copy(h.Addr2[:], b[10:16])
	copy(h.Addr3[:], b[16:22])
	h.SeqNr = binary.LittleEndian.Uint16(b[22:24])
	return h, nil
}

// Frame is the tagged opaque blob pair that moves between components:
// a metadata dictionary plus a byte payload. Once emitted from a component,
// a frame is never mutated in place; producing a modified frame means
// building a new one.
type Frame struct {
	Meta    map[string]bool
	Payload []byte
}

// CRCIncluded reports whether the payload already carries its trailing CRC-32.
func (f Frame) CRCIncluded() bool {
	return f.Meta != nil && f.Meta["crc_included"]
}

// WithCRCIncluded returns a copy of f with the crc_included metadata flag set.
func (f Frame) WithCRCIncluded() Frame {
	meta := make(map[string]bool, len(f.Meta)+1)
	for k, v := range f.Meta {
		meta[k] = v
	}
	meta["crc_included"] = true
	return Frame{Meta: meta, Payload: f.Payload}
}

// crcTable is the boost::crc_32_type parameterization: reflected input/output,
// polynomial 0x04C11DB7, init 0xFFFFFFFF, xorout 0xFFFFFFFF. This is numerically
// identical to the standard (IEEE 802.3) CRC-32 used throughout the Go ecosystem.
var crcTable = crc32.IEEETable

// Checksum computes the CRC-32 over b using the frame's wire parameterization.
func Checksum(b []byte) uint32 {
	return crc32.Checksum(b, crcTable)
}

// Encode builds the wire PSDU: header || msdu || crc32(header||msdu).
func Encode(h Header, msdu []byte) []byte {
	psdu := make([]byte, HeaderLen+len(msdu)+CRCLen)
	copy(psdu, h.Marshal())
	copy(psdu[HeaderLen:], msdu)
	fcs := Checksum(psdu[:HeaderLen+len(msdu)])
	binary.LittleEndian.PutUint32(psdu[HeaderLen+len(msdu):], fcs)
	return psdu
}

// NewFrame builds a ready-to-transmit Frame (header + msdu + CRC, crc_included set).
func NewFrame(h Header, msdu []byte) Frame {
	return Frame{
		Meta:    map[string]bool{"crc_included": true},
		Payload: Encode(h, msdu),
	}
}

// VerifyCRC reports whether the trailing 4 bytes of psdu match the CRC-32 of
// the preceding bytes. psdu must be at least HeaderLen+CRCLen bytes.
func VerifyCRC(psdu []byte) bool {
	if len(psdu) < HeaderLen+CRCLen {
		return false
	}
	body := psdu[:len(psdu)-CRCLen]
	want := binary.LittleEndian.Uint32(psdu[len(psdu)-CRCLen:])
	return Checksum(body) == want
}

// MSDU returns the payload bytes between the header and the trailing CRC.
func MSDU(psdu []byte) []byte {
	if len(psdu) < HeaderLen+CRCLen {
		return nil
	}
	return psdu[HeaderLen : len(psdu)-CRCLen]
}

// RewriteDestination returns a copy of psdu with addr1 (bytes 4..10) replaced
// by dst and the trailing CRC-32 recomputed over header+msdu.
func RewriteDestination(psdu []byte, dst Addr) []byte {
	out := make([]byte, len(psdu))
	copy(out, psdu)
	copy(out[4:10], dst[:])
	fcs := Checksum(out[:len(out)-CRCLen])
	binary.LittleEndian.PutUint32(out[len(out)-CRCLen:], fcs)
	return out
}

// GenerateAck builds the ACK frame for a received DATA psdu, per the rule
// shared by CSMA/CA and TDMA: copy frame_control/duration/seq_nr (with
// frame_control forced to ACK), swap addr1/addr2, keep addr3, and sign
// with a fresh CRC-32 over the bare 24-byte header (no MSDU, no copy of
// the original body).
func GenerateAck(reqHeader Header, ackSourceAddr Addr) Frame {
	ack := Header{
		FrameControl: ControlAck,
		Duration:     reqHeader.Duration,
		Addr1:        reqHeader.Addr2,
		Addr2:        ackSourceAddr,
		Addr3:        reqHeader.Addr3,
		SeqNr:        reqHeader.SeqNr,
	}
	return NewFrame(ack, nil)
}

// Generate builds a frame with an arbitrary control kind, sequence number,
// destination and msdu, with addr3 fixed to Broadcast (BSSID position), as
// used by both MACs for PROTOCOL frames and by TDMA for SYNC/ALLOC/REQ/SKIP
// frames.
func Generate(fc Control, seqNr uint16, src, dst Addr, msdu []byte) Frame {
	h := Header{
		FrameControl: fc,
		Duration:     0,
		Addr1:        dst,
		Addr2:        src,
		Addr3:        Broadcast,
		SeqNr:        seqNr,
	}
	return NewFrame(h, msdu)
}
