package powerping

import (
	"encoding/binary"
	"errors"
	"time"
)

// ErrMalformedPacket marks a received buffer too short to carry an
// echo header. Such datagrams are discarded and the wait continues,
// never fatal.
var ErrMalformedPacket = errors.New("malformed icmp packet")

// Reply is a parsed inbound ICMP message.
type Reply struct {
	Typ      uint8
	Code     uint8
	CheckSum uint16
	Id       uint16
	Seq      uint16
	Payload  []byte
	RcvAt    time.Time
}

// DeConstruct parses ICMP bytes, IP header already stripped. The
// checksum is extracted but not validated, matching goes by type,
// identifier and sequence alone.
func DeConstruct(pkg []byte) (*Reply, error) {
	if len(pkg) < headerEchoLen {
		return nil, ErrMalformedPacket
	}
	rcv := &Reply{
		Typ:      pkg[0],
		Code:     pkg[1],
		CheckSum: binary.BigEndian.Uint16(pkg[2:4]),
		Id:       binary.BigEndian.Uint16(pkg[4:6]),
		Seq:      binary.BigEndian.Uint16(pkg[6:8]),
		Payload:  pkg[8:],
		RcvAt:    time.Now(),
	}
	return rcv, nil
}
