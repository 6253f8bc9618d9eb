package powerping

import (
	"bytes"
	"encoding/binary"
)

// headerEcho is the 8 byte ICMP echo header: type, code, checksum,
// identifier, sequence. ICMPv4 and ICMPv6 echo messages share this
// layout, only the type values differ.
type headerEcho struct {
	Typ      uint8
	Code     uint8
	CheckSum uint16
	Id       uint16
	Seq      uint16
}

const headerEchoLen = 8

type ConstructPacket struct {
	Typ     uint8
	Code    uint8
	Id      uint16
	Seq     uint16
	Payload []byte
}

// Construct lays out the echo header followed by the payload and
// inserts the checksum last, with the checksum field zero during the
// computation. For ICMPv6 the kernel rewrites the checksum on raw
// sockets (it covers a pseudo header we have no business building),
// the layout is still correct.
func Construct(req ConstructPacket) ([]byte, error) {
	hd := &headerEcho{
		Typ:      req.Typ,
		Code:     req.Code,
		CheckSum: 0,
		Id:       req.Id,
		Seq:      req.Seq,
	}
	var b bytes.Buffer
	if err := binary.Write(&b, binary.BigEndian, hd); err != nil {
		return nil, err
	}
	b.Write(req.Payload)
	bts := b.Bytes()
	binary.BigEndian.PutUint16(bts[2:4], checksum(bts))
	return bts, nil
}
