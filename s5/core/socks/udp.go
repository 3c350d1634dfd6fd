package socks

import (
	"bytes"
)

// Datagram RSV(2) FRAG(1) ATYP(1) DST.ADDR DST.PORT DATA
type Datagram struct {
	Dst       Addr
	Data      []byte
	HeaderLen int
}

// ParseDatagram 仅接受 FRAG=0；Data 与 pkt 共享底层数组
func ParseDatagram(pkt []byte) (Datagram, error) {
	if len(pkt) < udpHeaderMinLen {
		return Datagram{}, ErrShortPacket
	}
	if pkt[2] != 0x00 {
		return Datagram{}, ErrFragmented
	}
	r := bytes.NewReader(pkt[3:])
	var atyp [1]byte
	_, _ = r.Read(atyp[:])
	dst, err := ReadAddr(r, atyp[0])
	if err != nil {
		if err == ErrBadAddrType {
			return Datagram{}, err
		}
		return Datagram{}, ErrShortPacket
	}
	hl := len(pkt) - r.Len()
	return Datagram{Dst: dst, Data: pkt[hl:], HeaderLen: hl}, nil
}

// AppendDatagram 追加完整 UDP 头与负载
func AppendDatagram(b []byte, dst Addr, data []byte) ([]byte, error) {
	b = append(b, 0x00, 0x00, 0x00)
	b, err := AppendAddr(b, dst)
	if err != nil {
		return b, err
	}
	return append(b, data...), nil
}
