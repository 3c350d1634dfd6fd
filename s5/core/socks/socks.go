package socks

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"s5proxy/s5/common"
	"strconv"
)

/* ---------- 常量 ---------- */

const (
	Version5    = 0x05
	AuthVersion = 0x01

	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03

	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04

	MethodNoAuth       = 0x00
	MethodPassword     = 0x02
	MethodNoAcceptable = 0xFF

	AuthSuccess = 0x00
	AuthFailure = 0x01
)

// RFC1928 REP
const (
	RepSuccess         = 0x00
	RepGeneralFailure  = 0x01
	RepNotAllowed      = 0x02
	RepNetUnreachable  = 0x03
	RepHostUnreachable = 0x04
	RepConnRefused     = 0x05
	RepTTLExpired      = 0x06
	RepCmdUnsupported  = 0x07
	RepAtypUnsupported = 0x08
)

const (
	MaxUDPPacket    = 64 * 1024
	maxDomainLen    = 255
	udpHeaderMinLen = 4
)

var (
	ErrBadVersion     = errors.New("socks: bad version")
	ErrBadAddrType    = errors.New("socks: bad address type")
	ErrFragmented     = errors.New("socks: fragmented udp datagram")
	ErrShortPacket    = errors.New("socks: short packet")
	ErrDomainTooLong  = errors.New("socks: domain too long")
	ErrNoMethods      = errors.New("socks: no methods offered")
	ErrBadAuthVersion = errors.New("socks: bad auth version")
)

// ProtocolError 保留出错阶段与原始字节，便于诊断日志
type ProtocolError struct {
	Stage string
	Raw   []byte
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("socks %s: %v (raw=% x)", e.Stage, e.Err, e.Raw)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

/************** 地址 **************/

// Addr 未解析的目的端点：域名 / IP 字面量 / fake host
type Addr struct {
	Host string
	Port int
}

func (a Addr) String() string { return net.JoinHostPort(a.Host, strconv.Itoa(a.Port)) }
func (a Addr) IsZero() bool   { return a.Host == "" && a.Port == 0 }

func ParseAddr(s string) (Addr, error) {
	h, p := common.SplitHostPortFlexible(s, -1)
	if h == "" || p < 0 || p > 65535 {
		return Addr{}, fmt.Errorf("bad address %q", s)
	}
	return Addr{Host: h, Port: p}, nil
}

func AddrFromNet(a net.Addr) Addr {
	switch v := a.(type) {
	case *net.TCPAddr:
		return Addr{Host: v.IP.String(), Port: v.Port}
	case *net.UDPAddr:
		return Addr{Host: v.IP.String(), Port: v.Port}
	}
	if a == nil {
		return Addr{}
	}
	out, _ := ParseAddr(a.String())
	return out
}

func ReadAddr(r io.Reader, atyp byte) (Addr, error) {
	var host string
	switch atyp {
	case AtypIPv4:
		var ip [4]byte
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return Addr{}, err
		}
		host = net.IP(ip[:]).String()
	case AtypDomain:
		var l [1]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return Addr{}, err
		}
		b := make([]byte, int(l[0]))
		if _, err := io.ReadFull(r, b); err != nil {
			return Addr{}, err
		}
		host = string(b)
	case AtypIPv6:
		var ip [16]byte
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return Addr{}, err
		}
		host = net.IP(ip[:]).String()
	default:
		return Addr{}, ErrBadAddrType
	}
	var p [2]byte
	if _, err := io.ReadFull(r, p[:]); err != nil {
		return Addr{}, err
	}
	return Addr{Host: host, Port: int(binary.BigEndian.Uint16(p[:]))}, nil
}

// AppendAddr 追加 ATYP ADDR PORT
func AppendAddr(b []byte, a Addr) ([]byte, error) {
	ip := net.ParseIP(a.Host)
	switch {
	case ip != nil && ip.To4() != nil:
		b = append(b, AtypIPv4)
		b = append(b, ip.To4()...)
	case ip != nil:
		b = append(b, AtypIPv6)
		b = append(b, ip.To16()...)
	default:
		if len(a.Host) > maxDomainLen {
			return b, ErrDomainTooLong
		}
		b = append(b, AtypDomain, byte(len(a.Host)))
		b = append(b, a.Host...)
	}
	return binary.BigEndian.AppendUint16(b, uint16(a.Port)), nil
}

/************** 握手 **************/

// ReadGreeting 读 VER NMETHODS METHODS；失败时返回 *ProtocolError，Raw 为已读原始字节
func ReadGreeting(r io.Reader) ([]byte, error) {
	raw := make([]byte, 0, 8)
	var g [2]byte
	n, err := io.ReadFull(r, g[:])
	raw = append(raw, g[:n]...)
	if err != nil {
		return nil, &ProtocolError{Stage: "greeting", Raw: raw, Err: err}
	}
	if g[0] != Version5 {
		return nil, &ProtocolError{Stage: "greeting", Raw: raw, Err: ErrBadVersion}
	}
	if g[1] == 0 {
		return nil, &ProtocolError{Stage: "greeting", Raw: raw, Err: ErrNoMethods}
	}
	ms := make([]byte, int(g[1]))
	n, err = io.ReadFull(r, ms)
	raw = append(raw, ms[:n]...)
	if err != nil {
		return nil, &ProtocolError{Stage: "greeting", Raw: raw, Err: err}
	}
	return ms, nil
}

func WriteMethod(w io.Writer, m byte) error {
	_, err := w.Write([]byte{Version5, m})
	return err
}

// WriteGreeting 客户端侧（上游链路）
func WriteGreeting(w io.Writer, methods ...byte) error {
	b := append([]byte{Version5, byte(len(methods))}, methods...)
	_, err := w.Write(b)
	return err
}

func ReadMethod(r io.Reader) (byte, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	if b[0] != Version5 {
		return 0, ErrBadVersion
	}
	return b[1], nil
}

/************** RFC1929 **************/

func ReadCredentials(r io.Reader) (user, pass string, err error) {
	var v [2]byte
	if _, err = io.ReadFull(r, v[:]); err != nil {
		return "", "", err
	}
	if v[0] != AuthVersion {
		return "", "", ErrBadAuthVersion
	}
	ub := make([]byte, int(v[1]))
	if _, err = io.ReadFull(r, ub); err != nil {
		return "", "", err
	}
	var pl [1]byte
	if _, err = io.ReadFull(r, pl[:]); err != nil {
		return "", "", err
	}
	pb := make([]byte, int(pl[0]))
	if _, err = io.ReadFull(r, pb); err != nil {
		return "", "", err
	}
	return string(ub), string(pb), nil
}

func WriteCredentials(w io.Writer, user, pass string) error {
	if len(user) > 255 || len(pass) > 255 {
		return errors.New("socks: credentials too long")
	}
	b := make([]byte, 0, 3+len(user)+len(pass))
	b = append(b, AuthVersion, byte(len(user)))
	b = append(b, user...)
	b = append(b, byte(len(pass)))
	b = append(b, pass...)
	_, err := w.Write(b)
	return err
}

func WriteAuthStatus(w io.Writer, status byte) error {
	_, err := w.Write([]byte{AuthVersion, status})
	return err
}

func ReadAuthStatus(r io.Reader) (byte, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	if b[0] != AuthVersion {
		return 0, ErrBadAuthVersion
	}
	return b[1], nil
}

/************** 请求 / 应答 **************/

type Request struct {
	Cmd byte
	Dst Addr
}

func ReadRequest(r io.Reader) (Request, error) {
	var h [4]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return Request{}, err
	}
	if h[0] != Version5 {
		return Request{}, &ProtocolError{Stage: "request", Raw: h[:], Err: ErrBadVersion}
	}
	dst, err := ReadAddr(r, h[3])
	if err != nil {
		return Request{Cmd: h[1]}, err
	}
	return Request{Cmd: h[1], Dst: dst}, nil
}

func WriteRequest(w io.Writer, cmd byte, dst Addr) error {
	b, err := AppendAddr([]byte{Version5, cmd, 0x00}, dst)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// WriteReply bind 为 nil 时回 0.0.0.0:0
func WriteReply(w io.Writer, rep byte, bind net.Addr) error {
	a := Addr{Host: "0.0.0.0"}
	if bind != nil {
		a = AddrFromNet(bind)
	}
	b, err := AppendAddr([]byte{Version5, rep, 0x00}, a)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func ReadReply(r io.Reader) (byte, Addr, error) {
	var h [4]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return 0, Addr{}, err
	}
	if h[0] != Version5 {
		return 0, Addr{}, ErrBadVersion
	}
	bind, err := ReadAddr(r, h[3])
	return h[1], bind, err
}
