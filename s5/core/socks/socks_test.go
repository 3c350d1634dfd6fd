package socks

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func TestRequestIPv4(t *testing.T) {
	in := []byte{Version5, CmdConnect, 0x00, AtypIPv4, 10, 0, 0, 7, 0x1F, 0x90}
	req, err := ReadRequest(bytes.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if req.Cmd != CmdConnect || req.Dst.Host != "10.0.0.7" || req.Dst.Port != 8080 {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestRequestDomainRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	dst := Addr{Host: "example.com", Port: 443}
	if err := WriteRequest(&buf, CmdUDPAssociate, dst); err != nil {
		t.Fatal(err)
	}
	req, err := ReadRequest(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if req.Cmd != CmdUDPAssociate || req.Dst != dst {
		t.Fatalf("got %+v", req)
	}
}

func TestRequestBadAtyp(t *testing.T) {
	in := []byte{Version5, CmdConnect, 0x00, 0x09, 1, 2}
	if _, err := ReadRequest(bytes.NewReader(in)); !errors.Is(err, ErrBadAddrType) {
		t.Fatalf("want ErrBadAddrType, got %v", err)
	}
}

func TestGreetingKeepsRawBytes(t *testing.T) {
	_, err := ReadGreeting(bytes.NewReader([]byte{0x04, 0x01}))
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("want *ProtocolError, got %v", err)
	}
	if !errors.Is(err, ErrBadVersion) {
		t.Fatalf("want ErrBadVersion, got %v", pe.Err)
	}
	if !bytes.Equal(pe.Raw, []byte{0x04, 0x01}) {
		t.Fatalf("raw = % x", pe.Raw)
	}
}

func TestGreetingMethods(t *testing.T) {
	ms, err := ReadGreeting(bytes.NewReader([]byte{Version5, 2, MethodNoAuth, MethodPassword}))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ms, []byte{MethodNoAuth, MethodPassword}) {
		t.Fatalf("methods = % x", ms)
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCredentials(&buf, "alice", "s3cret"); err != nil {
		t.Fatal(err)
	}
	u, p, err := ReadCredentials(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if u != "alice" || p != "s3cret" {
		t.Fatalf("got %q %q", u, p)
	}
}

func TestReplyIPv6Bind(t *testing.T) {
	var buf bytes.Buffer
	bind := &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 1080}
	if err := WriteReply(&buf, RepSuccess, bind); err != nil {
		t.Fatal(err)
	}
	if buf.Bytes()[3] != AtypIPv6 {
		t.Fatalf("atyp = %d", buf.Bytes()[3])
	}
	rep, a, err := ReadReply(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if rep != RepSuccess || a.Host != "2001:db8::1" || a.Port != 1080 {
		t.Fatalf("rep=%d addr=%v", rep, a)
	}
}

func TestReplyNilBind(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteReply(&buf, RepCmdUnsupported, nil); err != nil {
		t.Fatal(err)
	}
	want := []byte{Version5, RepCmdUnsupported, 0x00, AtypIPv4, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("got % x", buf.Bytes())
	}
}

func TestDatagramHeader(t *testing.T) {
	dst := Addr{Host: "203.0.113.9", Port: 53}
	pkt, err := AppendDatagram(nil, dst, []byte("query"))
	if err != nil {
		t.Fatal(err)
	}
	d, err := ParseDatagram(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if d.Dst != dst || string(d.Data) != "query" || d.HeaderLen != 10 {
		t.Fatalf("got %+v", d)
	}
}

func TestDatagramRejectsFragments(t *testing.T) {
	pkt := []byte{0, 0, 1, AtypIPv4, 1, 2, 3, 4, 0, 53, 'x'}
	if _, err := ParseDatagram(pkt); !errors.Is(err, ErrFragmented) {
		t.Fatalf("want ErrFragmented, got %v", err)
	}
}

func TestDatagramShort(t *testing.T) {
	pkt := []byte{0, 0, 0, AtypIPv6, 1, 2}
	if _, err := ParseDatagram(pkt); !errors.Is(err, ErrShortPacket) {
		t.Fatalf("want ErrShortPacket, got %v", err)
	}
}

func TestParseAddr(t *testing.T) {
	a, err := ParseAddr("[::1]:9000")
	if err != nil {
		t.Fatal(err)
	}
	if a.Host != "::1" || a.Port != 9000 {
		t.Fatalf("got %+v", a)
	}
	if _, err := ParseAddr("nohost"); err == nil {
		t.Fatal("want error for missing port")
	}
}
