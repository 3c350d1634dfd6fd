package transport

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
)

func TestParseFlagsComposite(t *testing.T) {
	f, err := ParseFlags([]string{"all-aes", "frontend-compress-write"})
	if err != nil {
		t.Fatal(err)
	}
	if !f.Has(AllCipher) || !f.Has(FrontendCompressWrite) || f.Has(FrontendCompressRead) {
		t.Fatalf("flags = %s", f)
	}
	if _, err := ParseFlags([]string{"frontend-zip"}); err == nil {
		t.Fatal("want error for unknown flag")
	}
}

func TestBuildMissingCipherKey(t *testing.T) {
	_, err := Build(BackendCipherWrite, Options{})
	if !errors.Is(err, ErrMissingCipherKey) {
		t.Fatalf("want ErrMissingCipherKey, got %v", err)
	}
}

func TestBuildMissingTLS(t *testing.T) {
	_, err := Build(FrontendSSL, Options{})
	if !errors.Is(err, ErrMissingTLSConfig) {
		t.Fatalf("want ErrMissingTLSConfig, got %v", err)
	}
}

func TestBuildUnknownCipher(t *testing.T) {
	_, err := Build(FrontendCipher, Options{Cipher: CipherOptions{Algorithm: "rc4", Key: "k"}})
	if err == nil || !strings.Contains(err.Error(), "unsupported cipher") {
		t.Fatalf("got %v", err)
	}
}

func TestChainOrder(t *testing.T) {
	l, err := Build(AllCompress|AllCipher, Options{Cipher: CipherOptions{Key: "k"}})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(l.Frontend.Names(), ","); got != "cipher,compress" {
		t.Fatalf("install order = %s", got)
	}
	if got := strings.Join(l.Backend.RemovalOrder(), ","); got != "compress,cipher" {
		t.Fatalf("removal order = %s", got)
	}
}

func TestEmptyChainReturnsRaw(t *testing.T) {
	l, err := Build(0, Options{})
	if err != nil {
		t.Fatal(err)
	}
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	c, err := l.Frontend.Apply(a)
	if err != nil {
		t.Fatal(err)
	}
	if c != a {
		t.Fatal("empty chain must not wrap")
	}
}

// 客户端 backend 链 ↔ 服务端 frontend 链 必须互通
func roundTrip(t *testing.T, f Flags, algo string) {
	t.Helper()
	l, err := Build(f, Options{Cipher: CipherOptions{Algorithm: algo, Key: "secret"}})
	if err != nil {
		t.Fatal(err)
	}
	rawCli, rawSrv := net.Pipe()
	defer rawCli.Close()
	defer rawSrv.Close()

	cli, err := l.Backend.Apply(rawCli)
	if err != nil {
		t.Fatal(err)
	}
	srv, err := l.Frontend.Apply(rawSrv)
	if err != nil {
		t.Fatal(err)
	}

	up := bytes.Repeat([]byte("payload-"), 5000) // 跨多个帧
	down := []byte("reply")

	errc := make(chan error, 1)
	go func() {
		if _, err := cli.Write(up); err != nil {
			errc <- err
			return
		}
		got := make([]byte, len(down))
		if _, err := io.ReadFull(cli, got); err != nil {
			errc <- err
			return
		}
		if !bytes.Equal(got, down) {
			errc <- errors.New("client got wrong reply")
			return
		}
		errc <- nil
	}()

	got := make([]byte, len(up))
	if _, err := io.ReadFull(srv, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, up) {
		t.Fatal("server got corrupted payload")
	}
	if _, err := srv.Write(down); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
}

func TestRoundTripCipherCompress(t *testing.T) {
	roundTrip(t, AllCipher|AllCompress, "aes-256-gcm")
}

func TestRoundTripChaCha(t *testing.T) {
	roundTrip(t, AllCipher, "chacha20-poly1305")
}

func TestRoundTripOneDirection(t *testing.T) {
	// 只加密 客户端→服务端；回程明文
	roundTrip(t, FrontendCipherRead|BackendCipherWrite, "")
}

func TestCipherWireIsNotPlain(t *testing.T) {
	l, err := Build(BackendCipherWrite, Options{Cipher: CipherOptions{Key: "secret"}})
	if err != nil {
		t.Fatal(err)
	}
	rawCli, rawSrv := net.Pipe()
	defer rawSrv.Close()
	cli, _ := l.Backend.Apply(rawCli)
	go func() {
		_, _ = cli.Write([]byte("plaintext-marker"))
		_ = rawCli.Close()
	}()
	wire, _ := io.ReadAll(rawSrv)
	if bytes.Contains(wire, []byte("plaintext-marker")) {
		t.Fatal("payload visible on the wire")
	}
	if len(wire) != saltSize+2+len("plaintext-marker")+16 {
		t.Fatalf("wire len = %d", len(wire))
	}
}
