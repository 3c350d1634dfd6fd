package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	saltSize     = 16
	maxFrameData = 16 * 1024
)

var errFrameTooLarge = errors.New("transport: cipher frame too large")

func aeadFactory(algo string) (func(key []byte) (cipher.AEAD, error), error) {
	switch strings.ToLower(strings.TrimSpace(algo)) {
	case "", "aes", "aes-gcm", "aes-256-gcm":
		return newAESGCM, nil
	case "chacha20", "chacha20-poly1305":
		return chacha20poly1305.New, nil
	default:
		return nil, fmt.Errorf("transport: unsupported cipher %q", algo)
	}
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	return cipher.NewGCM(block)
}

// 配置里的口令先压成 32 字节根密钥
func deriveMaster(key string) []byte {
	sum := sha256.Sum256([]byte("s5proxy-cipher-v1:" + key))
	return sum[:]
}

// 每个方向每条连接一个随机 salt，子密钥 = HKDF(master, salt, info)
func subKey(master, salt, info []byte) ([]byte, error) {
	k := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, info), k); err != nil {
		return nil, err
	}
	return k, nil
}

type cipherStage struct {
	read, write         bool
	master              []byte
	newAEAD             func(key []byte) (cipher.AEAD, error)
	readInfo, writeInfo []byte
}

func (s *cipherStage) Name() string { return "cipher" }

func (s *cipherStage) Wrap(c net.Conn) (net.Conn, error) {
	lc := &layerConn{Conn: c, r: c, w: c}
	if s.read {
		lc.r = &aeadReader{src: c, stage: s}
	}
	if s.write {
		lc.w = &aeadWriter{dst: c, stage: s}
	}
	return lc, nil
}

/************** 帧格式：[len(2)][sealed] **************/

type nonceCounter []byte

func (n nonceCounter) next() {
	for i := range n {
		n[i]++
		if n[i] != 0 {
			return
		}
	}
}

type aeadWriter struct {
	dst   io.Writer
	stage *cipherStage
	aead  cipher.AEAD
	nonce nonceCounter
	buf   []byte
}

func (w *aeadWriter) init() error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	k, err := subKey(w.stage.master, salt, w.stage.writeInfo)
	if err != nil {
		return err
	}
	if w.aead, err = w.stage.newAEAD(k); err != nil {
		return err
	}
	w.nonce = make(nonceCounter, w.aead.NonceSize())
	_, err = w.dst.Write(salt)
	return err
}

func (w *aeadWriter) Write(p []byte) (int, error) {
	if w.aead == nil {
		if err := w.init(); err != nil {
			return 0, err
		}
	}
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxFrameData {
			chunk = chunk[:maxFrameData]
		}
		size := len(chunk) + w.aead.Overhead()
		w.buf = append(w.buf[:0], byte(size>>8), byte(size))
		w.buf = w.aead.Seal(w.buf, w.nonce, chunk, nil)
		w.nonce.next()
		if _, err := w.dst.Write(w.buf); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

type aeadReader struct {
	src   io.Reader
	stage *cipherStage
	aead  cipher.AEAD
	nonce nonceCounter
	frame []byte
	plain []byte // 未读完的明文
}

func (r *aeadReader) init() error {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(r.src, salt); err != nil {
		return err
	}
	k, err := subKey(r.stage.master, salt, r.stage.readInfo)
	if err != nil {
		return err
	}
	if r.aead, err = r.stage.newAEAD(k); err != nil {
		return err
	}
	r.nonce = make(nonceCounter, r.aead.NonceSize())
	return nil
}

func (r *aeadReader) Read(p []byte) (int, error) {
	if len(r.plain) > 0 {
		n := copy(p, r.plain)
		r.plain = r.plain[n:]
		return n, nil
	}
	if r.aead == nil {
		if err := r.init(); err != nil {
			return 0, err
		}
	}
	var hdr [2]byte
	if _, err := io.ReadFull(r.src, hdr[:]); err != nil {
		return 0, err
	}
	size := int(binary.BigEndian.Uint16(hdr[:]))
	if size < r.aead.Overhead() || size > maxFrameData+r.aead.Overhead() {
		return 0, errFrameTooLarge
	}
	if cap(r.frame) < size {
		r.frame = make([]byte, size)
	}
	r.frame = r.frame[:size]
	if _, err := io.ReadFull(r.src, r.frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	plain, err := r.aead.Open(r.frame[:0], r.nonce, r.frame, nil)
	if err != nil {
		return 0, fmt.Errorf("transport: cipher open: %w", err)
	}
	r.nonce.next()
	n := copy(p, plain)
	r.plain = plain[n:]
	return n, nil
}
