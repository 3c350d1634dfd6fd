package transport

import (
	"fmt"
	"strings"
)

// Flags 正交位：{frontend, backend} × {cipher-read, cipher-write, compress-read, compress-write, ssl}
type Flags uint32

const (
	FrontendCipherRead Flags = 1 << iota
	FrontendCipherWrite
	FrontendCompressRead
	FrontendCompressWrite
	FrontendSSL
	BackendCipherRead
	BackendCipherWrite
	BackendCompressRead
	BackendCompressWrite
	BackendSSL
)

// 组合
const (
	FrontendCipher   = FrontendCipherRead | FrontendCipherWrite
	BackendCipher    = BackendCipherRead | BackendCipherWrite
	FrontendCompress = FrontendCompressRead | FrontendCompressWrite
	BackendCompress  = BackendCompressRead | BackendCompressWrite
	AllCipher        = FrontendCipher | BackendCipher
	AllAES           = AllCipher
	AllCompress      = FrontendCompress | BackendCompress
	AllSSL           = FrontendSSL | BackendSSL

	cipherMask = AllCipher
)

var flagNames = map[string]Flags{
	"frontend-cipher-read":    FrontendCipherRead,
	"frontend-cipher-write":   FrontendCipherWrite,
	"frontend-compress-read":  FrontendCompressRead,
	"frontend-compress-write": FrontendCompressWrite,
	"frontend-ssl":            FrontendSSL,
	"backend-cipher-read":     BackendCipherRead,
	"backend-cipher-write":    BackendCipherWrite,
	"backend-compress-read":   BackendCompressRead,
	"backend-compress-write":  BackendCompressWrite,
	"backend-ssl":             BackendSSL,
	"frontend-cipher":         FrontendCipher,
	"backend-cipher":          BackendCipher,
	"frontend-compress":       FrontendCompress,
	"backend-compress":        BackendCompress,
	"all-cipher":              AllCipher,
	"all-aes":                 AllAES,
	"all-compress":            AllCompress,
	"all-ssl":                 AllSSL,
}

// 单一位，按安装顺序（String 用）
var primitiveOrder = []struct {
	bit  Flags
	name string
}{
	{FrontendSSL, "frontend-ssl"},
	{FrontendCipherRead, "frontend-cipher-read"},
	{FrontendCipherWrite, "frontend-cipher-write"},
	{FrontendCompressRead, "frontend-compress-read"},
	{FrontendCompressWrite, "frontend-compress-write"},
	{BackendSSL, "backend-ssl"},
	{BackendCipherRead, "backend-cipher-read"},
	{BackendCipherWrite, "backend-cipher-write"},
	{BackendCompressRead, "backend-compress-read"},
	{BackendCompressWrite, "backend-compress-write"},
}

func ParseFlags(names []string) (Flags, error) {
	var f Flags
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" || n == "none" {
			continue
		}
		v, ok := flagNames[n]
		if !ok {
			return 0, fmt.Errorf("unknown transport flag %q", n)
		}
		f |= v
	}
	return f, nil
}

func (f Flags) Has(x Flags) bool { return f&x == x }
func (f Flags) Any(x Flags) bool { return f&x != 0 }

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	out := make([]string, 0, 4)
	for _, p := range primitiveOrder {
		if f.Has(p.bit) {
			out = append(out, p.name)
		}
	}
	return strings.Join(out, ",")
}

type Side int

const (
	Frontend Side = iota // 面向客户端
	Backend              // 面向上游
)

func (s Side) String() string {
	if s == Backend {
		return "backend"
	}
	return "frontend"
}

// sideBits 单侧的 5 个开关
type sideBits struct {
	ssl, cipherRead, cipherWrite, compressRead, compressWrite bool
}

func (f Flags) side(s Side) sideBits {
	if s == Backend {
		return sideBits{
			ssl:           f.Has(BackendSSL),
			cipherRead:    f.Has(BackendCipherRead),
			cipherWrite:   f.Has(BackendCipherWrite),
			compressRead:  f.Has(BackendCompressRead),
			compressWrite: f.Has(BackendCompressWrite),
		}
	}
	return sideBits{
		ssl:           f.Has(FrontendSSL),
		cipherRead:    f.Has(FrontendCipherRead),
		cipherWrite:   f.Has(FrontendCipherWrite),
		compressRead:  f.Has(FrontendCompressRead),
		compressWrite: f.Has(FrontendCompressWrite),
	}
}
