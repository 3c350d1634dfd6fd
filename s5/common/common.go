package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

func PasswordOK(dbPlain, dbSHA256, inputPlain string) bool {
	if dbPlain != "" && dbPlain == inputPlain {
		return true
	}
	if dbSHA256 != "" && strings.EqualFold(dbSHA256, HashUP(inputPlain)) {
		return true
	}
	return false
}

func StatusOK(s string) bool { return s == "" || strings.EqualFold(s, "enabled") }

// password_sha256 = SHA256(password)
func HashUP(pass string) string {
	sum := sha256.Sum256([]byte(pass))
	return hex.EncodeToString(sum[:])
}

/* -------------------- 小工具 -------------------- */

func MaxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// 兼容 IPv4/IPv6/域名、有无端口的拆解器
func SplitHostPortFlexible(s string, defPort int) (host string, port int) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", 0
	}
	// 标准形态优先（host:port / [v6]:port）
	if strings.Contains(s, "]") || (strings.Count(s, ":") == 1 && !strings.Contains(s, "::")) {
		if h, p, err := net.SplitHostPort(s); err == nil {
			if n, e := strconv.Atoi(p); e == nil {
				return h, n
			}
		}
	}
	// [v6] 无端口
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return s[1 : len(s)-1], defPort
	}
	// 纯 IPv6（无 []，多冒号）当无端口
	if strings.Count(s, ":") >= 2 {
		return s, defPort
	}
	if !strings.Contains(s, ":") {
		return s, defPort
	}
	if i := strings.LastIndexByte(s, ':'); i > 0 && i < len(s)-1 {
		h := s[:i]
		if n, e := strconv.Atoi(s[i+1:]); e == nil {
			return h, n
		}
	}
	return s, defPort
}

type MultiLimiter []*rate.Limiter

func (ml MultiLimiter) WaitN(ctx context.Context, n int) error {
	for _, l := range ml {
		if l == nil {
			continue
		}
		// 单次 WaitN 不能超过 burst，超出部分分段等待
		for left := n; left > 0; {
			step := left
			if b := l.Burst(); b > 0 && step > b {
				step = b
			}
			if err := l.WaitN(ctx, step); err != nil {
				return err
			}
			left -= step
		}
	}
	return nil
}

// 把若干 limiter 组合起来（nil 会被忽略）
func Compose(lims ...*rate.Limiter) MultiLimiter {
	out := make(MultiLimiter, 0, len(lims))
	for _, l := range lims {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

// 若字符串本身包含 "-----BEGIN" 则视为 PEM 内容，否则按路径读取文件
func ReadPEMorFile(s string) ([]byte, error) {
	if strings.Contains(s, "-----BEGIN ") {
		return []byte(s), nil
	}
	return os.ReadFile(filepath.Clean(s))
}

// 解析逗号分隔的域名/通配符；空串 => 禁用
func ParseGuardList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// 支持通配符 "*.example.com"；其余精确匹配（大小写不敏感）
func MatchAnyHostPattern(host string, patterns []string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	for _, pat := range patterns {
		if wildcardMatch(host, pat) {
			return true
		}
	}
	return false
}

func wildcardMatch(host, pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return false
	}
	if !strings.Contains(pattern, "*") {
		return host == pattern
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := strings.TrimPrefix(pattern, "*.")
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return host == pattern
}

type closeWriter interface {
	CloseWrite() error
}

// 半关闭：支持 CloseWrite 的连接只关写端；否则返回 false 由调用方决定整体关闭
func CloseWrite(c net.Conn) bool {
	if cw, ok := c.(closeWriter); ok {
		return cw.CloseWrite() == nil
	}
	return false
}

func EnableTCPKeepAlive(c net.Conn, period time.Duration) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		if period > 0 {
			_ = tc.SetKeepAlivePeriod(period)
		}
		_ = tc.SetNoDelay(true)
	}
}

// 从 net.Addr 取远端 IP（适配 UDP 的 ReadFromUDP 返回的 raddr）
func RemoteIPFromAddr(a net.Addr) string {
	if a == nil {
		return ""
	}
	switch v := a.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	case *net.UDPAddr:
		return v.IP.String()
	default:
		if ap, err := netip.ParseAddrPort(a.String()); err == nil {
			return ap.Addr().String()
		}
		if ad, err := netip.ParseAddr(a.String()); err == nil {
			return ad.String()
		}
		s := strings.TrimPrefix(a.String(), "[")
		if i := strings.IndexByte(s, ']'); i >= 0 {
			return s[:i]
		}
		if i := strings.LastIndexByte(s, ':'); i > 0 {
			return s[:i]
		}
		return s
	}
}

// IPv4-mapped IPv6 统一成 IPv4，便于与 TCP 控制连接的来源比较
func NormalizeAddr(ip net.IP) netip.Addr {
	ad, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return ad.Unmap()
}

func ParseCIDRs(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			ad, err := netip.ParseAddr(s)
			if err != nil {
				return nil, err
			}
			out = append(out, netip.PrefixFrom(ad.Unmap(), ad.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

func IsDesktop() bool { // Win/macOS 视为“开发机”
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}
