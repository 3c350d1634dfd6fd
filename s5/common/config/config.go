package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"s5proxy/s5/common"
	"s5proxy/s5/common/logx"
	"strings"

	"gopkg.in/yaml.v3"
)

type DBPoolCfg struct {
	MaxOpen        int `yaml:"max_open"`
	MaxIdle        int `yaml:"max_idle"`
	MaxLifetimeSec int `yaml:"max_lifetime_sec"`
}

type DBCfg struct {
	Driver string    `yaml:"driver"` // sqlite | mysql
	DSN    string    `yaml:"dsn"`
	Pool   DBPoolCfg `yaml:"pool"`
	Enable bool      `yaml:"enable"`

	RetentionDays int `yaml:"retention_days"` // traffic_log 保留天数，<=0 不清理
}

type AdminCfg struct {
	Listen    string    `yaml:"listen"`
	JWTSecret string    `yaml:"jwt_secret"`
	TokenTTL  int       `yaml:"token_ttl"` // 分钟
	Username  string    `yaml:"username"`
	Password  string    `yaml:"password"` // 明文或 sha256
	TLS       TLSConfig `yaml:"tls"`      // 有证书则 HTTPS
}

type TLSConfig struct {
	Cert        string `yaml:"cert"`
	Key         string `yaml:"key"`
	SniGuard    string `yaml:"sni_guard"`
	ServerName  string `yaml:"server_name"` // backend-ssl 使用
	SkipVerify  bool   `yaml:"skip_verify"`
	ALPN        string `yaml:"alpn"`        // 逗号分隔
	Fingerprint string `yaml:"fingerprint"` // default | strict13 | modern | compat | tls12-only
}

type CipherCfg struct {
	Algorithm string `yaml:"algorithm"` // aes-256-gcm | chacha20-poly1305
	Key       string `yaml:"key"`
}

type Logging struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"` // 空：桌面 ./log，其余 /var/log/s5proxy
}

type InfluxDB2Config struct {
	BaseURL            string `yaml:"base_url"`
	Token              string `yaml:"token"`
	Org                string `yaml:"org"`
	Bucket             string `yaml:"bucket"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type ListenerConfig struct {
	Name      string    `yaml:"name"`
	Address   string    `yaml:"address"`
	Port      int       `yaml:"port"`
	Transport []string  `yaml:"transport"`
	Cipher    CipherCfg `yaml:"cipher"`
	TLS       TLSConfig `yaml:"tls"`

	ConnectTimeoutMs  int `yaml:"connect_timeout_ms"`
	ReadIdleSec       int `yaml:"read_idle_sec"`
	WriteIdleSec      int `yaml:"write_idle_sec"`
	UDPReadIdleSec    int `yaml:"udp_read_idle_sec"`
	UDPWriteIdleSec   int `yaml:"udp_write_idle_sec"`
	ShapingIntervalMs int `yaml:"shaping_interval_ms"`

	MaxConnection int      `yaml:"max_connection"`
	UDPAllowCIDRs []string `yaml:"udp_allow_cidrs"`
}

type RouteCfg struct {
	Chain         string   `yaml:"chain"`     // 上游 SOCKS5 host:port；空 = 直连
	ChainUDP      string   `yaml:"chain_udp"` // 上游 UDP 中继 host:port；空 = 不走链
	ChainUsername string   `yaml:"chain_username"`
	ChainPassword string   `yaml:"chain_password"`
	Alternates    []string `yaml:"alternates"` // 直连失败后依次尝试的备用上游
	Block         []string `yaml:"block"`      // 目标黑名单，支持 *.example.com
	FakeSuffix    string   `yaml:"fake_suffix"`
}

type UserCfg struct {
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	PassHash  string `yaml:"password_sha256"` // s5proxy hash <PASS> 的输出
	MaxIPs    int    `yaml:"max_ips"`
	UpLimit   int64  `yaml:"up_limit"`   // bytes/s
	DownLimit int64  `yaml:"down_limit"` // bytes/s
}

type AuthCfg struct {
	Mode  string    `yaml:"mode"` // none | anonymous | static | db
	Users []UserCfg `yaml:"users"`
}

type Config struct {
	Logging   Logging          `yaml:"logging"`
	Listeners []ListenerConfig `yaml:"listeners"`
	Route     RouteCfg         `yaml:"route"`
	Auth      AuthCfg          `yaml:"auth"`
	DB        DBCfg            `yaml:"db"`
	Influx    InfluxDB2Config  `yaml:"influx"`
	Admin     AdminCfg         `yaml:"admin"`
}

// ====== 默认 DSN（当 DSN 为空时才生效） ======
func defaultSQLiteDSN() string {
	base := "/var/lib/s5proxy"
	if common.IsDesktop() {
		base = "./lib"
	}
	v := url.Values{}
	v.Set("_pragma_busy_timeout", "5000")
	v.Set("_pragma_journal_mode", "WAL")
	v.Set("_pragma_synchronous", "NORMAL")
	return "file:" + filepath.ToSlash(filepath.Join(base, "s5proxy.db")) + "?" + v.Encode()
}

// ensureDirForFileDSN 确保 file:DSN 的目录存在（对相对/绝对路径都可）
func ensureDirForFileDSN(dsn string) error {
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i] // 去掉查询参数
	}
	return os.MkdirAll(filepath.Dir(p), 0o755)
}

var log = logx.New(logx.WithPrefix("config"))

const fallbackPath = "/etc/s5proxy/config.yaml"

func Load(p string) (*Config, string, error) {
	// 先读指定路径，失败则读 /etc/s5proxy/config.yaml
	b, err := os.ReadFile(p)
	if err != nil {
		log.Warnf("open %s: %v, fallback %s", p, err, fallbackPath)
		p = fallbackPath
		b, err = os.ReadFile(p)
		if err != nil {
			return nil, p, err
		}
	}
	c, err := Parse(b)
	if err != nil {
		return nil, p, err
	}
	return c, p, nil
}

// Parse 解析并补默认值
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "none"
	}
	switch c.Auth.Mode {
	case "none", "anonymous", "static", "db":
	default:
		return nil, fmt.Errorf("auth.mode %q unsupported", c.Auth.Mode)
	}
	if c.Auth.Mode == "db" {
		c.DB.Enable = true
	}
	if c.DB.Enable {
		if c.DB.Driver == "" {
			c.DB.Driver = "sqlite"
		}
		if c.DB.DSN == "" && c.DB.Driver == "sqlite" {
			c.DB.DSN = defaultSQLiteDSN()
		}
		if err := ensureDirForFileDSN(c.DB.DSN); err != nil {
			return nil, err
		}
	}
	if c.Admin.TokenTTL <= 0 {
		c.Admin.TokenTTL = 60 * 2
	}
	for i := range c.Listeners {
		l := &c.Listeners[i]
		if l.Port <= 0 || l.Port > 65535 {
			return nil, fmt.Errorf("listeners[%d]: bad port %d", i, l.Port)
		}
		if l.Name == "" {
			l.Name = fmt.Sprintf("socks5-%d", l.Port)
		}
		if l.ConnectTimeoutMs <= 0 {
			l.ConnectTimeoutMs = 10_000
		}
		if l.ShapingIntervalMs <= 0 {
			l.ShapingIntervalMs = 1000
		}
	}
	return &c, nil
}
