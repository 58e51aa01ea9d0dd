package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/junbin-yang/erbium-go/pkg/coap"
	"github.com/junbin-yang/erbium-go/pkg/coap/engine"
	log "github.com/junbin-yang/erbium-go/pkg/utils/logger"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

var (
	APPNAME    string = "erbium"
	VERSION    string = "undefined"
	BUILD_TIME string = "undefined"
	GO_VERSION string = "undefined"
)

// EnvPrefix 环境变量前缀，例如 ERBIUM_COAP_REVISION
const EnvPrefix = "ERBIUM_"

// Duration 支持"2s"、"100ms"形式的时长
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	// 纯数字按毫秒
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Listen struct {
	Addr      string `yaml:"addr" toml:"addr" env:"ADDR"`
	Port      int    `yaml:"port" toml:"port" env:"PORT"`
	Multicast string `yaml:"multicast" toml:"multicast" env:"MULTICAST"` // 加入的组播组，空表示不加入
	Interface string `yaml:"interface" toml:"interface" env:"INTERFACE"`
}

type Coap struct {
	Revision        string   `yaml:"revision" toml:"revision" env:"REVISION"` // draft-03 / draft-07 / draft-12
	MaxTransactions int      `yaml:"max_transactions" toml:"max_transactions" env:"MAX_TRANSACTIONS"`
	MaxObservers    int      `yaml:"max_observers" toml:"max_observers" env:"MAX_OBSERVERS"`
	ResponseTimeout Duration `yaml:"response_timeout" toml:"response_timeout" env:"RESPONSE_TIMEOUT"`
	MaxRetransmit   int      `yaml:"max_retransmit" toml:"max_retransmit" env:"MAX_RETRANSMIT"`
	ChunkSize       int      `yaml:"chunk_size" toml:"chunk_size" env:"CHUNK_SIZE"`
	MaxHeaderSize   int      `yaml:"max_header_size" toml:"max_header_size" env:"MAX_HEADER_SIZE"`
	ObserveRefresh  Duration `yaml:"observe_refresh" toml:"observe_refresh" env:"OBSERVE_REFRESH"`
	TickInterval    Duration `yaml:"tick_interval" toml:"tick_interval" env:"TICK_INTERVAL"`
}

type Metrics struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" toml:"addr" env:"ADDR"`
}

type Logger struct {
	Dir      string `yaml:"dir" toml:"dir" env:"DIR"`
	Level    string `yaml:"level" toml:"level" env:"LEVEL"`
	Rotate   bool   `yaml:"rotate" toml:"rotate" env:"ROTATE"`
	RotateBy string `yaml:"rotate_by" toml:"rotate_by" env:"ROTATE_BY"` // time / size
}

type Config struct {
	Listen  Listen  `yaml:"listen" toml:"listen" envPrefix:"LISTEN_"`
	Coap    Coap    `yaml:"coap" toml:"coap" envPrefix:"COAP_"`
	Metrics Metrics `yaml:"metrics" toml:"metrics" envPrefix:"METRICS_"`
	Logger  Logger  `yaml:"logger" toml:"logger" envPrefix:"LOGGER_"`
}

// Default 未配置时的取值
func Default() *Config {
	conf := &Config{}
	conf.Listen.Port = coap.DefaultPort
	conf.Coap.Revision = coap.Draft12.Name
	conf.Metrics.Addr = ":9100"
	conf.Logger.Level = "info"
	conf.Logger.RotateBy = "time"
	return conf
}

// Usage 打印版本信息和命令行参数
func Usage() {
	fmt.Fprintln(os.Stdout, APPNAME+", version: "+VERSION+" (built at "+BUILD_TIME+") "+GO_VERSION)
	flag.PrintDefaults()
}

// Load 读取配置文件（按扩展名选择yaml或toml），再用环境变量覆盖
// 参数：
//   - path：配置文件路径，为空时只读取环境变量
//
// 返回：
//   - *Config：配置
//   - error：读取或解析失败
func Load(path string) (*Config, error) {
	conf := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			if _, err := toml.Decode(string(data), conf); err != nil {
				return nil, errors.Wrapf(err, "parse %s", path)
			}
		default:
			if err := yaml.Unmarshal(data, conf); err != nil {
				return nil, errors.Wrapf(err, "parse %s", path)
			}
		}
	}

	if err := LoadEnv(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// LoadEnv 加载当前目录的.env（不存在时忽略），然后应用ERBIUM_*环境变量
func LoadEnv(conf *Config) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		log.Warnf("[ERBIUM] 读取.env失败: %v", err)
	}
	if err := env.ParseWithOptions(conf, env.Options{Prefix: EnvPrefix}); err != nil {
		return errors.Wrap(err, "parse environment")
	}
	return nil
}

// Parse 依次查找 <程序目录>/erbium.yml 和 /etc/erbium.yml，失败时panic
func Parse() *Config {
	ex, e := os.Executable()
	if e != nil {
		panic(e)
	}

	cfile := filepath.Join(filepath.Dir(ex), APPNAME+".yml")
	if _, err := os.Stat(cfile); os.IsNotExist(err) {
		cfile = "/etc/" + APPNAME + ".yml"
	}
	if _, err := os.Stat(cfile); os.IsNotExist(err) {
		cfile = ""
	}

	conf, err := Load(cfile)
	if err != nil {
		panic(err)
	}
	if conf.Logger.Rotate && len(conf.Logger.Dir) == 0 {
		conf.Logger.Dir = filepath.Dir(ex)
	}
	if err := conf.Validate(); err != nil {
		panic(err)
	}
	conf.ApplyLogger()
	return conf
}

// EngineConfig 转换为引擎参数，未配置的字段由引擎取默认值
func (c *Config) EngineConfig() (engine.Config, error) {
	rev, err := coap.RevisionByName(c.Coap.Revision)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Revision:        rev,
		MaxTransactions: c.Coap.MaxTransactions,
		MaxObservers:    c.Coap.MaxObservers,
		ResponseTimeout: c.Coap.ResponseTimeout.Std(),
		MaxRetransmit:   c.Coap.MaxRetransmit,
		ChunkSize:       c.Coap.ChunkSize,
		MaxHeaderSize:   c.Coap.MaxHeaderSize,
		ObserveRefresh:  c.Coap.ObserveRefresh.Std(),
		TickInterval:    c.Coap.TickInterval.Std(),
	}, nil
}

// Validate 检查取值范围和引擎参数约束
func (c *Config) Validate() error {
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Listen.Port)
	}
	if c.Listen.Multicast != "" {
		if ip := net.ParseIP(c.Listen.Multicast); ip == nil || !ip.IsMulticast() {
			return errors.Errorf("invalid multicast group %q", c.Listen.Multicast)
		}
	}
	switch c.Logger.RotateBy {
	case "", "time", "size":
	default:
		return errors.Errorf("invalid logger.rotate_by %q", c.Logger.RotateBy)
	}

	ec, err := c.EngineConfig()
	if err != nil {
		return err
	}
	ec.SetDefaults()
	return ec.Validate()
}

// ListenAddr 监听地址
func (c *Config) ListenAddr() (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(c.Listen.Addr, strconv.Itoa(c.Listen.Port)))
	if err != nil {
		return nil, errors.Wrap(coap.ErrAddressInvalid, err.Error())
	}
	return addr, nil
}

// ApplyLogger 按Logger配置替换默认日志实例并设置级别
func (c *Config) ApplyLogger() {
	defer log.Sync()
	if c.Logger.Rotate {
		file := filepath.Join(c.Logger.Dir, APPNAME+".log")
		out := log.NewProductionRotateByTime(file)
		if c.Logger.RotateBy == "size" {
			out = log.NewProductionRotateBySize(file)
		}
		logger := log.New(out, log.InfoLevel)
		log.ReplaceDefault(logger)
	}
	switch c.Logger.Level {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}
