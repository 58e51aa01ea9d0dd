package engine

import (
	"time"

	"github.com/junbin-yang/erbium-go/pkg/coap"
	"github.com/junbin-yang/erbium-go/pkg/coap/observe"
	"github.com/junbin-yang/erbium-go/pkg/coap/transaction"
	"github.com/pkg/errors"
)

const (
	DefaultTickInterval = 100 * time.Millisecond
	DefaultMaxAttempts  = 4
)

var ErrPoolSizing = errors.New("observer pool must be smaller than transaction pool")

// Config 引擎参数，零值字段取默认
type Config struct {
	Revision *coap.Revision

	MaxTransactions int
	MaxObservers    int // 默认MaxTransactions-1

	ResponseTimeout time.Duration
	RandomFactor    float64
	MaxRetransmit   int

	ChunkSize     int // 单块负载上限
	MaxHeaderSize int // 头部加选项的预留
	PacketSize    int

	ObserveRefresh time.Duration
	TickInterval   time.Duration
	MaxAttempts    int // 阻塞请求容忍的错块次数
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	c := Config{}
	c.SetDefaults()
	return c
}

// SetDefaults 零值字段填入默认值
func (c *Config) SetDefaults() {
	if c.Revision == nil {
		c.Revision = coap.Draft12
	}
	if c.MaxTransactions <= 0 {
		c.MaxTransactions = transaction.DefaultMaxTransactions
	}
	if c.MaxObservers <= 0 {
		c.MaxObservers = c.MaxTransactions - 1
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = transaction.DefaultResponseTimeout
	}
	if c.RandomFactor < 1 {
		c.RandomFactor = transaction.DefaultRandomFactor
	}
	if c.MaxRetransmit <= 0 {
		c.MaxRetransmit = transaction.DefaultMaxRetransmit
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = coap.DefaultChunkSize
	}
	if c.MaxHeaderSize <= 0 {
		c.MaxHeaderSize = coap.DefaultMaxHeaderSize
	}
	if c.PacketSize <= 0 {
		c.PacketSize = coap.MaxPacketSize
	}
	if c.ObserveRefresh <= 0 {
		c.ObserveRefresh = observe.DefaultRefreshInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
}

// Validate 检查参数之间的约束
// 每个CON通知占用一个事务，观察者数量必须小于事务池容量
func (c *Config) Validate() error {
	if c.MaxObservers >= c.MaxTransactions {
		return errors.Wrapf(ErrPoolSizing, "observers=%d transactions=%d", c.MaxObservers, c.MaxTransactions)
	}
	if c.ChunkSize > coap.MaxBlockSize || !coap.ValidBlockSize(uint16(c.ChunkSize)) {
		return errors.Errorf("chunk size %d is not a block size", c.ChunkSize)
	}
	if c.PacketSize < c.MaxHeaderSize+c.ChunkSize {
		return errors.Errorf("packet size %d cannot hold header %d + chunk %d", c.PacketSize, c.MaxHeaderSize, c.ChunkSize)
	}
	return nil
}
