package transaction

import (
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/junbin-yang/erbium-go/pkg/coap"
	log "github.com/junbin-yang/erbium-go/pkg/utils/logger"
	"go.uber.org/atomic"
)

const (
	DefaultMaxTransactions = 8
	DefaultResponseTimeout = 2 * time.Second
	DefaultRandomFactor    = 1.5
	DefaultMaxRetransmit   = 4
)

var (
	ErrNilTransaction = errors.New("nil transaction")
	ErrNotInUse       = errors.New("transaction slot not in use")
	ErrEmptyPacket    = errors.New("transaction packet is empty")
)

// Callback 响应回调，超时放弃时resp为nil
// resp只在回调期间有效，需要保留时调用resp.Clone()
type Callback func(resp *coap.Message)

// Transaction 一次可靠交互：拥有序列化后的数据报，直到收到匹配响应或重传耗尽
type Transaction struct {
	MID  uint16
	Addr *net.UDPAddr

	Packet []byte // 固定大小的发送缓冲区
	Len    int    // 已序列化长度

	Callback Callback

	retransCounter int
	interval       time.Duration
	deadline       time.Time
	retained       bool

	slot  int
	inUse bool
}

// Buffer 可写入的完整发送缓冲区
func (t *Transaction) Buffer() []byte { return t.Packet }

// Bytes 已序列化的数据报
func (t *Transaction) Bytes() []byte { return t.Packet[:t.Len] }

// Type 从已序列化的头部读取消息类型
func (t *Transaction) Type() coap.Type {
	if t.Len == 0 {
		return coap.TypeNON
	}
	return coap.Type((t.Packet[0] & 0x30) >> 4)
}

// Retries 已重传次数
func (t *Transaction) Retries() int { return t.retransCounter }

// Deadline 下一次重传（或超时）的时间
func (t *Transaction) Deadline() time.Time { return t.deadline }

// Config 事务管理参数
type Config struct {
	MaxTransactions int
	PacketSize      int
	ResponseTimeout time.Duration // 首次重传的基础间隔
	RandomFactor    float64       // 首次间隔在[base, base*RandomFactor)内随机
	MaxRetransmit   int
}

func (c *Config) setDefaults() {
	if c.MaxTransactions <= 0 {
		c.MaxTransactions = DefaultMaxTransactions
	}
	if c.PacketSize <= 0 {
		c.PacketSize = coap.MaxPacketSize
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.RandomFactor < 1 {
		c.RandomFactor = DefaultRandomFactor
	}
	if c.MaxRetransmit <= 0 {
		c.MaxRetransmit = DefaultMaxRetransmit
	}
}

// Stats 统计
type Stats struct {
	Sent          atomic.Uint64
	Retransmitted atomic.Uint64
	TimedOut      atomic.Uint64
	Exhausted     atomic.Uint64
}

// Manager 固定容量的事务池
// 不做内部加锁，调用方（引擎）负责串行化
type Manager struct {
	cfg       Config
	transport coap.Transport
	clock     clockwork.Clock

	slots []Transaction
	free  []int
	live  []*Transaction // 按创建顺序

	// OnTimeout 重传耗尽、回调之前调用（引擎在此移除该对端的观察者）
	OnTimeout func(t *Transaction)
	// OnRetransmit 每次重传后调用
	OnRetransmit func(t *Transaction)

	Stats Stats
}

// NewManager 创建事务管理器
// 参数：
//   - cfg：池容量、超时和重传参数，零值字段取默认
//   - transport：数据报发送接口
//   - clock：时钟，nil使用真实时钟
//
// 返回：
//   - *Manager：事务管理器
func NewManager(cfg Config, transport coap.Transport, clock clockwork.Clock) *Manager {
	cfg.setDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := &Manager{
		cfg:       cfg,
		transport: transport,
		clock:     clock,
		slots:     make([]Transaction, cfg.MaxTransactions),
		free:      make([]int, 0, cfg.MaxTransactions),
		live:      make([]*Transaction, 0, cfg.MaxTransactions),
	}
	for i := cfg.MaxTransactions - 1; i >= 0; i-- {
		m.slots[i].slot = i
		m.slots[i].Packet = make([]byte, cfg.PacketSize)
		m.free = append(m.free, i)
	}
	return m
}

// Config 生效的配置
func (m *Manager) Config() Config { return m.cfg }

// Cap 池容量
func (m *Manager) Cap() int { return len(m.slots) }

// Len 在用事务数
func (m *Manager) Len() int { return len(m.live) }

// NewTransaction 从池中分配一个事务，池耗尽时返回nil
func (m *Manager) NewTransaction(mid uint16, addr *net.UDPAddr) *Transaction {
	if len(m.free) == 0 {
		m.Stats.Exhausted.Inc()
		log.Warnf("[TRANSACTION] 事务池已满(%d)，mid=%d", len(m.slots), mid)
		return nil
	}
	idx := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]

	t := &m.slots[idx]
	packet := t.Packet
	*t = Transaction{
		MID:    mid,
		Addr:   coap.CopyAddr(addr),
		Packet: packet,
		slot:   idx,
		inUse:  true,
	}
	m.live = append(m.live, t)
	log.Debugf("[TRANSACTION] 新建事务 mid=%d -> %s", mid, addr)
	return t
}

// Send 发送事务中的数据报
// CON消息保留在池中并启动重传定时器；NON/ACK/RST发送后立即释放
func (m *Manager) Send(t *Transaction) error {
	if t == nil {
		return ErrNilTransaction
	}
	if !t.inUse {
		return ErrNotInUse
	}
	if t.Len == 0 {
		m.Clear(t)
		return ErrEmptyPacket
	}

	err := m.transport.SendTo(t.Addr, t.Bytes())
	if err != nil {
		log.Warnf("[TRANSACTION] 发送失败 mid=%d: %v", t.MID, err)
	} else {
		m.Stats.Sent.Inc()
	}

	if t.Type() != coap.TypeCON {
		m.Clear(t)
		return err
	}

	if t.retransCounter == 0 {
		t.interval = m.initialInterval()
	} else {
		t.interval <<= 1
	}
	t.deadline = m.clock.Now().Add(t.interval)
	t.retained = true
	log.Debugf("[TRANSACTION] mid=%d 第%d次发送，%v后重传", t.MID, t.retransCounter, t.interval)
	return err
}

func (m *Manager) initialInterval() time.Duration {
	base := m.cfg.ResponseTimeout
	if m.cfg.RandomFactor <= 1 {
		return base
	}
	jitter := time.Duration(rand.Float64() * (m.cfg.RandomFactor - 1) * float64(base))
	return base + jitter
}

// CheckTransactions 处理到期的事务：重传，或在重传次数超过上限后放弃
// 放弃时依次调用OnTimeout、释放事务、以nil响应调用回调
func (m *Manager) CheckTransactions() {
	now := m.clock.Now()

	// 回调可能新建或清除事务，先拍快照
	due := make([]*Transaction, 0, len(m.live))
	for _, t := range m.live {
		if t.retained && !now.Before(t.deadline) {
			due = append(due, t)
		}
	}

	for _, t := range due {
		if !t.inUse {
			continue
		}
		t.retransCounter++
		if t.retransCounter <= m.cfg.MaxRetransmit {
			log.Infof("[TRANSACTION] 重传 mid=%d (%d/%d)", t.MID, t.retransCounter, m.cfg.MaxRetransmit)
			m.Stats.Retransmitted.Inc()
			_ = m.Send(t)
			if m.OnRetransmit != nil {
				m.OnRetransmit(t)
			}
			continue
		}

		log.Warnf("[TRANSACTION] 事务超时 mid=%d -> %s", t.MID, t.Addr)
		m.Stats.TimedOut.Inc()
		if m.OnTimeout != nil {
			m.OnTimeout(t)
		}
		cb := t.Callback
		m.Clear(t)
		if cb != nil {
			cb(nil)
		}
	}
}

// Clear 停止定时器并归还槽位，t为nil时什么都不做
func (m *Manager) Clear(t *Transaction) {
	if t == nil || !t.inUse {
		return
	}
	for i, lt := range m.live {
		if lt == t {
			m.live = append(m.live[:i], m.live[i+1:]...)
			break
		}
	}
	t.inUse = false
	t.retained = false
	t.Callback = nil
	t.Len = 0
	m.free = append(m.free, t.slot)
}

// GetByMID 按消息ID查找在用事务，返回第一个匹配项
func (m *Manager) GetByMID(mid uint16) *Transaction {
	for _, t := range m.live {
		if t.MID == mid {
			return t
		}
	}
	return nil
}

// NextDeadline 最早的重传时间
func (m *Manager) NextDeadline() (time.Time, bool) {
	var next time.Time
	found := false
	for _, t := range m.live {
		if !t.retained {
			continue
		}
		if !found || t.deadline.Before(next) {
			next = t.deadline
			found = true
		}
	}
	return next, found
}
