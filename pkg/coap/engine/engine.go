package engine

import (
	"math/rand"
	"net"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/junbin-yang/erbium-go/pkg/coap"
	"github.com/junbin-yang/erbium-go/pkg/coap/observe"
	"github.com/junbin-yang/erbium-go/pkg/coap/transaction"
	"github.com/junbin-yang/erbium-go/pkg/erbium"
	"github.com/junbin-yang/erbium-go/pkg/metrics"
	log "github.com/junbin-yang/erbium-go/pkg/utils/logger"
)

// 单个数据报的处理状态
type status uint8

const (
	statusOK status = iota
	statusError
	statusManualResponse // 分离响应：清除事务但不发送
	statusPing           // 空CON：以RST回复
)

// Option 引擎可选项
type Option func(*Engine)

// WithClock 注入时钟（测试用假时钟）
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics 挂接Prometheus指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMIDSeed 固定消息ID起点
func WithMIDSeed(mid uint16) Option {
	return func(e *Engine) { e.mid = mid }
}

// Engine 协议引擎：一个实例拥有事务池、观察者表和资源表
// 所有状态由mu串行化；资源处理函数在锁内执行，周期任务和客户端回调在锁外执行
type Engine struct {
	mu sync.Mutex

	cfg       Config
	rev       *coap.Revision
	transport coap.Transport
	clock     clockwork.Clock
	metrics   *metrics.Metrics

	txm        *transaction.Manager
	observers  *observe.Registry
	dispatcher *erbium.Dispatcher

	mid uint16

	// 当前数据报的处理状态
	status  status
	errCode coap.Code
	errMsg  string
	current *transaction.Transaction

	inbound    coap.Message
	response   coap.Message
	payloadBuf []byte

	observing map[string]*observeClient // 客户端订阅，按Token索引
	deferred  []func()                  // 释放锁之后执行的回调
}

// New 创建引擎
// 参数：
//   - cfg：引擎参数，零值字段取默认
//   - transport：数据报发送接口
//   - opts：可选项
//
// 返回：
//   - *Engine：引擎实例
//   - error：参数不满足约束
func New(cfg Config, transport coap.Transport, opts ...Option) (*Engine, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		rev:        cfg.Revision,
		mid:        uint16(rand.Intn(1 << 16)),
		payloadBuf: make([]byte, cfg.PacketSize-cfg.MaxHeaderSize),
		observing:  make(map[string]*observeClient),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	e.transport = &countingTransport{next: transport, e: e}

	e.txm = transaction.NewManager(transaction.Config{
		MaxTransactions: cfg.MaxTransactions,
		PacketSize:      cfg.PacketSize,
		ResponseTimeout: cfg.ResponseTimeout,
		RandomFactor:    cfg.RandomFactor,
		MaxRetransmit:   cfg.MaxRetransmit,
	}, e.transport, e.clock)
	e.observers = observe.NewRegistry(observe.Config{
		MaxObservers:    cfg.MaxObservers,
		RefreshInterval: cfg.ObserveRefresh,
	}, e.rev, e.txm, e.nextMID, e.clock)
	e.dispatcher = erbium.NewDispatcher(e.clock, e.subscribe)

	e.txm.OnTimeout = func(t *transaction.Transaction) {
		// 对端连续不应答，视为离线
		e.observers.RemoveByClient(t.Addr)
		e.metricTimeout()
	}
	e.txm.OnRetransmit = func(t *transaction.Transaction) {
		e.metricRetransmit()
	}

	if err := e.dispatcher.RegisterWellKnownCore(); err != nil {
		return nil, err
	}
	log.Infof("[ENGINE] 初始化完成 rev=%s transactions=%d observers=%d chunk=%d",
		e.rev, cfg.MaxTransactions, cfg.MaxObservers, cfg.ChunkSize)
	return e, nil
}

// Config 生效的配置
func (e *Engine) Config() Config { return e.cfg }

// Revision 使用的协议草案
func (e *Engine) Revision() *coap.Revision { return e.rev }

func (e *Engine) nextMID() uint16 {
	e.mid++
	return e.mid
}

// Register 注册普通资源
func (e *Engine) Register(r *erbium.Resource) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatcher.Register(r)
}

// RegisterEvent 注册事件资源，事件发生时调用NotifyObservers
func (e *Engine) RegisterEvent(r *erbium.Resource) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatcher.RegisterEvent(r)
}

// RegisterPeriodic 注册周期资源，周期任务由Tick驱动
func (e *Engine) RegisterPeriodic(r *erbium.Resource) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatcher.RegisterPeriodic(r)
}

// LinkFormat 资源发现内容
func (e *Engine) LinkFormat(filter string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatcher.LinkFormat(filter)
}

// OpenTransactions 在用事务数
func (e *Engine) OpenTransactions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.txm.Len()
}

// Observers 当前观察者快照
func (e *Engine) Observers() []observe.Observer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observers.Observers()
}

func (e *Engine) subscribe(url string, req, resp *coap.Message) {
	e.observers.ObserveHandler(url, req, resp)
	if resp.Code == coap.ServiceUnavailable {
		e.metricExhausted("observers")
	}
}

// NotifyObservers 向资源的所有观察者发送通知，返回发出的数量
// msg提供类型、响应码和负载；Token、Observe序号和消息ID逐个观察者填写
func (e *Engine) NotifyObservers(url string, seq uint32, msg *coap.Message) int {
	e.mu.Lock()
	n := e.observers.NotifyObservers(url, seq, msg)
	e.metricNotify(url, n)
	e.updateGauges()
	e.mu.Unlock()
	return n
}

// HandleDatagram 处理一个收到的数据报
// data可能被就地改写（错误响应复用接收缓冲区）
func (e *Engine) HandleDatagram(src *net.UDPAddr, data []byte) {
	e.mu.Lock()
	e.receive(src, data)
	e.updateGauges()
	deferred := e.takeDeferred()
	e.mu.Unlock()

	for _, f := range deferred {
		f()
	}
}

// Tick 检查重传定时器，并在锁外执行到期的周期任务
func (e *Engine) Tick() {
	e.mu.Lock()
	e.txm.CheckTransactions()
	due := e.dispatcher.DuePeriodic()
	e.updateGauges()
	deferred := e.takeDeferred()
	e.mu.Unlock()

	for _, f := range deferred {
		f()
	}
	for _, r := range due {
		log.Debugf("[ENGINE] 周期任务 /%s", r.URL)
		r.Periodic.Handler(r)
	}
}

func (e *Engine) takeDeferred() []func() {
	d := e.deferred
	e.deferred = nil
	return d
}

func (e *Engine) setError(code coap.Code, msg string) {
	e.status = statusError
	e.errCode = code
	e.errMsg = msg
}

func (e *Engine) receive(src *net.UDPAddr, data []byte) {
	e.status = statusOK
	e.errCode = 0
	e.errMsg = ""
	e.current = nil

	msg := &e.inbound
	msg.Remote = nil
	err := coap.Parse(e.rev, msg, data)
	msg.Remote = src

	if err != nil {
		e.metricParseError(err)
		if err == coap.ErrPacketTooShort {
			// 没有可用的头部，无法回复
			log.Debugf("[ENGINE] 丢弃 %s 的短数据报(%d字节)", src, len(data))
			return
		}
		if cerr, ok := err.(*coap.Error); ok {
			e.setError(cerr.Code, cerr.Reason)
		} else {
			e.setError(coap.InternalServerError, err.Error())
		}
		log.Warnf("[ENGINE] 解析 %s 的数据报失败: %v", src, err)
	} else {
		e.metricIn(msg.Type)
		log.Debugf("[ENGINE] 收到 %s <- %s", msg, src)
		if msg.IsRequest() {
			e.handleRequest(msg)
		} else {
			e.handleResponse(msg)
		}
	}

	switch e.status {
	case statusOK:
		if e.current != nil {
			_ = e.txm.Send(e.current)
		}
	case statusManualResponse:
		e.txm.Clear(e.current)
	default:
		e.txm.Clear(e.current)
		e.replyError(src, msg, data)
	}
	e.current = nil
}

func (e *Engine) handleRequest(req *coap.Message) {
	start := e.clock.Now()

	t := e.txm.NewTransaction(req.MID, req.Remote)
	if t == nil {
		e.metricExhausted("transactions")
		e.setError(coap.ServiceUnavailable, "NoFreeTraBuffer")
		return
	}
	e.current = t

	resp := &e.response
	resp.Remote = nil
	if req.Type == coap.TypeCON {
		// 捎带响应
		resp.Init(e.rev, coap.TypeACK, coap.Content, req.MID)
	} else {
		resp.Init(e.rev, coap.TypeNON, coap.Content, e.nextMID())
	}
	resp.Remote = req.Remote
	if tok, ok := req.Token(); ok {
		resp.SetToken(tok)
	}

	chunk := e.cfg.ChunkSize
	blockSize := chunk
	var blockNum, blockOffset uint32
	b2, hasBlock2 := req.Block2()
	if hasBlock2 {
		blockNum = b2.Num
		blockOffset = b2.Offset
		blockSize = min(int(b2.Size), chunk)
	}
	newOffset := int32(blockOffset)

	if e.dispatcher.Dispatch(req, resp, e.payloadBuf, blockSize, &newOffset) && e.status == statusOK {
		_, hasBlock1 := req.Block1()
		switch {
		case hasBlock1 && !resp.Code.IsError() && !resp.IsOption(coap.OptionBlock1):
			e.setError(coap.NotImplemented, "NoBlock1Support")

		case hasBlock2:
			if newOffset == int32(blockOffset) {
				// 处理函数不感知分块，由引擎切片
				if int(blockOffset) >= len(resp.Payload) {
					resp.Code = coap.BadOption
					resp.SetPayload([]byte("BlockOutOfScope"))
				} else {
					rest := len(resp.Payload) - int(blockOffset)
					resp.SetBlock2(blockNum, rest > blockSize, uint16(blockSize))
					resp.SetPayload(resp.Payload[blockOffset : int(blockOffset)+min(rest, blockSize)])
				}
			} else {
				resp.SetBlock2(blockNum, newOffset != -1 || len(resp.Payload) > blockSize, uint16(blockSize))
				if len(resp.Payload) > blockSize {
					resp.SetPayload(resp.Payload[:blockSize])
				}
			}

		case newOffset != 0:
			resp.SetBlock2(0, newOffset != -1, uint16(chunk))
			resp.SetPayload(resp.Payload[:min(len(resp.Payload), chunk)])

		case len(resp.Payload) > chunk:
			// 未请求分块但表述超过一块：发送第0块
			resp.SetBlock2(0, true, uint16(chunk))
			resp.SetPayload(resp.Payload[:chunk])
		}
	}

	e.metricRequest(req.Code, resp.Code, e.clock.Since(start))

	if e.status != statusOK {
		return
	}
	n, err := coap.SerializeWithLimit(resp, t.Buffer(), e.cfg.MaxHeaderSize)
	if err != nil {
		log.Errorf("[ENGINE] 序列化响应失败: %v", err)
		e.setError(coap.InternalServerError, "PacketSerializationError")
		return
	}
	t.Len = n
	log.Debugf("[ENGINE] 响应 %s -> %s", resp, req.Remote)
}

func (e *Engine) handleResponse(msg *coap.Message) {
	if msg.Type == coap.TypeCON && msg.Code == coap.CodeEmpty {
		log.Debugf("[ENGINE] 收到 %s 的ping", msg.Remote)
		e.status = statusPing
		return
	}
	if msg.Type == coap.TypeRST {
		// MID已被新通知覆盖时按RST携带的Token删除
		if e.observers.RemoveByMID(msg.Remote, msg.MID) == 0 {
			if token, ok := msg.Token(); ok && len(token) > 0 {
				e.observers.RemoveByToken(msg.Remote, token)
			}
		}
	}

	if t := e.txm.GetByMID(msg.MID); t != nil {
		cb := t.Callback
		e.txm.Clear(t)
		if cb != nil {
			cb(msg)
		}
		return
	}

	if e.deliverNotification(msg) {
		return
	}
	if msg.Type == coap.TypeCON {
		// 无法匹配的CON响应以RST拒绝，服务端据此取消订阅
		e.sendEmpty(msg.Remote, coap.TypeRST, msg.MID)
		return
	}
	log.Debugf("[ENGINE] 丢弃无匹配的响应 mid=%d", msg.MID)
}

func (e *Engine) replyError(src *net.UDPAddr, msg *coap.Message, data []byte) {
	mid := msg.MID
	if e.status == statusPing {
		msg.Init(e.rev, coap.TypeRST, coap.CodeEmpty, mid)
	} else {
		code := e.errCode
		if code >= 192 {
			code = coap.InternalServerError
		}
		msg.Init(e.rev, coap.TypeACK, code, mid)
		msg.SetPayload([]byte(e.errMsg))
	}

	// 复用接收缓冲区
	buf := data[:cap(data)]
	if len(buf) < coap.HeaderLen+len(msg.Payload) {
		buf = make([]byte, coap.HeaderLen+len(msg.Payload))
	}
	n, err := coap.Serialize(msg, buf)
	if err != nil {
		log.Errorf("[ENGINE] 序列化错误响应失败: %v", err)
		return
	}
	if err := e.transport.SendTo(src, buf[:n]); err != nil {
		log.Warnf("[ENGINE] 发送错误响应失败: %v", err)
	}
}

func (e *Engine) sendEmpty(addr *net.UDPAddr, typ coap.Type, mid uint16) {
	var buf [coap.HeaderLen]byte
	m := coap.NewMessage(e.rev, typ, coap.CodeEmpty, mid)
	n, err := coap.Serialize(m, buf[:])
	if err != nil {
		return
	}
	if err := e.transport.SendTo(addr, buf[:n]); err != nil {
		log.Warnf("[ENGINE] 发送空%s失败: %v", typ, err)
	}
}

// countingTransport 统计发出的数据报
type countingTransport struct {
	next coap.Transport
	e    *Engine
}

func (c *countingTransport) SendTo(addr *net.UDPAddr, data []byte) error {
	err := c.next.SendTo(addr, data)
	if err == nil && len(data) > 0 {
		c.e.metricOut(coap.Type((data[0] & 0x30) >> 4))
	}
	return err
}
