package observe

import (
	"fmt"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/junbin-yang/erbium-go/pkg/coap"
	"github.com/junbin-yang/erbium-go/pkg/coap/transaction"
	log "github.com/junbin-yang/erbium-go/pkg/utils/logger"
)

const (
	DefaultMaxObservers    = transaction.DefaultMaxTransactions - 1
	DefaultRefreshInterval = 60 * time.Second
)

// Observer 一个资源订阅者
type Observer struct {
	URL      string
	Addr     *net.UDPAddr
	token    [8]byte
	tokenLen uint8
	LastMID  uint16 // 最近一次通知的消息ID，用于匹配RST

	refresh time.Time // 到期后下一次通知升级为CON

	slot  int
	inUse bool
}

// Token 订阅时的Token（已拷贝）
func (o *Observer) Token() []byte { return o.token[:o.tokenLen] }

// Config 观察者池参数
type Config struct {
	MaxObservers    int
	RefreshInterval time.Duration
}

// Registry 固定容量的观察者表
// 不做内部加锁，调用方（引擎）负责串行化
type Registry struct {
	cfg   Config
	rev   *coap.Revision
	clock clockwork.Clock
	txm   *transaction.Manager
	mid   func() uint16

	slots []Observer
	free  []int
	live  []*Observer // 插入顺序
}

// NewRegistry 创建观察者表
// 参数：
//   - cfg：池容量和刷新间隔，零值字段取默认
//   - rev：协议草案，决定添加时是否去重
//   - txm：通知使用的事务管理器
//   - mid：消息ID生成器
//   - clock：时钟，nil使用真实时钟
//
// 返回：
//   - *Registry：观察者表
func NewRegistry(cfg Config, rev *coap.Revision, txm *transaction.Manager, mid func() uint16, clock clockwork.Clock) *Registry {
	if cfg.MaxObservers <= 0 {
		cfg.MaxObservers = DefaultMaxObservers
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if rev == nil {
		rev = coap.Draft12
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	r := &Registry{
		cfg:   cfg,
		rev:   rev,
		clock: clock,
		txm:   txm,
		mid:   mid,
		slots: make([]Observer, cfg.MaxObservers),
		free:  make([]int, 0, cfg.MaxObservers),
		live:  make([]*Observer, 0, cfg.MaxObservers),
	}
	for i := cfg.MaxObservers - 1; i >= 0; i-- {
		r.slots[i].slot = i
		r.free = append(r.free, i)
	}
	return r
}

// Cap 池容量
func (r *Registry) Cap() int { return len(r.slots) }

// Len 当前观察者数量
func (r *Registry) Len() int { return len(r.live) }

// Observers 按插入顺序返回当前观察者的快照
func (r *Registry) Observers() []Observer {
	out := make([]Observer, 0, len(r.live))
	for _, o := range r.live {
		out = append(out, *o)
	}
	return out
}

// AddObserver 添加观察者，池满时返回nil
// 去重草案下先删除同一(地址,端口,url)的旧记录，Token总是更新为最新请求的值
func (r *Registry) AddObserver(addr *net.UDPAddr, token []byte, url string) *Observer {
	if r.rev.DedupObservers {
		r.RemoveByURL(addr, url)
	}
	if len(r.free) == 0 {
		log.Warnf("[OBSERVE] 观察者池已满(%d)，拒绝 %s /%s", len(r.slots), addr, url)
		return nil
	}
	idx := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]

	o := &r.slots[idx]
	*o = Observer{
		URL:     url,
		Addr:    coap.CopyAddr(addr),
		refresh: r.clock.Now().Add(r.cfg.RefreshInterval),
		slot:    idx,
		inUse:   true,
	}
	o.tokenLen = uint8(copy(o.token[:], token))
	r.live = append(r.live, o)
	log.Infof("[OBSERVE] 添加观察者 %s /%s token=%x (%d/%d)", addr, url, o.Token(), len(r.live), len(r.slots))
	return o
}

func (r *Registry) remove(match func(o *Observer) bool) int {
	removed := 0
	kept := r.live[:0]
	for _, o := range r.live {
		if match(o) {
			o.inUse = false
			r.free = append(r.free, o.slot)
			removed++
			continue
		}
		kept = append(kept, o)
	}
	for i := len(kept); i < len(r.live); i++ {
		r.live[i] = nil
	}
	r.live = kept
	return removed
}

// RemoveByClient 删除某个对端的所有订阅
func (r *Registry) RemoveByClient(addr *net.UDPAddr) int {
	n := r.remove(func(o *Observer) bool { return coap.SameAddr(o.Addr, addr) })
	if n > 0 {
		log.Infof("[OBSERVE] 删除 %s 的%d个观察者", addr, n)
	}
	return n
}

// RemoveByToken 删除对端使用该Token的订阅
func (r *Registry) RemoveByToken(addr *net.UDPAddr, token []byte) int {
	return r.remove(func(o *Observer) bool {
		return coap.SameAddr(o.Addr, addr) && string(o.Token()) == string(token)
	})
}

// RemoveByURL 删除某资源的订阅，addr为nil时删除所有对端
func (r *Registry) RemoveByURL(addr *net.UDPAddr, url string) int {
	return r.remove(func(o *Observer) bool {
		return o.URL == url && (addr == nil || coap.SameAddr(o.Addr, addr))
	})
}

// RemoveByMID 对端用RST拒绝某次通知时调用
func (r *Registry) RemoveByMID(addr *net.UDPAddr, mid uint16) int {
	n := r.remove(func(o *Observer) bool {
		return coap.SameAddr(o.Addr, addr) && o.LastMID == mid
	})
	if n > 0 {
		log.Infof("[OBSERVE] %s 以RST拒绝mid=%d，删除%d个观察者", addr, mid, n)
	}
	return n
}

// NotifyObservers 向资源的每个观察者发送一次通知，返回成功发出的数量
// 每个观察者使用新的事务和消息ID；刷新定时器到期的观察者收到CON。
// 某个观察者分配事务失败不影响其余观察者。通知码为4.04或5.00时，发送后删除该资源的全部观察者。
func (r *Registry) NotifyObservers(url string, seq uint32, msg *coap.Message) int {
	sent := 0
	now := r.clock.Now()

	// 发送可能同步失败并触发清理，先拍快照
	targets := make([]*Observer, 0, len(r.live))
	for _, o := range r.live {
		if o.URL == url {
			targets = append(targets, o)
		}
	}

	for _, o := range targets {
		if !o.inUse {
			continue
		}
		t := r.txm.NewTransaction(r.mid(), o.Addr)
		if t == nil {
			log.Warnf("[OBSERVE] 无可用事务，跳过 %s /%s", o.Addr, url)
			continue
		}
		o.LastMID = t.MID

		n := *msg
		n.Rev = r.rev
		n.MID = t.MID
		if !now.Before(o.refresh) {
			n.Type = coap.TypeCON
			o.refresh = now.Add(r.cfg.RefreshInterval)
		}
		n.SetToken(o.Token())
		n.SetObserve(seq)

		length, err := coap.Serialize(&n, t.Buffer())
		if err != nil {
			log.Errorf("[OBSERVE] 序列化通知失败 /%s: %v", url, err)
			r.txm.Clear(t)
			continue
		}
		t.Len = length
		if err := r.txm.Send(t); err != nil {
			continue
		}
		sent++
	}

	if msg.Code == coap.NotFound || msg.Code == coap.InternalServerError {
		if n := r.RemoveByURL(nil, url); n > 0 {
			log.Infof("[OBSERVE] /%s 返回%s，删除%d个观察者", url, msg.Code, n)
		}
	}
	return sent
}

// ObserveHandler 资源的后处理钩子，在主处理函数之后调用
// GET且响应无错误时：带Observe和Token则添加订阅，否则取消该对端对此资源的订阅。
// DELETE成功时删除此资源的全部订阅。
func (r *Registry) ObserveHandler(url string, req, resp *coap.Message) {
	if resp.Code.IsError() {
		return
	}

	switch req.Code {
	case coap.GET:
		if _, observe := req.Observe(); observe {
			token, ok := req.Token()
			if !ok || len(token) == 0 {
				return
			}
			if r.AddObserver(req.Remote, token, url) != nil {
				resp.SetObserve(0)
				if len(resp.Payload) == 0 {
					resp.SetPayload([]byte(fmt.Sprintf("Added %d/%d", len(r.live), len(r.slots))))
				}
			} else {
				resp.Code = coap.ServiceUnavailable
				resp.SetPayload([]byte("TooManyObservers"))
			}
			return
		}
		r.RemoveByURL(req.Remote, url)

	case coap.DELETE:
		r.RemoveByURL(nil, url)
	}
}
