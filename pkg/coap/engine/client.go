package engine

import (
	"context"
	"net"

	"github.com/junbin-yang/erbium-go/pkg/coap"
	log "github.com/junbin-yang/erbium-go/pkg/utils/logger"
	"github.com/pkg/errors"
)

var (
	ErrPoolExhausted  = errors.New("no free transaction")
	ErrNotConfirmable = errors.New("request must be confirmable")
	ErrNoResponse     = errors.New("no response from server")
	ErrBlockMismatch  = errors.New("too many unexpected blocks")
	ErrNoToken        = errors.New("observe request needs a token")
	ErrObserveRefused = errors.New("server did not accept the observation")
)

// ResponseHandler 客户端回调，在引擎锁外执行
// resp为nil表示重传耗尽仍未收到响应；非nil时是独立拷贝，可以保留
type ResponseHandler func(resp *coap.Message)

type observeClient struct {
	addr     *net.UDPAddr
	token    string
	onNotify ResponseHandler
}

// SendRequest 以新的消息ID发送请求
// CON请求在收到响应或超时后调用cb；NON请求发出即释放，不会回调。
// msg的MID和Rev会被改写。不得在资源处理函数内调用。
func (e *Engine) SendRequest(addr *net.UDPAddr, msg *coap.Message, cb ResponseHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sendRequestLocked(addr, msg, cb)
}

func (e *Engine) sendRequestLocked(addr *net.UDPAddr, msg *coap.Message, cb ResponseHandler) error {
	t := e.txm.NewTransaction(e.nextMID(), addr)
	if t == nil {
		e.metricExhausted("transactions")
		return ErrPoolExhausted
	}
	msg.Rev = e.rev
	msg.MID = t.MID

	n, err := coap.SerializeWithLimit(msg, t.Buffer(), e.cfg.MaxHeaderSize)
	if err != nil {
		e.txm.Clear(t)
		return errors.Wrap(err, "serialize request")
	}
	t.Len = n

	if cb != nil {
		t.Callback = func(resp *coap.Message) {
			var c *coap.Message
			if resp != nil {
				c = resp.Clone()
			}
			e.deferred = append(e.deferred, func() { cb(c) })
		}
	}
	log.Debugf("[ENGINE] 请求 %s -> %s", msg, addr)
	err = e.txm.Send(t)
	e.updateGauges()
	return err
}

// Request 发送CON请求并阻塞到收齐全部Block2分块
// 每个分块调用一次onBlock；同一时刻只有一个未完成的请求。
// 超时返回ErrNoResponse；ctx取消时放弃等待，事务仍占用槽位直到超时。
func (e *Engine) Request(ctx context.Context, addr *net.UDPAddr, req *coap.Message, onBlock ResponseHandler) error {
	if req.Type != coap.TypeCON {
		return ErrNotConfirmable
	}

	// 首个响应之后沿用服务端给出的块大小，按字节偏移换算块号
	var offset uint32
	size := uint16(e.cfg.ChunkSize)
	wrong := 0
	for {
		r := req.Clone()
		if offset > 0 {
			r.SetBlock2(offset/uint32(size), false, size)
		}

		done := make(chan *coap.Message, 1)
		if err := e.SendRequest(addr, r, func(resp *coap.Message) { done <- resp }); err != nil {
			return err
		}

		var resp *coap.Message
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp = <-done:
		}
		if resp == nil {
			return ErrNoResponse
		}

		b2, blockwise := resp.Block2()
		if blockwise && b2.Offset != offset {
			wrong++
			log.Warnf("[ENGINE] 期望偏移%d，收到块%d/%d (%d/%d)", offset, b2.Num, b2.Size, wrong, e.cfg.MaxAttempts)
			if wrong >= e.cfg.MaxAttempts {
				return ErrBlockMismatch
			}
			continue
		}

		if onBlock != nil {
			onBlock(resp)
		}
		if !blockwise || !b2.More {
			return nil
		}
		size = b2.Size
		offset += uint32(size)
	}
}

// Observe 订阅资源，通知一直投递给onNotify直到ctx取消
// 首个响应同样投递给onNotify。取消后发送不带Observe的GET注销订阅。
func (e *Engine) Observe(ctx context.Context, addr *net.UDPAddr, req *coap.Message, onNotify ResponseHandler) error {
	if req.Type != coap.TypeCON {
		return ErrNotConfirmable
	}
	token, ok := req.Token()
	if !ok || len(token) == 0 {
		return ErrNoToken
	}
	if !req.IsOption(coap.OptionObserve) {
		req.SetObserve(0)
	}

	key := string(token)
	e.mu.Lock()
	e.observing[key] = &observeClient{addr: coap.CopyAddr(addr), token: key, onNotify: onNotify}
	e.mu.Unlock()

	stop := func() {
		e.mu.Lock()
		delete(e.observing, key)
		e.mu.Unlock()
	}

	done := make(chan *coap.Message, 1)
	if err := e.SendRequest(addr, req.Clone(), func(resp *coap.Message) { done <- resp }); err != nil {
		stop()
		return err
	}

	select {
	case <-ctx.Done():
		stop()
		return ctx.Err()
	case resp := <-done:
		if resp == nil {
			stop()
			return ErrNoResponse
		}
		if onNotify != nil {
			onNotify(resp)
		}
		if !resp.IsOption(coap.OptionObserve) {
			stop()
			return ErrObserveRefused
		}
	}

	<-ctx.Done()
	stop()

	cancel := req.Clone()
	cancel.ClearOption(coap.OptionObserve)
	if err := e.SendRequest(addr, cancel, nil); err != nil {
		log.Warnf("[ENGINE] 注销订阅失败: %v", err)
	}
	return nil
}

// deliverNotification 按Token和对端地址匹配订阅，CON通知自动ACK
func (e *Engine) deliverNotification(msg *coap.Message) bool {
	token, ok := msg.Token()
	if !ok || len(token) == 0 {
		return false
	}
	c := e.observing[string(token)]
	if c == nil || !coap.SameAddr(c.addr, msg.Remote) {
		return false
	}
	if msg.Type == coap.TypeCON {
		e.sendEmpty(msg.Remote, coap.TypeACK, msg.MID)
	}
	if c.onNotify != nil {
		n := msg.Clone()
		e.deferred = append(e.deferred, func() { c.onNotify(n) })
	}
	return true
}
