package erbium

import (
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/junbin-yang/erbium-go/pkg/coap"
	log "github.com/junbin-yang/erbium-go/pkg/utils/logger"
)

var (
	ErrNilResource       = errors.New("nil resource")
	ErrDuplicateResource = errors.New("resource already registered")
	ErrNoPeriod          = errors.New("periodic resource without period")
)

// SubscribeFunc 订阅管理钩子，由引擎接到观察者表
type SubscribeFunc func(url string, req, resp *coap.Message)

// Dispatcher 资源表和请求分发
// 不做内部加锁，调用方（引擎）负责串行化
type Dispatcher struct {
	clock     clockwork.Clock
	subscribe SubscribeFunc

	resources []*Resource
	periodic  []*Resource
}

// NewDispatcher 创建分发器
// 参数：
//   - clock：周期资源使用的时钟，nil使用真实时钟
//   - subscribe：周期/事件资源的订阅钩子，可为nil
func NewDispatcher(clock clockwork.Clock, subscribe SubscribeFunc) *Dispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Dispatcher{clock: clock, subscribe: subscribe}
}

// Resources 按注册顺序返回资源
func (d *Dispatcher) Resources() []*Resource { return d.resources }

// Lookup 按URL精确查找资源
func (d *Dispatcher) Lookup(url string) *Resource {
	for _, r := range d.resources {
		if r.URL == url {
			return r
		}
	}
	return nil
}

// Register 注册普通资源
func (d *Dispatcher) Register(r *Resource) error {
	if r == nil || r.Handler == nil {
		return ErrNilResource
	}
	if d.Lookup(r.URL) != nil {
		return ErrDuplicateResource
	}
	d.resources = append(d.resources, r)
	log.Infof("[ERBIUM] 注册资源 /%s [%s]", r.URL, r.Flags)
	return nil
}

// RegisterEvent 注册事件资源：挂接订阅后处理，由应用在事件发生时触发通知
func (d *Dispatcher) RegisterEvent(r *Resource) error {
	if r == nil {
		return ErrNilResource
	}
	r.Flags |= IsObservable
	r.Post = d.subscriptionHandler
	return d.Register(r)
}

// RegisterPeriodic 注册周期资源：挂接订阅后处理，并按Period周期调用其周期任务
func (d *Dispatcher) RegisterPeriodic(r *Resource) error {
	if r == nil {
		return ErrNilResource
	}
	if r.Periodic == nil || r.Periodic.Period <= 0 || r.Periodic.Handler == nil {
		return ErrNoPeriod
	}
	r.Flags |= IsObservable | IsPeriodic
	r.Post = d.subscriptionHandler
	if err := d.Register(r); err != nil {
		return err
	}
	r.Periodic.next = d.clock.Now().Add(r.Periodic.Period)
	d.periodic = append(d.periodic, r)
	return nil
}

func (d *Dispatcher) subscriptionHandler(r *Resource, req, resp *coap.Message) {
	if d.subscribe != nil {
		d.subscribe(r.URL, req, resp)
	}
}

// DuePeriodic 返回到期的周期资源并重新计时
// 周期任务可能调用引擎接口，由调用方在锁外执行
func (d *Dispatcher) DuePeriodic() []*Resource {
	now := d.clock.Now()
	var due []*Resource
	for _, r := range d.periodic {
		p := r.Periodic
		if now.Before(p.next) {
			continue
		}
		due = append(due, r)
		// 按周期对齐，长时间未调度时不补发
		p.next = p.next.Add(p.Period)
		if !p.next.After(now) {
			p.next = now.Add(p.Period)
		}
	}
	return due
}

// NextPeriodic 最早的周期任务时间
func (d *Dispatcher) NextPeriodic() (time.Time, bool) {
	var next time.Time
	found := false
	for _, r := range d.periodic {
		if !found || r.Periodic.next.Before(next) {
			next = r.Periodic.next
			found = true
		}
	}
	return next, found
}

// Dispatch 按请求路径查找资源并调用处理函数
// 找到但方法不允许时响应4.05，找不到时响应4.04。返回 找到 && 方法允许。
func (d *Dispatcher) Dispatch(req, resp *coap.Message, buf []byte, preferredSize int, offset *int32) bool {
	path, _ := req.URIPath()

	found, allowed := false, false
	for _, r := range d.resources {
		if !r.matches(path) {
			continue
		}
		found = true
		if !r.Allows(req.Code) {
			resp.Code = coap.MethodNotAllowed
			break
		}
		allowed = true
		if r.Pre == nil || r.Pre(r, req, resp) {
			r.Handler(req, resp, buf, preferredSize, offset)
			if r.Post != nil {
				r.Post(r, req, resp)
			}
		}
		break
	}

	if !found {
		resp.Code = coap.NotFound
	}
	return found && allowed
}
