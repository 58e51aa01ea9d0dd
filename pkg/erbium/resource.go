package erbium

import (
	"strings"
	"time"

	"github.com/junbin-yang/erbium-go/pkg/coap"
)

// Flags 资源允许的方法和行为标志
type Flags uint16

const (
	MethodGET Flags = 1 << iota
	MethodPOST
	MethodPUT
	MethodDELETE

	// HasSubResources 资源同时匹配以其URL为前缀的更长路径
	HasSubResources Flags = 1 << 8
	// IsPeriodic 资源由周期任务驱动通知
	IsPeriodic Flags = 1 << 9
	// IsObservable 资源挂接了订阅后处理
	IsObservable Flags = 1 << 10

	MethodsAll = MethodGET | MethodPOST | MethodPUT | MethodDELETE
)

// MethodFlag 请求码对应的方法位，非请求码返回0
func MethodFlag(c coap.Code) Flags {
	switch c {
	case coap.GET:
		return MethodGET
	case coap.POST:
		return MethodPOST
	case coap.PUT:
		return MethodPUT
	case coap.DELETE:
		return MethodDELETE
	}
	return 0
}

func (f Flags) String() string {
	var parts []string
	for _, m := range []struct {
		flag Flags
		name string
	}{
		{MethodGET, "GET"}, {MethodPOST, "POST"}, {MethodPUT, "PUT"}, {MethodDELETE, "DELETE"},
		{HasSubResources, "SUB"}, {IsPeriodic, "PERIODIC"}, {IsObservable, "OBS"},
	} {
		if f&m.flag != 0 {
			parts = append(parts, m.name)
		}
	}
	return strings.Join(parts, "|")
}

// Handler 资源处理函数
// 参数：
//   - req：请求，字符串字段是接收缓冲区的视图
//   - resp：响应，处理函数设置响应码和选项
//   - buf：负载缓冲区，写入后用resp.SetPayload(buf[:n])
//   - preferredSize：期望的单块大小
//   - offset：块传输偏移。处理函数改写它即表示自行分块，写-1表示表述已经结束
type Handler func(req, resp *coap.Message, buf []byte, preferredSize int, offset *int32)

// PreHandler 返回false时不再调用主处理函数
type PreHandler func(r *Resource, req, resp *coap.Message) bool

// PostHandler 主处理函数之后调用
type PostHandler func(r *Resource, req, resp *coap.Message)

// PeriodicHandler 周期任务
type PeriodicHandler func(r *Resource)

// Periodic 周期资源的定时参数
type Periodic struct {
	Period  time.Duration
	Handler PeriodicHandler

	next time.Time
}

// Resource 静态注册的资源
type Resource struct {
	URL        string // 不带前导'/'
	Flags      Flags
	Attributes string // link-format属性，如 title="Hello";rt="Text"

	Handler Handler
	Pre     PreHandler
	Post    PostHandler

	UserData any

	Periodic *Periodic
}

// NewResource 创建资源
func NewResource(url string, flags Flags, attributes string, handler Handler) *Resource {
	return &Resource{
		URL:        strings.TrimPrefix(url, "/"),
		Flags:      flags,
		Attributes: attributes,
		Handler:    handler,
	}
}

// NewPeriodicResource 创建周期资源，period到期时调用tick
func NewPeriodicResource(url string, flags Flags, attributes string, handler Handler, period time.Duration, tick PeriodicHandler) *Resource {
	r := NewResource(url, flags, attributes, handler)
	r.Periodic = &Periodic{Period: period, Handler: tick}
	return r
}

// Allows 是否允许该请求码
func (r *Resource) Allows(c coap.Code) bool {
	return r.Flags&MethodFlag(c) != 0
}

// matches 精确匹配，或者路径以资源URL为前缀且资源接受子资源
// 前缀比较不检查'/'边界
func (r *Resource) matches(path []byte) bool {
	n := len(r.URL)
	if len(path) < n || string(path[:n]) != r.URL {
		return false
	}
	return len(path) == n || r.Flags&HasSubResources != 0
}
