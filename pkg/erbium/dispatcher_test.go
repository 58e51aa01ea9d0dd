package erbium

import (
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/junbin-yang/erbium-go/pkg/coap"
)

func request(code coap.Code, path string) (*coap.Message, *coap.Message) {
	req := coap.NewMessage(coap.Draft12, coap.TypeCON, code, 1)
	req.SetURIPath(path)
	resp := coap.NewMessage(coap.Draft12, coap.TypeACK, coap.Content, 1)
	return req, resp
}

func echoPath(req, resp *coap.Message, buf []byte, preferredSize int, offset *int32) {
	p, _ := req.URIPath()
	n := copy(buf, p)
	resp.SetPayload(buf[:n])
}

func dispatch(d *Dispatcher, req, resp *coap.Message) bool {
	var offset int32
	return d.Dispatch(req, resp, make([]byte, 256), 64, &offset)
}

func TestDispatchMatching(t *testing.T) {
	d := NewDispatcher(nil, nil)
	if err := d.Register(NewResource("sensors", MethodGET, "", echoPath)); err != nil {
		t.Fatal(err)
	}

	req, resp := request(coap.GET, "sensors")
	if !dispatch(d, req, resp) || string(resp.Payload) != "sensors" {
		t.Fatalf("exact match failed: %s %q", resp.Code, resp.Payload)
	}

	req, resp = request(coap.GET, "sensors/temp")
	if dispatch(d, req, resp) || resp.Code != coap.NotFound {
		t.Fatalf("sub path without flag: %s", resp.Code)
	}

	d = NewDispatcher(nil, nil)
	_ = d.Register(NewResource("/sensors", MethodGET|HasSubResources, "", echoPath))
	req, resp = request(coap.GET, "sensors/temp")
	if !dispatch(d, req, resp) || string(resp.Payload) != "sensors/temp" {
		t.Fatalf("sub resource: %s %q", resp.Code, resp.Payload)
	}
	req, resp = request(coap.GET, "sensors")
	if !dispatch(d, req, resp) {
		t.Fatalf("exact match with sub flag failed")
	}
	// 前缀匹配不检查'/'边界
	req, resp = request(coap.GET, "sensorsX")
	if !dispatch(d, req, resp) {
		t.Fatalf("prefix without separator should match")
	}
	req, resp = request(coap.GET, "sensor")
	if dispatch(d, req, resp) || resp.Code != coap.NotFound {
		t.Fatalf("shorter path must not match")
	}
}

func TestDispatchMethodNotAllowed(t *testing.T) {
	d := NewDispatcher(nil, nil)
	called := false
	_ = d.Register(NewResource("hello", MethodGET, "", func(req, resp *coap.Message, buf []byte, preferredSize int, offset *int32) {
		called = true
	}))
	req, resp := request(coap.POST, "hello")
	if dispatch(d, req, resp) {
		t.Fatal("POST should not be handled")
	}
	if resp.Code != coap.MethodNotAllowed || called {
		t.Fatalf("code = %s, called = %v", resp.Code, called)
	}
}

func TestFirstRegisteredWins(t *testing.T) {
	d := NewDispatcher(nil, nil)
	var hit string
	_ = d.Register(NewResource("a", MethodGET|HasSubResources, "", func(req, resp *coap.Message, buf []byte, preferredSize int, offset *int32) { hit = "a" }))
	_ = d.Register(NewResource("a/b", MethodGET, "", func(req, resp *coap.Message, buf []byte, preferredSize int, offset *int32) { hit = "a/b" }))
	req, resp := request(coap.GET, "a/b")
	dispatch(d, req, resp)
	if hit != "a" {
		t.Errorf("hit = %q", hit)
	}
	if err := d.Register(NewResource("a", MethodGET, "", echoPath)); err != ErrDuplicateResource {
		t.Errorf("duplicate: %v", err)
	}
}

func TestPreAndPostHandlers(t *testing.T) {
	d := NewDispatcher(nil, nil)
	var order []string
	r := NewResource("x", MethodsAll, "", func(req, resp *coap.Message, buf []byte, preferredSize int, offset *int32) {
		order = append(order, "handler")
	})
	allow := false
	r.Pre = func(r *Resource, req, resp *coap.Message) bool {
		order = append(order, "pre")
		if !allow {
			resp.Code = coap.Unauthorized
		}
		return allow
	}
	r.Post = func(r *Resource, req, resp *coap.Message) { order = append(order, "post") }
	_ = d.Register(r)

	req, resp := request(coap.PUT, "x")
	if !dispatch(d, req, resp) {
		t.Fatal("found and allowed even when pre-handler rejects")
	}
	if strings.Join(order, ",") != "pre" || resp.Code != coap.Unauthorized {
		t.Fatalf("order = %v code = %s", order, resp.Code)
	}

	order = nil
	allow = true
	req, resp = request(coap.PUT, "x")
	dispatch(d, req, resp)
	if strings.Join(order, ",") != "pre,handler,post" {
		t.Fatalf("order = %v", order)
	}
}

func TestEventAndPeriodicSubscription(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var subscribed []string
	d := NewDispatcher(clock, func(url string, req, resp *coap.Message) {
		subscribed = append(subscribed, url)
	})

	ticks := 0
	p := NewPeriodicResource("clock", MethodGET, "obs", echoPath, 10*time.Second, func(r *Resource) { ticks++ })
	if err := d.RegisterPeriodic(p); err != nil {
		t.Fatal(err)
	}
	if err := d.RegisterEvent(NewResource("button", MethodGET, "obs", echoPath)); err != nil {
		t.Fatal(err)
	}
	if err := d.RegisterPeriodic(NewResource("bad", MethodGET, "", echoPath)); err != ErrNoPeriod {
		t.Errorf("periodic without period: %v", err)
	}

	for _, url := range []string{"clock", "button"} {
		req, resp := request(coap.GET, url)
		dispatch(d, req, resp)
	}
	if strings.Join(subscribed, ",") != "clock,button" {
		t.Fatalf("subscribed = %v", subscribed)
	}
	if p.Flags&(IsPeriodic|IsObservable) != IsPeriodic|IsObservable {
		t.Errorf("flags = %s", p.Flags)
	}

	if due := d.DuePeriodic(); len(due) != 0 {
		t.Fatalf("due too early")
	}
	clock.Advance(10 * time.Second)
	due := d.DuePeriodic()
	if len(due) != 1 || due[0] != p {
		t.Fatalf("due = %v", due)
	}
	for _, r := range due {
		r.Periodic.Handler(r)
	}
	if len(d.DuePeriodic()) != 0 || ticks != 1 {
		t.Fatalf("rearm failed, ticks=%d", ticks)
	}
	next, ok := d.NextPeriodic()
	if !ok || next.Sub(clock.Now()) != 10*time.Second {
		t.Errorf("next periodic in %v", next.Sub(clock.Now()))
	}

	// 长时间未调度只触发一次
	clock.Advance(time.Minute)
	if len(d.DuePeriodic()) != 1 || len(d.DuePeriodic()) != 0 {
		t.Errorf("missed periods must not be replayed")
	}
}

func TestMethodFlag(t *testing.T) {
	if MethodFlag(coap.DELETE) != MethodDELETE || MethodFlag(coap.Content) != 0 {
		t.Errorf("MethodFlag mismatch")
	}
	if s := (MethodGET | HasSubResources).String(); s != "GET|SUB" {
		t.Errorf("String = %q", s)
	}
}
