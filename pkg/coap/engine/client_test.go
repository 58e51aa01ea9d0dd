package engine

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/junbin-yang/erbium-go/pkg/coap"
	"github.com/junbin-yang/erbium-go/pkg/erbium"
	"github.com/junbin-yang/erbium-go/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func observeEvent(t *testing.T, e *Engine, tr *captureTransport, token []byte) {
	t.Helper()
	req := newRequest(coap.TypeCON, coap.GET, 1, "event")
	req.SetToken(token)
	req.SetObserve(0)
	e.HandleDatagram(clientAddr, encode(t, req))
	resp := tr.next(t)
	if obs, ok := resp.Observe(); !ok || obs != 0 {
		t.Fatalf("subscription response = %s", resp)
	}
}

func TestObserveNotifyAndReset(t *testing.T) {
	e, tr, _ := newTestEngine(t, Config{})
	_ = e.RegisterEvent(erbium.NewResource("event", erbium.MethodGET, "obs", helloHandler))

	observeEvent(t, e, tr, []byte{0xAA, 0xBB})
	if obs := e.Observers(); len(obs) != 1 || obs[0].URL != "event" {
		t.Fatalf("observers = %+v", obs)
	}

	msg := coap.NewMessage(coap.Draft12, coap.TypeNON, coap.Content, 0)
	msg.SetPayload([]byte("v7"))
	if n := e.NotifyObservers("event", 7, msg); n != 1 {
		t.Fatalf("notified %d", n)
	}
	n := tr.next(t)
	if n.Type != coap.TypeNON || string(n.Payload) != "v7" {
		t.Fatalf("notification = %s", n)
	}
	if tok, _ := n.Token(); !bytes.Equal(tok, []byte{0xAA, 0xBB}) {
		t.Errorf("token = % x", tok)
	}
	if obs, _ := n.Observe(); obs != 7 {
		t.Errorf("observe = %d", obs)
	}

	// 客户端以RST拒绝该通知
	rst := coap.NewMessage(coap.Draft12, coap.TypeRST, coap.CodeEmpty, n.MID)
	e.HandleDatagram(clientAddr, encode(t, rst))
	if obs := e.Observers(); len(obs) != 0 {
		t.Fatalf("observer survived RST: %+v", obs)
	}
	tr.none(t)
}

func TestResetWithTokenRemovesObserver(t *testing.T) {
	e, tr, _ := newTestEngine(t, Config{})
	_ = e.RegisterEvent(erbium.NewResource("event", erbium.MethodGET, "obs", helloHandler))
	observeEvent(t, e, tr, []byte{0x0C})

	msg := coap.NewMessage(coap.Draft12, coap.TypeNON, coap.Content, 0)
	msg.SetPayload([]byte("v1"))
	e.NotifyObservers("event", 1, msg)
	first := tr.next(t)
	msg = coap.NewMessage(coap.Draft12, coap.TypeNON, coap.Content, 0)
	msg.SetPayload([]byte("v2"))
	e.NotifyObservers("event", 2, msg)
	if second := tr.next(t); second.MID == first.MID {
		t.Fatalf("notifications share mid %d", first.MID)
	}

	// 对较早通知的RST：MID已不匹配，按Token删除
	rst := coap.NewMessage(coap.Draft12, coap.TypeRST, coap.CodeEmpty, first.MID)
	rst.SetToken([]byte{0x0C})
	e.HandleDatagram(clientAddr, encode(t, rst))
	if obs := e.Observers(); len(obs) != 0 {
		t.Fatalf("observer survived RST with token: %+v", obs)
	}
	tr.none(t)
}

func TestNotificationTimeoutRemovesObserver(t *testing.T) {
	m := metrics.New("")
	e, tr, clock := newTestEngine(t, Config{ResponseTimeout: time.Second, RandomFactor: 1}, WithMetrics(m))
	_ = e.RegisterEvent(erbium.NewResource("event", erbium.MethodGET, "obs", helloHandler))
	observeEvent(t, e, tr, []byte{1})

	msg := coap.NewMessage(coap.Draft12, coap.TypeCON, coap.Content, 0)
	msg.SetPayload([]byte("ping"))
	e.NotifyObservers("event", 1, msg)
	if n := tr.next(t); n.Type != coap.TypeCON {
		t.Fatalf("notification type = %s", n.Type)
	}

	for i := 0; i < 40; i++ {
		clock.Advance(time.Second)
		e.Tick()
	}
	if n := tr.drain(); n != 4 {
		t.Errorf("retransmissions = %d, want 4", n)
	}
	if obs := e.Observers(); len(obs) != 0 {
		t.Errorf("observer kept after timeout: %+v", obs)
	}
	if n := e.OpenTransactions(); n != 0 {
		t.Errorf("open transactions = %d", n)
	}
	if got := testutil.ToFloat64(m.Timeouts); got != 1 {
		t.Errorf("timeouts = %v", got)
	}
	if got := testutil.ToFloat64(m.Retransmissions); got != 4 {
		t.Errorf("retransmissions metric = %v", got)
	}
}

func TestSendRequestCallback(t *testing.T) {
	e, tr, _ := newTestEngine(t, Config{})

	var got *coap.Message
	calls := 0
	req := newRequest(coap.TypeCON, coap.GET, 0, "hello")
	err := e.SendRequest(serverAddr, req, func(resp *coap.Message) {
		calls++
		got = resp
		// 回调在锁外执行
		_ = e.OpenTransactions()
	})
	if err != nil {
		t.Fatal(err)
	}
	sent := tr.next(t)
	if sent.Type != coap.TypeCON || sent.MID != 101 || e.OpenTransactions() != 1 {
		t.Fatalf("sent = %s, open = %d", sent, e.OpenTransactions())
	}

	ack := coap.NewMessage(coap.Draft12, coap.TypeACK, coap.Content, sent.MID)
	ack.SetPayload([]byte("hi"))
	data := encode(t, ack)
	e.HandleDatagram(serverAddr, data)

	if calls != 1 || got == nil || string(got.Payload) != "hi" {
		t.Fatalf("callback calls=%d resp=%v", calls, got)
	}
	// 回调拿到的是拷贝，不受接收缓冲区复用影响
	copy(data, make([]byte, len(data)))
	if string(got.Payload) != "hi" {
		t.Errorf("response aliases the receive buffer")
	}
	if n := e.OpenTransactions(); n != 0 {
		t.Errorf("open transactions = %d", n)
	}
}

func TestSendRequestTimeout(t *testing.T) {
	e, tr, clock := newTestEngine(t, Config{ResponseTimeout: time.Second, RandomFactor: 1})

	calls := 0
	var got *coap.Message
	_ = e.SendRequest(serverAddr, newRequest(coap.TypeCON, coap.GET, 0, "x"), func(resp *coap.Message) {
		calls++
		got = resp
	})
	tr.next(t)

	for i := 0; i < 40; i++ {
		clock.Advance(time.Second)
		e.Tick()
	}
	if calls != 1 || got != nil {
		t.Fatalf("timeout callback calls=%d resp=%v", calls, got)
	}
}

func TestNonRequestHasNoCallback(t *testing.T) {
	e, tr, _ := newTestEngine(t, Config{})
	called := false
	_ = e.SendRequest(serverAddr, newRequest(coap.TypeNON, coap.GET, 0, "x"), func(*coap.Message) { called = true })
	tr.next(t)
	if e.OpenTransactions() != 0 || called {
		t.Fatalf("NON request kept a transaction")
	}
}

// serveBlocks 模拟服务端依次应答分块请求，服务端块大小为size
// 与引擎一致：偏移按请求的块大小计算，分块取请求与size中较小者
func serveBlocks(t *testing.T, e *Engine, tr *captureTransport, content []byte, size, blocks int, wrongNum bool) {
	t.Helper()
	for num := 0; num < blocks; num++ {
		req := tr.next(t)
		b2, ok := req.Block2()
		if num == 0 && ok {
			t.Fatalf("first request carries Block2")
		}

		from := 0
		chunk := size
		if ok {
			from = int(b2.Offset)
			chunk = min(size, int(b2.Size))
		}
		if !wrongNum && from != num*size {
			t.Fatalf("request %d asked for block %+v", num, b2)
		}

		resp := coap.NewMessage(coap.Draft12, coap.TypeACK, coap.Content, req.MID)
		respNum := from / chunk
		if wrongNum {
			respNum = 5
		}
		from = min(respNum*chunk, len(content))
		to := min(from+chunk, len(content))
		resp.SetBlock2(uint32(respNum), to < len(content), uint16(chunk))
		resp.SetPayload(content[from:to])
		e.HandleDatagram(serverAddr, encode(t, resp))
	}
}

func TestRequestBlockwise(t *testing.T) {
	e, tr, _ := newTestEngine(t, Config{})

	var got []byte
	done := make(chan error, 1)
	go func() {
		req := newRequest(coap.TypeCON, coap.GET, 0, "big")
		done <- e.Request(context.Background(), serverAddr, req, func(resp *coap.Message) {
			got = append(got, resp.Payload...)
		})
	}()

	serveBlocks(t, e, tr, bigContent, coap.DefaultChunkSize, 3, false)
	if err := <-done; err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !bytes.Equal(got, bigContent) {
		t.Fatalf("assembled %d bytes", len(got))
	}
}

func TestRequestSmallerServerBlocks(t *testing.T) {
	e, tr, _ := newTestEngine(t, Config{})

	var got []byte
	var sizes []uint16
	done := make(chan error, 1)
	go func() {
		req := newRequest(coap.TypeCON, coap.GET, 0, "big")
		done <- e.Request(context.Background(), serverAddr, req, func(resp *coap.Message) {
			b2, _ := resp.Block2()
			sizes = append(sizes, b2.Size)
			got = append(got, resp.Payload...)
		})
	}()

	// 服务端块大小64，小于客户端的128：300字节分5块
	serveBlocks(t, e, tr, bigContent, 64, 5, false)
	if err := <-done; err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !bytes.Equal(got, bigContent) {
		t.Fatalf("assembled %d bytes, want %d", len(got), len(bigContent))
	}
	for i, sz := range sizes {
		if sz != 64 {
			t.Errorf("block %d size = %d", i, sz)
		}
	}
}

func TestRequestWrongBlocks(t *testing.T) {
	e, tr, _ := newTestEngine(t, Config{})

	done := make(chan error, 1)
	go func() {
		req := newRequest(coap.TypeCON, coap.GET, 0, "big")
		done <- e.Request(context.Background(), serverAddr, req, nil)
	}()

	serveBlocks(t, e, tr, bigContent, coap.DefaultChunkSize, DefaultMaxAttempts, true)
	if err := <-done; err != ErrBlockMismatch {
		t.Fatalf("err = %v", err)
	}
}

func TestRequestNoResponse(t *testing.T) {
	e, tr, clock := newTestEngine(t, Config{ResponseTimeout: time.Second, RandomFactor: 1})

	if err := e.Request(context.Background(), serverAddr, newRequest(coap.TypeNON, coap.GET, 0, "x"), nil); err != ErrNotConfirmable {
		t.Fatalf("NON request: err = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- e.Request(context.Background(), serverAddr, newRequest(coap.TypeCON, coap.GET, 0, "x"), nil)
	}()
	tr.next(t)
	for i := 0; i < 40; i++ {
		clock.Advance(time.Second)
		e.Tick()
	}
	select {
	case err := <-done:
		if err != ErrNoResponse {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Request did not return")
	}
}

func TestObserveClient(t *testing.T) {
	e, tr, _ := newTestEngine(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	notes := make(chan *coap.Message, 8)
	done := make(chan error, 1)
	go func() {
		req := newRequest(coap.TypeCON, coap.GET, 0, "event")
		req.SetToken([]byte{7, 7})
		done <- e.Observe(ctx, serverAddr, req, func(m *coap.Message) { notes <- m })
	}()

	next := func() *coap.Message {
		select {
		case m := <-notes:
			return m
		case <-time.After(2 * time.Second):
			t.Fatalf("no notification delivered")
		}
		return nil
	}

	sub := tr.next(t)
	if _, ok := sub.Observe(); !ok {
		t.Fatalf("subscription request without Observe")
	}
	ack := coap.NewMessage(coap.Draft12, coap.TypeACK, coap.Content, sub.MID)
	ack.SetToken([]byte{7, 7})
	ack.SetObserve(0)
	ack.SetPayload([]byte("v0"))
	e.HandleDatagram(serverAddr, encode(t, ack))
	if m := next(); string(m.Payload) != "v0" {
		t.Fatalf("first response = %q", m.Payload)
	}

	// CON通知被自动确认
	n := coap.NewMessage(coap.Draft12, coap.TypeCON, coap.Content, 555)
	n.SetToken([]byte{7, 7})
	n.SetObserve(1)
	n.SetPayload([]byte("v1"))
	e.HandleDatagram(serverAddr, encode(t, n))
	if a := tr.next(t); a.Type != coap.TypeACK || a.MID != 555 || a.Code != coap.CodeEmpty {
		t.Fatalf("notification acknowledged with %s", a)
	}
	if m := next(); string(m.Payload) != "v1" {
		t.Fatalf("notification = %q", m.Payload)
	}

	cancel()
	dereg := tr.next(t)
	if _, ok := dereg.Observe(); ok || dereg.Code != coap.GET {
		t.Fatalf("deregistration = %s", dereg)
	}
	if tok, _ := dereg.Token(); !bytes.Equal(tok, []byte{7, 7}) {
		t.Errorf("deregistration token = % x", tok)
	}
	if err := <-done; err != nil {
		t.Fatalf("Observe: %v", err)
	}
}

func TestObserveNeedsToken(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	req := newRequest(coap.TypeCON, coap.GET, 0, "event")
	if err := e.Observe(context.Background(), serverAddr, req, nil); err != ErrNoToken {
		t.Fatalf("err = %v", err)
	}
}

func TestSeparateResponse(t *testing.T) {
	e, tr, _ := newTestEngine(t, Config{})

	var sep *Separate
	_ = e.Register(erbium.NewResource("slow", erbium.MethodGET, "", func(req, resp *coap.Message, buf []byte, preferredSize int, offset *int32) {
		if sep != nil {
			e.RejectSeparate()
			return
		}
		sep = e.AcceptSeparate(req)
	}))

	req := newRequest(coap.TypeCON, coap.GET, 42, "slow")
	req.SetToken([]byte{9})
	e.HandleDatagram(clientAddr, encode(t, req))

	ack := tr.next(t)
	if ack.Type != coap.TypeACK || ack.MID != 42 || ack.Code != coap.CodeEmpty {
		t.Fatalf("separate ACK = %s", ack)
	}
	tr.none(t)
	if n := e.OpenTransactions(); n != 0 {
		t.Fatalf("open transactions = %d", n)
	}

	// 处理中的请求再来一次
	e.HandleDatagram(clientAddr, encode(t, newRequest(coap.TypeCON, coap.GET, 43, "slow")))
	if busy := tr.next(t); busy.Code != coap.ServiceUnavailable || string(busy.Payload) != "AlreadyInUse" {
		t.Fatalf("second request = %s %q", busy, busy.Payload)
	}

	resp := e.ResumeSeparate(sep, coap.Content)
	resp.SetPayload([]byte("done"))
	if err := e.SendSeparate(sep, resp, nil); err != nil {
		t.Fatal(err)
	}
	late := tr.next(t)
	if late.Type != coap.TypeCON || late.MID == 42 || string(late.Payload) != "done" {
		t.Fatalf("separate response = %s", late)
	}
	if tok, _ := late.Token(); !bytes.Equal(tok, []byte{9}) {
		t.Errorf("token = % x", tok)
	}
	if n := e.OpenTransactions(); n != 1 {
		t.Errorf("CON separate response not retained: %d", n)
	}
}

type chanConn struct {
	in     chan sentPacket
	closed chan struct{}
	once   sync.Once
}

func (c *chanConn) Recv(buf []byte) (int, *net.UDPAddr, error) {
	select {
	case p := <-c.in:
		return copy(buf, p.data), p.addr, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *chanConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestRun(t *testing.T) {
	e, tr, _ := newTestEngine(t, Config{})
	_ = e.Register(erbium.NewResource("hello", erbium.MethodGET, "", helloHandler))

	conn := &chanConn{in: make(chan sentPacket, 1), closed: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, conn) }()

	conn.in <- sentPacket{addr: clientAddr, data: encode(t, newRequest(coap.TypeCON, coap.GET, 5, "hello"))}
	if resp := tr.next(t); resp.MID != 5 || string(resp.Payload) != "Hello World" {
		t.Fatalf("resp = %s", resp)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}
