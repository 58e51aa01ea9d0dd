package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/junbin-yang/erbium-go/pkg/coap"
	"github.com/junbin-yang/erbium-go/pkg/coap/engine"
	"github.com/junbin-yang/erbium-go/pkg/erbium"
	"github.com/junbin-yang/erbium-go/pkg/metrics"
	"github.com/junbin-yang/erbium-go/pkg/utils/config"
	log "github.com/junbin-yang/erbium-go/pkg/utils/logger"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

var configFile = flag.String("c", "", "配置文件(.yml/.toml)，为空时查找程序目录和/etc")

func loadConfig() *config.Config {
	if *configFile == "" {
		return config.Parse()
	}
	conf, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := conf.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置无效: %v\n", err)
		os.Exit(1)
	}
	conf.ApplyLogger()
	return conf
}

func main() {
	flag.Usage = config.Usage
	flag.Parse()
	conf := loadConfig()
	defer log.Sync()

	ecfg, err := conf.EngineConfig()
	if err != nil {
		log.Fatalf("[SERVER] %v", err)
	}
	addr, err := conf.ListenAddr()
	if err != nil {
		log.Fatalf("[SERVER] %v", err)
	}
	sock, err := coap.Listen(addr, coap.SocketOptions{
		MulticastGroup: conf.Listen.Multicast,
		Interface:      conf.Listen.Interface,
	})
	if err != nil {
		log.Fatalf("[SERVER] 创建Socket失败: %v", err)
	}

	var opts []engine.Option
	var m *metrics.Metrics
	if conf.Metrics.Enabled {
		m = metrics.New("")
		opts = append(opts, engine.WithMetrics(m))
	}
	e, err := engine.New(ecfg, sock, opts...)
	if err != nil {
		sock.Close()
		log.Fatalf("[SERVER] 初始化引擎失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	d := newDemo(e)
	if err := d.register(); err != nil {
		log.Fatalf("[SERVER] 注册资源失败: %v", err)
	}
	g.Go(func() error { return d.run(ctx) })
	g.Go(func() error { return e.Run(ctx, sock) })

	if m != nil {
		srv := &http.Server{Addr: conf.Metrics.Addr, Handler: m.Handler()}
		g.Go(func() error {
			log.Infof("[SERVER] 指标地址 %s", conf.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return srv.Shutdown(shutdown)
		})
	}

	log.Infof("[SERVER] %s %s 已启动，协议 %s", config.APPNAME, config.VERSION, e.Revision())
	if err := g.Wait(); err != nil {
		log.Errorf("[SERVER] 退出: %v", err)
		return
	}
	log.Info("[SERVER] 已退出")
}

// demo 示例资源
type demo struct {
	e *engine.Engine

	events  chan struct{}
	pending atomic.Bool // 未完成的分离响应
	eventNo atomic.Uint32
	beat    atomic.Uint32
}

func newDemo(e *engine.Engine) *demo {
	return &demo{e: e, events: make(chan struct{}, 1)}
}

func (d *demo) register() error {
	resources := []struct {
		r     *erbium.Resource
		event bool
	}{
		{r: erbium.NewResource("hello", erbium.MethodGET, `title="Hello world: ?len=0..";rt="Text"`, helloWorld)},
		{r: erbium.NewResource("test/sub", erbium.MethodGET|erbium.HasSubResources, `title="Sub-resource demo"`, subResource)},
		{r: erbium.NewResource("chunks", erbium.MethodGET, `title="Blockwise demo";rt="Data"`, chunks)},
		{r: erbium.NewResource("separate", erbium.MethodGET, `title="Separate demo"`, d.separate)},
		{r: erbium.NewResource("event", erbium.MethodGET|erbium.MethodPOST, `title="Event demo";obs`, d.event), event: true},
	}
	for _, res := range resources {
		var err error
		if res.event {
			err = d.e.RegisterEvent(res.r)
		} else {
			err = d.e.Register(res.r)
		}
		if err != nil {
			return err
		}
	}

	return d.e.RegisterPeriodic(erbium.NewPeriodicResource("heartbeat", erbium.MethodGET,
		`title="Periodic demo";obs`, d.heartbeatGet, 10*time.Second, d.heartbeatTick))
}

// run 在锁外发送事件通知
func (d *demo) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.events:
			n := d.eventNo.Load()
			msg := coap.NewMessage(d.e.Revision(), coap.TypeNON, coap.Content, 0)
			msg.SetPayload([]byte("EVENT " + strconv.FormatUint(uint64(n), 10)))
			d.e.NotifyObservers("event", n, msg)
		}
	}
}

func helloWorld(req, resp *coap.Message, buf []byte, preferredSize int, offset *int32) {
	const msg = "Hello World!ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxy"
	length := 12
	if v, ok := req.QueryVariable("len"); ok {
		if n, err := strconv.Atoi(v.String()); err == nil && n >= 0 {
			length = min(n, len(msg))
		}
	}
	n := copy(buf, msg[:length])
	resp.SetContentType(coap.TextPlain)
	resp.SetETag([]byte{byte(n), 0xEE})
	resp.SetPayload(buf[:n])
}

func subResource(req, resp *coap.Message, buf []byte, preferredSize int, offset *int32) {
	path, _ := req.URIPath()
	n := copy(buf, "/"+path.String())
	resp.SetContentType(coap.TextPlain)
	resp.SetPayload(buf[:n])
}

// chunks 自行分块：每次生成preferredSize字节
func chunks(req, resp *coap.Message, buf []byte, preferredSize int, offset *int32) {
	const total = 320
	if *offset >= total {
		resp.Code = coap.BadOption
		resp.SetPayload([]byte("BlockOutOfScope"))
		return
	}

	n := 0
	for n < preferredSize && n < len(buf) && int(*offset)+n < total {
		buf[n] = byte('0' + (int(*offset)+n)%10)
		n++
	}
	resp.SetContentType(coap.TextPlain)
	resp.SetPayload(buf[:n])

	*offset += int32(n)
	if *offset >= total {
		*offset = -1
	}
}

func (d *demo) separate(req, resp *coap.Message, buf []byte, preferredSize int, offset *int32) {
	if !d.pending.CAS(false, true) {
		d.e.RejectSeparate()
		return
	}
	s := d.e.AcceptSeparate(req)
	go func() {
		defer d.pending.Store(false)
		time.Sleep(time.Second)
		late := d.e.ResumeSeparate(s, coap.Content)
		late.SetContentType(coap.TextPlain)
		late.SetPayload([]byte("That took a second"))
		if err := d.e.SendSeparate(s, late, nil); err != nil {
			log.Warnf("[SERVER] 分离响应发送失败: %v", err)
		}
	}()
}

func (d *demo) event(req, resp *coap.Message, buf []byte, preferredSize int, offset *int32) {
	if req.Code == coap.POST {
		d.eventNo.Inc()
		select {
		case d.events <- struct{}{}:
		default:
		}
		resp.Code = coap.Changed
		return
	}
	n := copy(buf, "EVENT "+strconv.FormatUint(uint64(d.eventNo.Load()), 10))
	resp.SetContentType(coap.TextPlain)
	resp.SetPayload(buf[:n])
}

func (d *demo) heartbeatGet(req, resp *coap.Message, buf []byte, preferredSize int, offset *int32) {
	n := copy(buf, "BEAT "+strconv.FormatUint(uint64(d.beat.Load()), 10))
	resp.SetContentType(coap.TextPlain)
	resp.SetPayload(buf[:n])
}

func (d *demo) heartbeatTick(r *erbium.Resource) {
	seq := d.beat.Inc()
	msg := coap.NewMessage(d.e.Revision(), coap.TypeNON, coap.Content, 0)
	msg.SetContentType(coap.TextPlain)
	msg.SetPayload([]byte("BEAT " + strconv.FormatUint(uint64(seq), 10)))
	d.e.NotifyObservers(r.URL, seq, msg)
}
