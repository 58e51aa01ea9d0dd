package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/junbin-yang/erbium-go/pkg/coap"
	"github.com/junbin-yang/erbium-go/pkg/coap/engine"
	"github.com/junbin-yang/erbium-go/pkg/utils/config"
	log "github.com/junbin-yang/erbium-go/pkg/utils/logger"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var (
	server   = flag.String("s", "127.0.0.1:5683", "服务端地址")
	method   = flag.String("m", "GET", "请求方法 GET/POST/PUT/DELETE")
	path     = flag.String("p", ".well-known/core", "资源路径，可带?查询")
	payload  = flag.String("d", "", "请求负载")
	revision = flag.String("r", "draft-12", "协议草案 draft-03/draft-07/draft-12")
	observe  = flag.Bool("o", false, "订阅资源直到Ctrl-C")
	timeout  = flag.Duration("t", 30*time.Second, "请求超时")
	debug    = flag.Bool("v", false, "输出调试日志")
)

var methods = map[string]coap.Code{
	"GET":    coap.GET,
	"POST":   coap.POST,
	"PUT":    coap.PUT,
	"DELETE": coap.DELETE,
}

func main() {
	flag.Usage = config.Usage
	flag.Parse()
	if *debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.WarnLevel)
	}
	defer log.Sync()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func buildRequest(rev *coap.Revision) (*coap.Message, error) {
	code, ok := methods[strings.ToUpper(*method)]
	if !ok {
		return nil, errors.Errorf("unknown method %q", *method)
	}
	req := coap.NewMessage(rev, coap.TypeCON, code, 0)

	p, q, _ := strings.Cut(strings.TrimPrefix(*path, "/"), "?")
	req.SetURIPath(p)
	if q != "" {
		req.SetURIQuery(q)
	}
	if *payload != "" {
		req.SetContentType(coap.TextPlain)
		req.SetPayload([]byte(*payload))
	}

	token := make([]byte, 4)
	if _, err := rand.Read(token); err != nil {
		return nil, err
	}
	req.SetToken(token)
	return req, nil
}

func run() error {
	rev, err := coap.RevisionByName(*revision)
	if err != nil {
		return err
	}
	addr, err := net.ResolveUDPAddr("udp4", *server)
	if err != nil {
		return errors.Wrap(coap.ErrAddressInvalid, err.Error())
	}
	req, err := buildRequest(rev)
	if err != nil {
		return err
	}

	sock, err := coap.ListenClient()
	if err != nil {
		return err
	}
	e, err := engine.New(engine.Config{Revision: rev}, sock)
	if err != nil {
		sock.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Run(ctx, sock) })

	reqCtx, cancel := context.WithCancel(ctx)
	g.Go(func() error {
		// 请求结束后停止引擎
		defer cancel()
		defer stop()
		if *observe {
			return e.Observe(reqCtx, addr, req, printResponse)
		}
		rctx, rcancel := context.WithTimeout(reqCtx, *timeout)
		defer rcancel()
		return e.Request(rctx, addr, req, printResponse)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printResponse(resp *coap.Message) {
	line := resp.Code.String()
	if b2, ok := resp.Block2(); ok {
		line += fmt.Sprintf(" [block %d%s/%d]", b2.Num, map[bool]string{true: "+"}[b2.More], b2.Size)
	}
	if seq, ok := resp.Observe(); ok {
		line += fmt.Sprintf(" [obs %d]", seq)
	}
	fmt.Println(line)
	if len(resp.Payload) > 0 {
		fmt.Println(string(resp.Payload))
	}
}
