package engine

import (
	"context"
	"net"

	log "github.com/junbin-yang/erbium-go/pkg/utils/logger"
	"golang.org/x/sync/errgroup"
)

// PacketConn 引擎读取数据报的来源，*coap.Socket满足此接口
type PacketConn interface {
	Recv(buf []byte) (int, *net.UDPAddr, error)
	Close() error
}

// Run 读取数据报并按TickInterval驱动定时器，直到ctx取消或读取出错
// ctx取消时关闭conn并返回nil
func (e *Engine) Run(ctx context.Context, conn PacketConn) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})

	g.Go(func() error {
		buf := make([]byte, e.cfg.PacketSize)
		for {
			n, src, err := conn.Recv(buf)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Errorf("[ENGINE] 接收失败: %v", err)
				return err
			}
			e.HandleDatagram(src, buf[:n])
		}
	})

	g.Go(func() error {
		ticker := e.clock.NewTicker(e.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.Chan():
				e.Tick()
			}
		}
	})

	log.Infof("[ENGINE] 开始运行 tick=%v", e.cfg.TickInterval)
	err := g.Wait()
	log.Infof("[ENGINE] 停止运行")
	return err
}
