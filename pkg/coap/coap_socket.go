package coap

import (
	"net"
	"sync"

	log "github.com/junbin-yang/erbium-go/pkg/utils/logger"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"
)

const (
	DefaultPort       = 5683          // CoAP默认端口（UDP）
	MaxPacketSize     = 1152          // 最大数据报长度
	DefaultTTL        = 64            // 默认组播TTL
	AllNodesMulticast = "224.0.1.187" // All CoAP Nodes
)

// 错误定义
var (
	ErrInvalidParam       = errors.New("invalid parameter")
	ErrSocketCreateFailed = errors.New("socket create failed")
	ErrAddressInvalid     = errors.New("invalid address")
	ErrBindFailed         = errors.New("bind failed")
	ErrSocketClosed       = errors.New("socket closed")
)

// Transport 数据报发送边界，引擎和事务管理器只依赖这个接口
type Transport interface {
	SendTo(addr *net.UDPAddr, data []byte) error
}

// SocketOptions 服务器Socket参数
type SocketOptions struct {
	MulticastGroup string // 为空则不加入组播组
	Interface      string // 组播网卡名，为空使用系统默认
	TTL            int
	Loopback       bool
}

// Socket UDP传输，实现Transport
type Socket struct {
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	group  *net.UDPAddr
	ifi    *net.Interface
	closed atomic.Bool

	mu sync.Mutex // 串行化写

	TxPackets atomic.Uint64
	RxPackets atomic.Uint64
	TxErrors  atomic.Uint64
}

// Listen 创建并绑定UDP服务器Socket
// 参数：
//   - addr：本地监听地址
//   - opts：组播参数
//
// 返回：
//   - *Socket：Socket实例
//   - error：错误信息
func Listen(addr *net.UDPAddr, opts SocketOptions) (*Socket, error) {
	if addr == nil {
		return nil, ErrAddressInvalid
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, errors.Wrapf(ErrBindFailed, "listen %s: %v", addr, err)
	}

	s := &Socket{conn: conn, pconn: ipv4.NewPacketConn(conn)}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	// 设置组播TTL
	if err := s.pconn.SetMulticastTTL(ttl); err != nil {
		conn.Close()
		return nil, errors.Wrap(ErrSocketCreateFailed, err.Error())
	}
	// 组播回环
	if err := s.pconn.SetMulticastLoopback(opts.Loopback); err != nil {
		conn.Close()
		return nil, errors.Wrap(ErrSocketCreateFailed, err.Error())
	}

	if opts.Interface != "" {
		ifi, err := net.InterfaceByName(opts.Interface)
		if err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "interface %s", opts.Interface)
		}
		s.ifi = ifi
		if err := s.pconn.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return nil, errors.Wrap(ErrSocketCreateFailed, err.Error())
		}
	}

	if opts.MulticastGroup != "" {
		ip := net.ParseIP(opts.MulticastGroup)
		if ip == nil || !ip.IsMulticast() {
			conn.Close()
			return nil, errors.Wrapf(ErrAddressInvalid, "multicast group %q", opts.MulticastGroup)
		}
		s.group = &net.UDPAddr{IP: ip}
		if err := s.pconn.JoinGroup(s.ifi, s.group); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "join group %s", ip)
		}
		log.Infof("[SOCKET] 加入组播组 %s", ip)
	}

	log.Infof("[SOCKET] 监听 %s", conn.LocalAddr())
	return s, nil
}

// ListenClient 在任意本地端口上创建客户端Socket
func ListenClient() (*Socket, error) {
	return Listen(&net.UDPAddr{IP: net.IPv4zero, Port: 0}, SocketOptions{})
}

// LocalAddr 本地地址
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// SendTo 发送一个数据报
func (s *Socket) SendTo(addr *net.UDPAddr, data []byte) error {
	if addr == nil || len(data) == 0 {
		return ErrInvalidParam
	}
	if s.closed.Load() {
		return ErrSocketClosed
	}

	s.mu.Lock()
	_, err := s.conn.WriteToUDP(data, addr)
	s.mu.Unlock()
	if err != nil {
		s.TxErrors.Inc()
		return errors.Wrapf(err, "send to %s", addr)
	}
	s.TxPackets.Inc()
	return nil
}

// Recv 接收一个数据报，返回长度和发送方地址
func (s *Socket) Recv(buf []byte) (int, *net.UDPAddr, error) {
	if buf == nil {
		return 0, nil, ErrInvalidParam
	}
	n, src, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if s.closed.Load() {
			return 0, nil, ErrSocketClosed
		}
		return 0, nil, errors.Wrap(err, "recv")
	}
	s.RxPackets.Inc()
	return n, src, nil
}

// Close 退出组播组并关闭Socket，可重复调用
func (s *Socket) Close() error {
	if !s.closed.CAS(false, true) {
		return nil
	}
	var err error
	if s.group != nil {
		err = multierr.Append(err, s.pconn.LeaveGroup(s.ifi, s.group))
	}
	err = multierr.Append(err, s.conn.Close())
	log.Infof("[SOCKET] 已关闭, tx=%d rx=%d txErr=%d", s.TxPackets.Load(), s.RxPackets.Load(), s.TxErrors.Load())
	return err
}
