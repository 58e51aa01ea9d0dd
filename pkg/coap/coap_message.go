package coap

import (
	"fmt"
	"math/bits"
	"net"
	"strings"
)

// Borrowed 指向接收缓冲区的只读视图
// 仅在处理当前数据报期间有效，缓冲区复用后内容即失效；
// 需要保留时必须调用Clone或String拷贝出来
type Borrowed []byte

// Clone 拷贝出独立的字节切片
func (b Borrowed) Clone() []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// String 拷贝为字符串
func (b Borrowed) String() string { return string(b) }

// Block 块传输描述 {块号, more标志, 块大小, 字节偏移}
type Block struct {
	Num    uint32
	More   bool
	Size   uint16
	Offset uint32
}

const maxBlockNum = 0x0FFFFF

// ValidBlockSize 块大小必须是16的2的幂倍，范围[16, 2048]
func ValidBlockSize(size uint16) bool {
	return size >= MinBlockSize && size <= MaxBlockSize && size&(size-1) == 0
}

func blockSZX(size uint16) uint32 {
	return uint32(bits.TrailingZeros16(size / MinBlockSize))
}

func encodeBlock(b Block) uint32 {
	v := b.Num<<4 | blockSZX(b.Size)
	if b.More {
		v |= 0x08
	}
	return v
}

func decodeBlock(v uint32) Block {
	b := Block{
		Num:  v >> 4,
		More: v&0x08 != 0,
		Size: uint16(MinBlockSize) << (v & 0x07),
	}
	b.Offset = b.Num * uint32(b.Size)
	return b
}

// Message 一个CoAP数据报（已解析或待序列化）
// 字符串类字段和Payload是接收缓冲区的视图，见Borrowed
type Message struct {
	Version uint8
	Type    Type
	Code    Code
	MID     uint16

	Rev    *Revision
	Remote *net.UDPAddr // 对端地址，由引擎填写

	options uint32 // 已设置选项的位图，按OptionID索引

	contentType   MediaType
	maxAge        uint32
	proxyURI      Borrowed
	etag          [8]byte
	etagLen       uint8
	uriHost       Borrowed
	locationPath  Borrowed
	uriPort       uint16
	locationQuery Borrowed
	uriPath       Borrowed
	observe       uint32
	token         [8]byte
	tokenLen      uint8
	accept        [2]MediaType
	acceptNum     uint8
	ifMatch       [8]byte
	ifMatchLen    uint8
	uriQuery      Borrowed
	block2        Block
	size          uint32
	block1        Block

	Payload Borrowed
}

// NewMessage 创建并初始化消息
func NewMessage(rev *Revision, typ Type, code Code, mid uint16) *Message {
	m := &Message{}
	m.Init(rev, typ, code, mid)
	return m
}

// Init 清空所有字段后重新设置头部
func (m *Message) Init(rev *Revision, typ Type, code Code, mid uint16) {
	remote := m.Remote
	*m = Message{}
	m.Version = Version
	m.Rev = rev
	m.Type = typ
	m.Code = code
	m.MID = mid
	m.Remote = remote
}

// Clone 深拷贝，所有视图字段变为独立内存，可在数据报处理结束后保留
func (m *Message) Clone() *Message {
	c := *m
	c.proxyURI = m.proxyURI.Clone()
	c.uriHost = m.uriHost.Clone()
	c.locationPath = m.locationPath.Clone()
	c.locationQuery = m.locationQuery.Clone()
	c.uriPath = m.uriPath.Clone()
	c.uriQuery = m.uriQuery.Clone()
	c.Payload = m.Payload.Clone()
	if m.Remote != nil {
		c.Remote = CopyAddr(m.Remote)
	}
	return &c
}

// IsOption 选项是否存在
func (m *Message) IsOption(id OptionID) bool {
	return m.options&(1<<id) != 0
}

func (m *Message) setOption(id OptionID) { m.options |= 1 << id }

// ClearOption 去掉选项的存在标志
func (m *Message) ClearOption(id OptionID) { m.options &^= 1 << id }

// IsRequest 是否为请求
func (m *Message) IsRequest() bool { return m.Code.IsRequest() }

func (m *Message) tokenMax() int {
	if m.Rev != nil && m.Rev.TokenLen > 0 {
		return m.Rev.TokenLen
	}
	return len(m.token)
}

func (m *Message) etagMax() int {
	if m.Rev != nil && m.Rev.ETagLen > 0 {
		return m.Rev.ETagLen
	}
	return len(m.etag)
}

func stripPrefix(s string, c byte) string {
	if len(s) > 0 && s[0] == c {
		return s[1:]
	}
	return s
}

/*---------------------------------------------------------------------------*/

func (m *Message) ContentType() (MediaType, bool) {
	return m.contentType, m.IsOption(OptionContentType)
}

func (m *Message) SetContentType(ct MediaType) {
	m.contentType = ct
	m.setOption(OptionContentType)
}

func (m *Message) MaxAge() (uint32, bool) {
	return m.maxAge, m.IsOption(OptionMaxAge)
}

func (m *Message) SetMaxAge(age uint32) {
	m.maxAge = age
	m.setOption(OptionMaxAge)
}

func (m *Message) ProxyURI() (Borrowed, bool) {
	return m.proxyURI, m.IsOption(OptionProxyURI)
}

func (m *Message) SetProxyURI(uri string) int {
	m.proxyURI = Borrowed(uri)
	m.setOption(OptionProxyURI)
	return len(m.proxyURI)
}

// ETag 返回的切片指向消息内部数组
func (m *Message) ETag() ([]byte, bool) {
	return m.etag[:m.etagLen], m.IsOption(OptionETag)
}

// SetETag 超过草案上限的部分被静默截断，返回实际长度
func (m *Message) SetETag(etag []byte) int {
	n := min(len(etag), m.etagMax())
	m.etagLen = uint8(copy(m.etag[:n], etag))
	m.setOption(OptionETag)
	return n
}

func (m *Message) URIHost() (Borrowed, bool) {
	return m.uriHost, m.IsOption(OptionURIHost)
}

func (m *Message) SetURIHost(host string) int {
	m.uriHost = Borrowed(host)
	m.setOption(OptionURIHost)
	return len(m.uriHost)
}

func (m *Message) LocationPath() (Borrowed, bool) {
	return m.locationPath, m.IsOption(OptionLocationPath)
}

func (m *Message) SetLocationPath(path string) int {
	m.locationPath = Borrowed(stripPrefix(path, '/'))
	m.setOption(OptionLocationPath)
	return len(m.locationPath)
}

func (m *Message) URIPort() (uint16, bool) {
	return m.uriPort, m.IsOption(OptionURIPort)
}

func (m *Message) SetURIPort(port uint16) {
	m.uriPort = port
	m.setOption(OptionURIPort)
}

func (m *Message) LocationQuery() (Borrowed, bool) {
	return m.locationQuery, m.IsOption(OptionLocationQuery)
}

func (m *Message) SetLocationQuery(query string) int {
	m.locationQuery = Borrowed(stripPrefix(query, '?'))
	m.setOption(OptionLocationQuery)
	return len(m.locationQuery)
}

// URIPath 多段路径已合并为"a/b/c"形式
func (m *Message) URIPath() (Borrowed, bool) {
	return m.uriPath, m.IsOption(OptionURIPath)
}

// SetURIPath 剥离一个前导'/'
func (m *Message) SetURIPath(path string) int {
	m.uriPath = Borrowed(stripPrefix(path, '/'))
	m.setOption(OptionURIPath)
	return len(m.uriPath)
}

func (m *Message) Observe() (uint32, bool) {
	return m.observe, m.IsOption(OptionObserve)
}

func (m *Message) SetObserve(seq uint32) {
	m.observe = seq
	m.setOption(OptionObserve)
}

// Token 返回的切片指向消息内部数组
func (m *Message) Token() ([]byte, bool) {
	return m.token[:m.tokenLen], m.IsOption(OptionToken)
}

// SetToken 超过草案上限的部分被静默截断，返回实际长度
func (m *Message) SetToken(token []byte) int {
	n := min(len(token), m.tokenMax())
	m.tokenLen = uint8(copy(m.token[:n], token))
	m.setOption(OptionToken)
	return n
}

func (m *Message) Accept() []MediaType {
	return m.accept[:m.acceptNum]
}

// AddAccept 最多保存两个Accept值，返回是否保存成功
func (m *Message) AddAccept(ct MediaType) bool {
	if int(m.acceptNum) >= len(m.accept) {
		return false
	}
	m.accept[m.acceptNum] = ct
	m.acceptNum++
	m.setOption(OptionAccept)
	return true
}

func (m *Message) IfMatch() ([]byte, bool) {
	return m.ifMatch[:m.ifMatchLen], m.IsOption(OptionIfMatch)
}

func (m *Message) SetIfMatch(etag []byte) int {
	n := min(len(etag), m.etagMax())
	m.ifMatchLen = uint8(copy(m.ifMatch[:n], etag))
	m.setOption(OptionIfMatch)
	return n
}

// URIQuery 多段查询已合并为"a=1&b=2"形式
func (m *Message) URIQuery() (Borrowed, bool) {
	return m.uriQuery, m.IsOption(OptionURIQuery)
}

// SetURIQuery 剥离一个前导'?'
func (m *Message) SetURIQuery(query string) int {
	m.uriQuery = Borrowed(stripPrefix(query, '?'))
	m.setOption(OptionURIQuery)
	return len(m.uriQuery)
}

// QueryVariable 在Uri-Query中查找name=value，返回value的视图
func (m *Message) QueryVariable(name string) (Borrowed, bool) {
	q, ok := m.URIQuery()
	if !ok {
		return nil, false
	}
	for len(q) > 0 {
		end := len(q)
		for i, c := range q {
			if c == '&' {
				end = i
				break
			}
		}
		part := q[:end]
		if len(part) > len(name) && string(part[:len(name)]) == name && part[len(name)] == '=' {
			return part[len(name)+1:], true
		}
		if end == len(q) {
			break
		}
		q = q[end+1:]
	}
	return nil, false
}

func (m *Message) Block2() (Block, bool) {
	return m.block2, m.IsOption(OptionBlock2)
}

// SetBlock2 块大小非法或块号越界时返回false
func (m *Message) SetBlock2(num uint32, more bool, size uint16) bool {
	if !ValidBlockSize(size) || num > maxBlockNum {
		return false
	}
	m.block2 = Block{Num: num, More: more, Size: size, Offset: num * uint32(size)}
	m.setOption(OptionBlock2)
	return true
}

func (m *Message) Block1() (Block, bool) {
	return m.block1, m.IsOption(OptionBlock1)
}

// SetBlock1 块大小非法或块号越界时返回false
func (m *Message) SetBlock1(num uint32, more bool, size uint16) bool {
	if !ValidBlockSize(size) || num > maxBlockNum {
		return false
	}
	m.block1 = Block{Num: num, More: more, Size: size, Offset: num * uint32(size)}
	m.setOption(OptionBlock1)
	return true
}

func (m *Message) Size() (uint32, bool) {
	return m.size, m.IsOption(OptionSize)
}

func (m *Message) SetSize(size uint32) {
	m.size = size
	m.setOption(OptionSize)
}

func (m *Message) IfNoneMatch() bool {
	return m.IsOption(OptionIfNoneMatch)
}

func (m *Message) SetIfNoneMatch() {
	m.setOption(OptionIfNoneMatch)
}

// SetPayload 负载只保存视图，不拷贝
func (m *Message) SetPayload(p []byte) int {
	m.Payload = p
	return len(p)
}

func (m *Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s mid=%d", m.Type, m.Code, m.MID)
	if tok, ok := m.Token(); ok {
		fmt.Fprintf(&sb, " token=%x", tok)
	}
	if p, ok := m.URIPath(); ok {
		fmt.Fprintf(&sb, " path=/%s", p)
	}
	if q, ok := m.URIQuery(); ok {
		fmt.Fprintf(&sb, " query=%s", q)
	}
	if o, ok := m.Observe(); ok {
		fmt.Fprintf(&sb, " obs=%d", o)
	}
	if b, ok := m.Block2(); ok {
		fmt.Fprintf(&sb, " block2=%d/%t/%d", b.Num, b.More, b.Size)
	}
	if b, ok := m.Block1(); ok {
		fmt.Fprintf(&sb, " block1=%d/%t/%d", b.Num, b.More, b.Size)
	}
	fmt.Fprintf(&sb, " payload=%dB", len(m.Payload))
	return sb.String()
}

// CopyAddr 拷贝UDP地址，避免保留调用方的切片
func CopyAddr(a *net.UDPAddr) *net.UDPAddr {
	if a == nil {
		return nil
	}
	c := *a
	c.IP = append(net.IP(nil), a.IP...)
	return &c
}

// SameAddr 比较地址和端口
func SameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
