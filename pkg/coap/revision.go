package coap

import (
	"fmt"
	"sort"
	"strings"
)

// OptionID 逻辑选项标识，与线上选项编号解耦（各草案编号不同）
type OptionID uint8

const (
	OptionContentType OptionID = iota + 1
	OptionMaxAge
	OptionProxyURI
	OptionETag
	OptionURIHost
	OptionLocationPath
	OptionURIPort
	OptionLocationQuery
	OptionURIPath
	OptionObserve
	OptionToken
	OptionAccept
	OptionIfMatch
	OptionURIQuery
	OptionBlock2
	OptionSize
	OptionBlock1
	OptionIfNoneMatch

	optionIDCount
)

var optionNames = [optionIDCount]string{
	OptionContentType:   "Content-Type",
	OptionMaxAge:        "Max-Age",
	OptionProxyURI:      "Proxy-Uri",
	OptionETag:          "ETag",
	OptionURIHost:       "Uri-Host",
	OptionLocationPath:  "Location-Path",
	OptionURIPort:       "Uri-Port",
	OptionLocationQuery: "Location-Query",
	OptionURIPath:       "Uri-Path",
	OptionObserve:       "Observe",
	OptionToken:         "Token",
	OptionAccept:        "Accept",
	OptionIfMatch:       "If-Match",
	OptionURIQuery:      "Uri-Query",
	OptionBlock2:        "Block2",
	OptionSize:          "Size",
	OptionBlock1:        "Block1",
	OptionIfNoneMatch:   "If-None-Match",
}

func (id OptionID) String() string {
	if id > 0 && id < optionIDCount {
		return optionNames[id]
	}
	return fmt.Sprintf("Option(%d)", uint8(id))
}

// valueFormat 选项值格式
type valueFormat uint8

const (
	formatEmpty valueFormat = iota
	formatUint
	formatOpaque
	formatString
)

// optionDef 选项值格式和长度上限
type optionDef struct {
	format valueFormat
	maxLen int
	sep    byte // 多段字符串的分隔符，0表示不可分段
	prefix byte // setter剥离的前导分隔符
}

var optionDefs = [optionIDCount]optionDef{
	OptionContentType:   {format: formatUint, maxLen: 2},
	OptionMaxAge:        {format: formatUint, maxLen: 4},
	OptionProxyURI:      {format: formatString, maxLen: 270},
	OptionETag:          {format: formatOpaque, maxLen: 8},
	OptionURIHost:       {format: formatString, maxLen: 270},
	OptionLocationPath:  {format: formatString, maxLen: 270, sep: '/', prefix: '/'},
	OptionURIPort:       {format: formatUint, maxLen: 2},
	OptionLocationQuery: {format: formatString, maxLen: 270, sep: '&', prefix: '?'},
	OptionURIPath:       {format: formatString, maxLen: 270, sep: '/', prefix: '/'},
	OptionObserve:       {format: formatUint, maxLen: 4},
	OptionToken:         {format: formatOpaque, maxLen: 8},
	OptionAccept:        {format: formatUint, maxLen: 2},
	OptionIfMatch:       {format: formatOpaque, maxLen: 8},
	OptionURIQuery:      {format: formatString, maxLen: 270, sep: '&', prefix: '?'},
	OptionBlock2:        {format: formatUint, maxLen: 3},
	OptionSize:          {format: formatUint, maxLen: 4},
	OptionBlock1:        {format: formatUint, maxLen: 3},
	OptionIfNoneMatch:   {format: formatEmpty, maxLen: 0},
}

// Revision 描述一个协议草案版本：选项编号表、长度上限和行为差异
type Revision struct {
	Name string

	TokenLen  int    // Token最大字节数
	ETagLen   int    // ETag最大字节数
	FencePost uint16 // 空操作选项的间隔

	SplitPath      bool // Uri-Path/Uri-Query等按段编码为多个选项
	EndOfOptions   bool // 支持OC=15加0xF0结束标记
	DedupObservers bool // 添加观察者前先删除同一(地址,端口,url)的旧记录
	ChainedLength  bool // 长度扩展字节为0xFF时继续累加下一字节

	numbers  map[OptionID]uint16
	toWire   map[Code]byte // 为空时Code按原值编码
	fromWire map[byte]Code
	byNumber map[uint16]OptionID
	order    []OptionID // 按线上编号升序
}

func newRevision(r Revision, numbers map[OptionID]uint16, wire map[Code]byte) *Revision {
	r.numbers = numbers
	if wire != nil {
		r.toWire = wire
		r.fromWire = make(map[byte]Code, len(wire))
		for c, b := range wire {
			// 多个Code映射到同一线上值时，反向取精确对应的那个
			if prev, ok := r.fromWire[b]; ok && draft03Exact[prev] {
				continue
			}
			r.fromWire[b] = c
		}
	}
	r.byNumber = make(map[uint16]OptionID, len(numbers))
	r.order = make([]OptionID, 0, len(numbers))
	for id, num := range numbers {
		r.byNumber[num] = id
		r.order = append(r.order, id)
	}
	sort.Slice(r.order, func(i, j int) bool {
		return numbers[r.order[i]] < numbers[r.order[j]]
	})
	return &r
}

var (
	// Draft03 er-coap-03：单一Block选项，Token最多2字节
	Draft03 = newRevision(Revision{
		Name:      "draft-03",
		TokenLen:  2,
		ETagLen:   4,
		FencePost: 14,
	}, map[OptionID]uint16{
		OptionContentType:   1,
		OptionMaxAge:        2,
		OptionETag:          4,
		OptionURIHost:       5,
		OptionLocationPath:  6,
		OptionURIPort:       7,
		OptionLocationQuery: 8,
		OptionURIPath:       9,
		OptionObserve:       10,
		OptionToken:         11,
		OptionBlock2:        13,
		OptionURIQuery:      15,
	}, draft03Codes)

	// Draft07 er-coap-07
	Draft07 = newRevision(Revision{
		Name:      "draft-07",
		TokenLen:  8,
		ETagLen:   8,
		FencePost: 14,
		SplitPath: true,
	}, map[OptionID]uint16{
		OptionContentType:   1,
		OptionMaxAge:        2,
		OptionProxyURI:      3,
		OptionETag:          4,
		OptionURIHost:       5,
		OptionLocationPath:  6,
		OptionURIPort:       7,
		OptionLocationQuery: 8,
		OptionURIPath:       9,
		OptionObserve:       10,
		OptionToken:         11,
		OptionAccept:        12,
		OptionIfMatch:       13,
		OptionURIQuery:      15,
		OptionBlock2:        17,
		OptionBlock1:        19,
		OptionIfNoneMatch:   21,
	}, nil)

	// Draft12 er-coap-12，默认版本
	Draft12 = newRevision(Revision{
		Name:           "draft-12",
		TokenLen:       8,
		ETagLen:        8,
		FencePost:      14,
		SplitPath:      true,
		EndOfOptions:   true,
		DedupObservers: true,
		ChainedLength:  true,
	}, map[OptionID]uint16{
		OptionContentType:   1,
		OptionMaxAge:        2,
		OptionProxyURI:      3,
		OptionETag:          4,
		OptionURIHost:       5,
		OptionLocationPath:  6,
		OptionURIPort:       7,
		OptionLocationQuery: 8,
		OptionURIPath:       9,
		OptionObserve:       10,
		OptionToken:         11,
		OptionAccept:        12,
		OptionIfMatch:       13,
		OptionURIQuery:      15,
		OptionBlock2:        17,
		OptionSize:          18,
		OptionBlock1:        19,
		OptionIfNoneMatch:   21,
	}, nil)
)

// draft03Codes er-coap-03沿用HTTP状态码（线上值 = 类别*40 + 细节）。
// 没有对应码的取最接近的一个
var draft03Codes = map[Code]byte{
	GET:    byte(GET),
	POST:   byte(POST),
	PUT:    byte(PUT),
	DELETE: byte(DELETE),

	Content:  80, // 200 OK
	Changed:  80,
	Deleted:  80,
	Created:  81,  // 201 Created
	Valid:    124, // 304 Not Modified
	Continue: 80,

	BadRequest:            160, // 400
	Unauthorized:          160,
	Forbidden:             160,
	NotAcceptable:         160,
	PreconditionFailed:    160,
	RequestEntityTooLarge: 160,
	NotFound:              164, // 404
	MethodNotAllowed:      165, // 405
	UnsupportedMediaType:  175, // 415
	BadOption:             242, // Critical Option not supported

	InternalServerError:  200, // 500
	NotImplemented:       200,
	BadGateway:           202, // 502
	ProxyingNotSupported: 202,
	ServiceUnavailable:   203, // 503
	GatewayTimeout:       204, // 504
}

// draft03Exact 线上值与之一一对应的Code
var draft03Exact = map[Code]bool{
	GET: true, POST: true, PUT: true, DELETE: true,
	Content: true, Created: true, Valid: true,
	BadRequest: true, NotFound: true, MethodNotAllowed: true, UnsupportedMediaType: true, BadOption: true,
	InternalServerError: true, BadGateway: true, ServiceUnavailable: true, GatewayTimeout: true,
}

// Revisions 所有支持的草案版本
func Revisions() []*Revision {
	return []*Revision{Draft03, Draft07, Draft12}
}

// RevisionByName 按名称查找草案版本，接受"draft-12"、"er-coap-12"、"12"等写法
func RevisionByName(name string) (*Revision, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "er-coap-")
	n = strings.TrimPrefix(n, "draft-")
	switch n {
	case "", "12":
		return Draft12, nil
	case "07", "7":
		return Draft07, nil
	case "03", "3":
		return Draft03, nil
	}
	return nil, fmt.Errorf("unknown coap revision %q", name)
}

// Number 返回逻辑选项在本草案中的线上编号
func (r *Revision) Number(id OptionID) (uint16, bool) {
	n, ok := r.numbers[id]
	return n, ok
}

// Lookup 按线上编号查找逻辑选项
func (r *Revision) Lookup(number uint16) (OptionID, bool) {
	id, ok := r.byNumber[number]
	return id, ok
}

// Supports 本草案是否定义了该选项
func (r *Revision) Supports(id OptionID) bool {
	_, ok := r.numbers[id]
	return ok
}

func (r *Revision) isFencePost(number uint16) bool {
	return r.FencePost > 0 && number%r.FencePost == 0
}

func (r *Revision) String() string { return r.Name }

// WireCode 逻辑Code在本草案中的线上取值，未登记的Code原样编码
func (r *Revision) WireCode(c Code) byte {
	if b, ok := r.toWire[c]; ok {
		return b
	}
	return byte(c)
}

// CodeFromWire WireCode的逆映射
func (r *Revision) CodeFromWire(b byte) Code {
	if c, ok := r.fromWire[b]; ok {
		return c
	}
	return Code(b)
}

// IsCritical 奇数编号的选项为关键选项
func IsCritical(number uint16) bool {
	return number&1 == 1
}
