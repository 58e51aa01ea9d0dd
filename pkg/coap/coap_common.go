package coap

import (
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Version 协议版本号（头部高2位）
const Version = 1

const (
	HeaderLen = 4 // | ver:0xC0 type:0x30 oc:0x0F | code | mid:0xFF00 | mid:0x00FF |

	headerVersionMask     = 0xC0
	headerVersionPosition = 6
	headerTypeMask        = 0x30
	headerTypePosition    = 4
	headerOptionCountMask = 0x0F

	optionDeltaMask  = 0xF0
	optionLengthMask = 0x0F

	maxShortOptionCount = 14
	endOfOptionsMarker  = 0xF0
	maxOptionDelta      = 14

	// 默认的头部预留和单块负载大小
	DefaultMaxHeaderSize = 70
	DefaultChunkSize     = 128
	MinBlockSize         = 16
	MaxBlockSize         = 2048
)

// Type 消息类型
type Type uint8

const (
	TypeCON Type = 0 // Confirmable
	TypeNON Type = 1 // Non-confirmable
	TypeACK Type = 2 // Acknowledgement
	TypeRST Type = 3 // Reset
)

func (t Type) String() string {
	switch t {
	case TypeCON:
		return "CON"
	case TypeNON:
		return "NON"
	case TypeACK:
		return "ACK"
	case TypeRST:
		return "RST"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Code 方法码/响应码，class.detail = code>>5 . code&0x1F
// 草案07/12的码值与RFC 7252注册表一致，名称直接复用go-coap的codes
type Code uint8

const (
	CodeEmpty Code = Code(codes.Empty)

	GET    Code = Code(codes.GET)
	POST   Code = Code(codes.POST)
	PUT    Code = Code(codes.PUT)
	DELETE Code = Code(codes.DELETE)

	Created  Code = Code(codes.Created)
	Deleted  Code = Code(codes.Deleted)
	Valid    Code = Code(codes.Valid)
	Changed  Code = Code(codes.Changed)
	Content  Code = Code(codes.Content)
	Continue Code = Code(codes.Continue)

	BadRequest            Code = Code(codes.BadRequest)
	Unauthorized          Code = Code(codes.Unauthorized)
	BadOption             Code = Code(codes.BadOption)
	Forbidden             Code = Code(codes.Forbidden)
	NotFound              Code = Code(codes.NotFound)
	MethodNotAllowed      Code = Code(codes.MethodNotAllowed)
	NotAcceptable         Code = Code(codes.NotAcceptable)
	PreconditionFailed    Code = Code(codes.PreconditionFailed)
	RequestEntityTooLarge Code = Code(codes.RequestEntityTooLarge)
	UnsupportedMediaType  Code = Code(codes.UnsupportedMediaType)

	InternalServerError  Code = Code(codes.InternalServerError)
	NotImplemented       Code = Code(codes.NotImplemented)
	BadGateway           Code = Code(codes.BadGateway)
	ServiceUnavailable   Code = Code(codes.ServiceUnavailable)
	GatewayTimeout       Code = Code(codes.GatewayTimeout)
	ProxyingNotSupported Code = Code(codes.ProxyingNotSupported)
)

func (c Code) Class() uint8  { return uint8(c) >> 5 }
func (c Code) Detail() uint8 { return uint8(c) & 0x1F }

// IsRequest 是否为GET/POST/PUT/DELETE
func (c Code) IsRequest() bool { return c >= GET && c <= DELETE }

// IsError 是否为4.xx/5.xx
func (c Code) IsError() bool { return c >= BadRequest }

func (c Code) String() string {
	return fmt.Sprintf("%d.%02d %s", c.Class(), c.Detail(), codes.Code(c).String())
}

// MediaType Content-Type取值
type MediaType = message.MediaType

var (
	TextPlain     = message.TextPlain
	AppLinkFormat = message.AppLinkFormat
	AppXML        = message.AppXML
	AppOctets     = message.AppOctets
	AppExi        = message.AppExi
	AppJSON       = message.AppJSON
)

// Error 编解码错误，携带映射后的CoAP响应码
type Error struct {
	Code   Code
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("coap: %s (%d.%02d)", e.Reason, e.Code.Class(), e.Code.Detail())
}

// 解析错误（响应码可直接回给对端）
var (
	ErrPacketTooShort       = &Error{Code: BadRequest, Reason: "PacketTooShort"}
	ErrBadVersion           = &Error{Code: BadRequest, Reason: "CoAP version must be 1"}
	ErrTruncatedOption      = &Error{Code: BadRequest, Reason: "TruncatedOption"}
	ErrReservedDelta        = &Error{Code: BadRequest, Reason: "ReservedOptionDelta"}
	ErrOptionNumberOverflow = &Error{Code: BadOption, Reason: "OptionNumberOverflow"}
	ErrMissingEndMarker     = &Error{Code: BadRequest, Reason: "MissingEndOfOptions"}
	ErrOptionTooLong        = &Error{Code: BadOption, Reason: "OptionTooLong"}
	ErrUnsupportedOption    = &Error{Code: BadOption, Reason: "Unsupported critical option"}
)

// 序列化错误
var (
	ErrHeaderTooLarge      = &Error{Code: InternalServerError, Reason: "HeaderTooLarge"}
	ErrBufferTooSmall      = &Error{Code: InternalServerError, Reason: "BufferTooSmall"}
	ErrTooManyOptions      = &Error{Code: InternalServerError, Reason: "TooManyOptions"}
	ErrNoRevision          = &Error{Code: InternalServerError, Reason: "NoRevision"}
	ErrOptionNotInRevision = &Error{Code: InternalServerError, Reason: "OptionNotInRevision"}
)
