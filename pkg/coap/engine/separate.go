package engine

import (
	"net"

	"github.com/junbin-yang/erbium-go/pkg/coap"
	log "github.com/junbin-yang/erbium-go/pkg/utils/logger"
)

// Separate 分离响应需要保存的请求信息
type Separate struct {
	Addr *net.UDPAddr
	Type coap.Type // 请求是CON时分离响应也是CON
	MID  uint16

	token    [8]byte
	tokenLen uint8

	Block2Num  uint32
	Block2Size uint16
}

// Token 请求携带的Token
func (s *Separate) Token() []byte { return s.token[:s.tokenLen] }

// AcceptSeparate 只能在资源处理函数内调用
// CON请求立即回复空ACK；引擎随后释放响应事务而不发送捎带响应。
func (e *Engine) AcceptSeparate(req *coap.Message) *Separate {
	s := &Separate{
		Addr: coap.CopyAddr(req.Remote),
		Type: coap.TypeNON,
		MID:  req.MID,
	}
	if req.Type == coap.TypeCON {
		s.Type = coap.TypeCON
		e.sendEmpty(req.Remote, coap.TypeACK, req.MID)
	}
	if token, ok := req.Token(); ok {
		s.tokenLen = uint8(copy(s.token[:], token))
	}
	if b2, ok := req.Block2(); ok {
		s.Block2Num = b2.Num
		s.Block2Size = b2.Size
	}

	e.status = statusManualResponse
	log.Debugf("[ENGINE] 分离响应 mid=%d <- %s", req.MID, req.Remote)
	return s
}

// RejectSeparate 只能在资源处理函数内调用，已有未完成的分离响应时回复5.03
func (e *Engine) RejectSeparate() {
	e.setError(coap.ServiceUnavailable, "AlreadyInUse")
}

// ResumeSeparate 构造迟到的响应，消息ID在SendSeparate时分配
func (e *Engine) ResumeSeparate(s *Separate, code coap.Code) *coap.Message {
	resp := coap.NewMessage(e.rev, s.Type, code, 0)
	resp.Remote = coap.CopyAddr(s.Addr)
	if s.tokenLen > 0 {
		resp.SetToken(s.Token())
	}
	if s.Block2Size > 0 {
		resp.SetBlock2(s.Block2Num, false, s.Block2Size)
	}
	return resp
}

// SendSeparate 经新事务发送分离响应，CON响应被确认或超时后调用cb
func (e *Engine) SendSeparate(s *Separate, resp *coap.Message, cb ResponseHandler) error {
	return e.SendRequest(s.Addr, resp, cb)
}
