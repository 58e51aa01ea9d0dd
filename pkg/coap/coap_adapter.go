package coap

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
)

// ReadWriteBuffer 读写缓冲区
type ReadWriteBuffer struct {
	Buffer []byte // 实际缓冲区
	Len    int    // 当前已使用长度
	Cap    int    // 可写上限
}

// NewReadWriteBuffer 初始化读写缓冲区
func NewReadWriteBuffer(cap int) *ReadWriteBuffer {
	return &ReadWriteBuffer{
		Buffer: make([]byte, cap),
		Len:    0,
		Cap:    cap,
	}
}

var errBufferFull = errors.New("buff invalid small")

// 向缓冲区写入字节（内部辅助函数）
func (buf *ReadWriteBuffer) writeByte(b byte) error {
	if buf.Len >= buf.Cap {
		return errBufferFull
	}
	buf.Buffer[buf.Len] = b
	buf.Len++
	return nil
}

// 向缓冲区写入字节切片，源与目标重叠时按memmove语义处理
func (buf *ReadWriteBuffer) writeBytes(data []byte) error {
	if buf.Len+len(data) > buf.Cap {
		return errBufferFull
	}
	copy(buf.Buffer[buf.Len:], data)
	buf.Len += len(data)
	return nil
}

// Bytes 已写入的内容
func (buf *ReadWriteBuffer) Bytes() []byte {
	return buf.Buffer[:buf.Len]
}

/*---------------------------------------------------------------------------*/

// encodeUint 大端最少字节编码，0编码为空值
func encodeUint(dst []byte, v uint32) int {
	n := 0
	switch {
	case v&0xFF000000 != 0:
		n = 4
	case v&0x00FF0000 != 0:
		n = 3
	case v&0x0000FF00 != 0:
		n = 2
	case v != 0:
		n = 1
	}
	for i := 0; i < n; i++ {
		dst[i] = byte(v >> (8 * uint(n-1-i)))
	}
	return n
}

func decodeUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

// mergeSegment 把重复出现的字符串选项就地合并成以sep分隔的单个视图
// 后一段总位于前一段之后，中间至少隔着一个选项头字节，因此可以安全前移
func mergeSegment(dst Borrowed, seg []byte, sep byte) Borrowed {
	n := len(dst)
	ext := dst[:n+1+len(seg)]
	ext[n] = sep
	copy(ext[n+1:], seg)
	return ext
}

/*---------------------------------------------------------------------------*/

// Parse 将数据报解析到m中
// 字符串选项和负载都是buf的视图；重复的路径/查询段会就地合并，buf内容因此被改写
func Parse(rev *Revision, m *Message, buf []byte) error {
	if rev == nil {
		return ErrNoRevision
	}
	if len(buf) < HeaderLen {
		return ErrPacketTooShort
	}

	first := buf[0]
	m.Init(rev, Type((first&headerTypeMask)>>headerTypePosition), rev.CodeFromWire(buf[1]), binary.BigEndian.Uint16(buf[2:4]))
	m.Version = (first & headerVersionMask) >> headerVersionPosition
	if m.Version != Version {
		return ErrBadVersion
	}

	oc := int(first & headerOptionCountMask)
	unlimited := rev.EndOfOptions && oc == maxShortOptionCount+1

	offset := HeaderLen
	number := 0
	for i := 0; unlimited || i < oc; i++ {
		if offset >= len(buf) {
			if unlimited {
				return ErrMissingEndMarker
			}
			return ErrTruncatedOption
		}
		h := buf[offset]
		offset++
		if unlimited && h == endOfOptionsMarker {
			break
		}

		delta := uint16(h&optionDeltaMask) >> 4
		length := int(h & optionLengthMask)
		if delta == 15 {
			return ErrReservedDelta
		}
		if length == 15 {
			// 长格式：draft-12中每个0xFF扩展字节再累加一个字节
			for {
				if offset >= len(buf) {
					return ErrTruncatedOption
				}
				b := buf[offset]
				offset++
				length += int(b)
				if b != 0xFF || !rev.ChainedLength {
					break
				}
			}
		}

		number += int(delta)
		if number > math.MaxUint16 {
			return ErrOptionNumberOverflow
		}
		if offset+length > len(buf) {
			return ErrTruncatedOption
		}
		if err := m.parseOption(uint16(number), buf[offset:offset+length]); err != nil {
			return err
		}
		offset += length
	}

	if offset < len(buf) {
		m.Payload = buf[offset:]
	}
	return nil
}

func (m *Message) parseOption(number uint16, val []byte) error {
	id, ok := m.Rev.Lookup(number)
	if !ok {
		if m.Rev.isFencePost(number) {
			return nil
		}
		if IsCritical(number) {
			return ErrUnsupportedOption
		}
		// 未知的非关键选项直接跳过
		return nil
	}

	def := optionDefs[id]
	if len(val) > def.maxLen && def.format != formatOpaque {
		return ErrOptionTooLong
	}

	switch id {
	case OptionContentType:
		m.contentType = MediaType(decodeUint(val))
	case OptionMaxAge:
		m.maxAge = decodeUint(val)
	case OptionProxyURI:
		m.proxyURI = m.joinString(id, m.proxyURI, val)
	case OptionETag:
		m.etagLen = uint8(copy(m.etag[:min(len(val), m.etagMax())], val))
	case OptionURIHost:
		m.uriHost = m.joinString(id, m.uriHost, val)
	case OptionLocationPath:
		m.locationPath = m.joinString(id, m.locationPath, val)
	case OptionURIPort:
		m.uriPort = uint16(decodeUint(val))
	case OptionLocationQuery:
		m.locationQuery = m.joinString(id, m.locationQuery, val)
	case OptionURIPath:
		m.uriPath = m.joinString(id, m.uriPath, val)
	case OptionObserve:
		m.observe = decodeUint(val)
	case OptionToken:
		m.tokenLen = uint8(copy(m.token[:min(len(val), m.tokenMax())], val))
	case OptionAccept:
		if int(m.acceptNum) < len(m.accept) {
			m.accept[m.acceptNum] = MediaType(decodeUint(val))
			m.acceptNum++
		}
	case OptionIfMatch:
		// 只保存第一个If-Match
		if !m.IsOption(id) {
			m.ifMatchLen = uint8(copy(m.ifMatch[:min(len(val), m.etagMax())], val))
		}
	case OptionURIQuery:
		m.uriQuery = m.joinString(id, m.uriQuery, val)
	case OptionBlock2:
		m.block2 = decodeBlock(decodeUint(val))
	case OptionSize:
		m.size = decodeUint(val)
	case OptionBlock1:
		m.block1 = decodeBlock(decodeUint(val))
	case OptionIfNoneMatch:
	}
	m.setOption(id)
	return nil
}

func (m *Message) joinString(id OptionID, cur Borrowed, val []byte) Borrowed {
	if !m.IsOption(id) {
		return val
	}
	sep := optionDefs[id].sep
	if sep == 0 {
		// 不可分段的选项重复出现时以最后一个为准
		return val
	}
	return mergeSegment(cur, val, sep)
}

/*---------------------------------------------------------------------------*/

type optionWriter struct {
	w       *ReadWriteBuffer
	rev     *Revision
	current uint16
	count   int
}

func (ow *optionWriter) header(delta uint16, length int) error {
	if length < 15 {
		return ow.w.writeByte(byte(delta<<4) | byte(length))
	}
	if err := ow.w.writeByte(byte(delta<<4) | 0x0F); err != nil {
		return err
	}
	rest := length - 15
	if !ow.rev.ChainedLength && rest > 0xFF {
		return ErrOptionTooLong
	}
	for ow.rev.ChainedLength && rest >= 0xFF {
		if err := ow.w.writeByte(0xFF); err != nil {
			return err
		}
		rest -= 0xFF
	}
	return ow.w.writeByte(byte(rest))
}

// write 写一个选项，差值超过14时先插入空操作选项
func (ow *optionWriter) write(number uint16, val []byte) error {
	for number-ow.current > maxOptionDelta {
		fp := ow.current + (ow.rev.FencePost - ow.current%ow.rev.FencePost)
		if err := ow.header(fp-ow.current, 0); err != nil {
			return err
		}
		ow.count++
		ow.current = fp
	}
	if err := ow.header(number-ow.current, len(val)); err != nil {
		return err
	}
	if err := ow.w.writeBytes(val); err != nil {
		return err
	}
	ow.count++
	ow.current = number
	return nil
}

func (ow *optionWriter) writeUint(number uint16, v uint32) error {
	var scratch [4]byte
	n := encodeUint(scratch[:], v)
	return ow.write(number, scratch[:n])
}

func (ow *optionWriter) writeString(number uint16, val []byte, sep byte) error {
	if sep == 0 || !ow.rev.SplitPath {
		return ow.write(number, val)
	}
	for {
		end := len(val)
		for i, c := range val {
			if c == sep {
				end = i
				break
			}
		}
		if err := ow.write(number, val[:end]); err != nil {
			return err
		}
		if end == len(val) {
			return nil
		}
		val = val[end+1:]
	}
}

// Serialize 使用默认头部预留序列化消息，见SerializeWithLimit
func Serialize(m *Message, buf []byte) (int, error) {
	return SerializeWithLimit(m, buf, DefaultMaxHeaderSize)
}

// SerializeWithLimit 把消息写入buf，返回总长度
// 选项严格按线上编号升序写出；头部加选项超过maxHeader时返回ErrHeaderTooLarge。
// 负载可以与buf重叠（处理器直接写在buf[maxHeader:]里的情况）。
func SerializeWithLimit(m *Message, buf []byte, maxHeader int) (int, error) {
	rev := m.Rev
	if rev == nil {
		return 0, ErrNoRevision
	}
	if maxHeader <= 0 {
		maxHeader = DefaultMaxHeaderSize
	}

	headerCap := min(len(buf), maxHeader)
	w := &ReadWriteBuffer{Buffer: buf, Len: 0, Cap: headerCap}
	overflow := func() error {
		if headerCap < maxHeader {
			return ErrBufferTooSmall
		}
		return ErrHeaderTooLarge
	}

	if len(buf) < HeaderLen {
		return 0, ErrBufferTooSmall
	}
	w.Len = HeaderLen
	buf[1] = rev.WireCode(m.Code)
	binary.BigEndian.PutUint16(buf[2:4], m.MID)

	ow := &optionWriter{w: w, rev: rev}
	for _, id := range rev.order {
		if !m.IsOption(id) {
			continue
		}
		if err := m.serializeOption(ow, id); err != nil {
			if errors.Is(err, errBufferFull) {
				return 0, overflow()
			}
			return 0, err
		}
	}

	oc := ow.count
	if oc > maxShortOptionCount {
		if rev.EndOfOptions {
			if err := w.writeByte(endOfOptionsMarker); err != nil {
				return 0, overflow()
			}
			oc = maxShortOptionCount + 1
		} else if oc > maxShortOptionCount+1 {
			return 0, ErrTooManyOptions
		}
	}
	buf[0] = Version<<headerVersionPosition | byte(m.Type)<<headerTypePosition | byte(oc)

	w.Cap = len(buf)
	if err := w.writeBytes(m.Payload); err != nil {
		return 0, ErrBufferTooSmall
	}
	return w.Len, nil
}

func (m *Message) serializeOption(ow *optionWriter, id OptionID) error {
	number := m.Rev.numbers[id]
	def := optionDefs[id]
	switch id {
	case OptionContentType:
		return ow.writeUint(number, uint32(m.contentType))
	case OptionMaxAge:
		return ow.writeUint(number, m.maxAge)
	case OptionProxyURI:
		return ow.writeString(number, m.proxyURI, def.sep)
	case OptionETag:
		return ow.write(number, m.etag[:m.etagLen])
	case OptionURIHost:
		return ow.writeString(number, m.uriHost, def.sep)
	case OptionLocationPath:
		return ow.writeString(number, m.locationPath, def.sep)
	case OptionURIPort:
		return ow.writeUint(number, uint32(m.uriPort))
	case OptionLocationQuery:
		return ow.writeString(number, m.locationQuery, def.sep)
	case OptionURIPath:
		return ow.writeString(number, m.uriPath, def.sep)
	case OptionObserve:
		return ow.writeUint(number, m.observe)
	case OptionToken:
		return ow.write(number, m.token[:m.tokenLen])
	case OptionAccept:
		for _, ct := range m.accept[:m.acceptNum] {
			if err := ow.writeUint(number, uint32(ct)); err != nil {
				return err
			}
		}
		return nil
	case OptionIfMatch:
		return ow.write(number, m.ifMatch[:m.ifMatchLen])
	case OptionURIQuery:
		return ow.writeString(number, m.uriQuery, def.sep)
	case OptionBlock2:
		return ow.writeUint(number, encodeBlock(m.block2))
	case OptionSize:
		return ow.writeUint(number, m.size)
	case OptionBlock1:
		return ow.writeUint(number, encodeBlock(m.block1))
	case OptionIfNoneMatch:
		return ow.write(number, nil)
	}
	return ErrOptionNotInRevision
}

// OptionNames 列出消息中已设置的选项名，调试用
func (m *Message) OptionNames() string {
	var names []string
	for id := OptionID(1); id < optionIDCount; id++ {
		if m.IsOption(id) {
			names = append(names, id.String())
		}
	}
	return strings.Join(names, ",")
}
