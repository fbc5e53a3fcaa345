package serial_bridge

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nhirsama/Goster-Gateway/src/inter"
	"go.uber.org/zap"
)

// rxLimit 串口累积缓冲上限
// 最大合法帧 32 + 529 + 16 = 577 字节，COBS 开销后仍远小于该值
const rxLimit = 1024

// SerialBridge 串口桥：校验来自传感器 MCU 的成帧数据并向上转发，
// 同时承载唤醒/时间同步应答路径。
// 串口链路恒为明文，加密只发生在面向服务器的 TCP 侧。
type SerialBridge struct {
	codec inter.ProtocolCodec
	cobs  inter.CobsCodec
	port  io.Writer
	log   *zap.Logger

	handler     inter.SerialFrameHandler
	wakeHandler func()

	rxBuf    []byte
	overflow bool
	txSeq    uint64
}

func NewSerialBridge(codec inter.ProtocolCodec, cobs inter.CobsCodec, port io.Writer, log *zap.Logger) *SerialBridge {
	return &SerialBridge{
		codec: codec,
		cobs:  cobs,
		port:  port,
		log:   log,
		rxBuf: make([]byte, 0, rxLimit),
	}
}

// SetPacketHandler 注册帧校验通过后的上行回调 (启动时注册一次)
// 回调收到的 payload 是接收缓冲的借用切片，仅在回调期间有效
func (b *SerialBridge) SetPacketHandler(h inter.SerialFrameHandler) {
	b.handler = h
}

// SetWakeHandler 注册唤醒哨兵 (零长度包) 回调
func (b *SerialBridge) SetWakeHandler(h func()) {
	b.wakeHandler = h
}

// Feed 灌入一段原始串口字节，按 0x00 结束符切分并处理
func (b *SerialBridge) Feed(data []byte) {
	for _, by := range data {
		if by == 0x00 {
			if b.overflow {
				// 丢弃超限包，从下一个包重新开始
				b.overflow = false
				b.rxBuf = b.rxBuf[:0]
				continue
			}
			b.dispatch(b.rxBuf)
			b.rxBuf = b.rxBuf[:0]
			continue
		}
		if len(b.rxBuf) >= rxLimit {
			b.overflow = true
			continue
		}
		b.rxBuf = append(b.rxBuf, by)
	}
}

// dispatch 解码一个完整的 COBS 包并分流
func (b *SerialBridge) dispatch(encoded []byte) {
	decoded, err := b.cobs.Decode(encoded)
	if err != nil {
		b.log.Warn("串口 COBS 解码失败", zap.Int("encoded_len", len(encoded)), zap.Error(err))
		return
	}

	// 零长度解码结果是唤醒哨兵
	if len(decoded) == 0 {
		if b.wakeHandler != nil {
			b.wakeHandler()
		}
		return
	}

	if err := b.ProcessFrame(decoded); err != nil {
		b.log.Warn("串口帧校验失败", zap.Int("size", len(decoded)), zap.Error(err))
	}
}

// ProcessFrame 校验一个已解码的完整帧缓冲区
// 校验顺序: 最小长度 → 魔数 → 头部 CRC16 → 长度一致性 → CRC32 尾部
func (b *SerialBridge) ProcessFrame(decoded []byte) error {
	if uint32(len(decoded)) < inter.MinFrameSize {
		return fmt.Errorf("%w: %d 字节", inter.ErrFrameTooShort, len(decoded))
	}

	// 串口侧恒为明文，key 传 nil
	pkt, err := b.codec.ParseFrame(decoded, nil)
	if err != nil {
		return err
	}

	if b.handler != nil {
		b.handler(pkt.CmdID, pkt.Payload)
	}
	return nil
}

// RespondTimeSync 向 MCU 发送时间同步帧 (明文 + COBS 封装)
func (b *SerialBridge) RespondTimeSync(unixSeconds int64) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, uint64(unixSeconds))

	b.txSeq++
	frame, err := b.codec.Pack(payload, inter.CmdTimeSync, 0, nil, b.txSeq)
	if err != nil {
		return err
	}

	if _, err := b.port.Write(b.cobs.Encode(frame)); err != nil {
		return fmt.Errorf("串口写入时间同步帧失败: %w", err)
	}
	b.log.Debug("已应答时间同步", zap.Int64("ts", unixSeconds))
	return nil
}

// RespondNotReady 时间未同步时发送单字节 'R' 应答
// 这是网关唯一不经过成帧的串口输出
func (b *SerialBridge) RespondNotReady() error {
	if _, err := b.port.Write([]byte{inter.SerialNotReadyByte}); err != nil {
		return fmt.Errorf("串口写入就绪应答失败: %w", err)
	}
	return nil
}
