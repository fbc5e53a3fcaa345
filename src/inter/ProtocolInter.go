package inter

import (
	"errors"
	"io"
)

// =============================================================================
// Goster-WY 协议常量与类型定义 (网关侧)
// =============================================================================

const (
	// MagicNumber 协议魔数 (0x5759 = "WY")
	MagicNumber uint16 = 0x5759
	// ProtocolVersion 当前协议版本号
	ProtocolVersion uint8 = 0x01
	// HeaderSize 固定头部大小 (32 Bytes)
	HeaderSize uint32 = 32
	// FooterSize 固定尾部大小 (16 Bytes)
	FooterSize uint32 = 16
	// MinFrameSize 最小完整帧大小 (空载荷: Header + Footer)
	MinFrameSize uint32 = HeaderSize + FooterSize
)

// Header Flags 位定义
const (
	// FlagAck 确认响应位
	FlagAck uint8 = 0x01
	// FlagEncrypted 载荷加密位
	FlagEncrypted uint8 = 0x02
	// FlagCompressed 载荷压缩位 (预留)
	FlagCompressed uint8 = 0x04
)

const (
	// MaxSamples 单帧指标数据的最大采样点数
	MaxSamples = 128
	// MetricsHeaderSize 指标载荷内部头大小 (ts8 + interval4 + type1 + count4)
	MetricsHeaderSize = 17
	// MaxMetricsPayload 指标载荷上限 (内部头 + float32 采样点)
	MaxMetricsPayload = MetricsHeaderSize + MaxSamples*4
)

// SerialNotReadyByte 串口侧"时间未就绪"应答 ('R')
// 这是网关唯一允许发出的非成帧字节
const SerialNotReadyByte byte = 0x52

// CmdID 指令 ID 类型别名
type CmdID uint16

// 系统指令 (System)
const (
	// CmdHandshakeInit 握手初始化指令，设备上传本端公钥
	CmdHandshakeInit CmdID = 0x0001 + iota
	// CmdHandshakeResp 握手响应指令，服务端回复对端公钥
	CmdHandshakeResp
	// CmdAuthVerify 身份鉴权请求指令，设备提交 Token 进行验证
	CmdAuthVerify
	// CmdAuthAck 身份鉴权确认指令，服务端返回验证结果
	CmdAuthAck
	// CmdDeviceRegister 设备注册申请指令，无 Token 设备提交元数据
	CmdDeviceRegister
	// CmdErrorReport 错误上报指令，用于传输协议层或系统级的异常信息
	CmdErrorReport CmdID = 0x00FF
)

// 设备到服务端的上行指令 (Uplink)
const (
	// CmdMetricsReport 传感器采样指标数据上报
	CmdMetricsReport CmdID = 0x0101 + iota
	// CmdLogReport 设备运行日志上报
	CmdLogReport
	// CmdEventReport 关键事件或报警信息上报
	CmdEventReport
	// CmdHeartbeat 心跳 (短连接模式下不主动发送)
	CmdHeartbeat
	// CmdKeyExchangeUplink 密钥交换请求，设备上传 X25519 公钥
	CmdKeyExchangeUplink
)

// 服务端到设备的下行指令 (Downlink)
const (
	// CmdConfigPush 配置参数下发请求
	CmdConfigPush CmdID = 0x0201 + iota
	// CmdOtaData OTA 固件升级数据块下发
	CmdOtaData
	// CmdActionExec 远程控制动作执行指令
	CmdActionExec
	// CmdTimeSync 时间同步，载荷为 8 字节小端 Unix 时间戳 (仅在串口链路上使用)
	CmdTimeSync
	// CmdKeyExchangeDownlink 密钥交换响应，服务端下发 X25519 公钥
	CmdKeyExchangeDownlink
)

// =============================================================================
// 协议层错误分类
// =============================================================================

var (
	// ErrBadMagic 帧首两字节不是协议魔数
	ErrBadMagic = errors.New("无效的协议魔数")
	// ErrBadHeaderCRC 头部 CRC16 校验失败
	ErrBadHeaderCRC = errors.New("头部 CRC16 校验失败")
	// ErrBadBodyCRC 明文模式下 CRC32 尾部校验失败
	ErrBadBodyCRC = errors.New("载荷 CRC32 校验失败")
	// ErrLengthMismatch 缓冲区大小与头部声明的载荷长度不一致
	ErrLengthMismatch = errors.New("帧长度与头部声明不一致")
	// ErrFrameTooShort 缓冲区不足一个最小完整帧
	ErrFrameTooShort = errors.New("帧长度不足")
	// ErrCryptoFail AES-GCM 认证解密失败或密钥协商失败
	ErrCryptoFail = errors.New("认证解密失败")
	// ErrPayloadTooLarge 载荷超过协议允许的上限
	ErrPayloadTooLarge = errors.New("载荷过大")
	// ErrNonceExhausted 会话内 Nonce 计数器回绕，必须销毁会话
	ErrNonceExhausted = errors.New("nonce 序列已耗尽")
)

// Packet 表示一个解码后的 Goster-WY 协议帧
type Packet struct {
	// CmdID 指令类型
	CmdID CmdID
	// Status 头部状态码 (请求帧为 0)
	Status uint16
	// KeyID 加密所使用的密钥 ID (0 表示未加密)
	KeyID uint32
	// IsAck 是否为确认响应包
	IsAck bool
	// IsEncrypted 数据部分是否已加密
	IsEncrypted bool

	// Payload 经过解密后的原始业务数据
	Payload []byte
}

// ProtocolCodec 定义了协议封包与解包的核心接口
type ProtocolCodec interface {
	// Pack 将业务 Payload 封装为传输用的字节流
	// sessionKey 非空时走 AES-GCM 加密路径，否则为明文 + CRC32 尾部
	Pack(payload []byte, cmd CmdID, keyID uint32, sessionKey []byte, seqNonce uint64) ([]byte, error)

	// Unpack 从输入流中解析出一帧完整的协议包
	Unpack(reader io.Reader, key []byte) (*Packet, error)

	// ParseFrame 校验并解析一个完整的帧缓冲区 (串口侧使用)
	// 与 Unpack 不同，缓冲区总长必须恰好等于 Header + Length + Footer
	ParseFrame(buf []byte, key []byte) (*Packet, error)
}
