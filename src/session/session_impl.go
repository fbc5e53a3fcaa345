package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/nhirsama/Goster-Gateway/src/crypto_layer"
	"github.com/nhirsama/Goster-Gateway/src/inter"
	"go.uber.org/zap"
)

// Clock 可注入时钟，测试中替换为假时钟驱动策略超时
type Clock func() time.Time

// Policy 会话与连接生命周期的时间策略
type Policy struct {
	// ConnectTimeout TCP 建连超时
	ConnectTimeout time.Duration
	// IdleClose Ready 态下队列排空后的空闲关闭时间
	IdleClose time.Duration
	// ConnectBackoff 建连失败后的退避
	ConnectBackoff time.Duration
	// LinkDownBackoff 链路未就绪时的退避
	LinkDownBackoff time.Duration
	// SerialHoldoff 最近一次串口接收后的建连抑制窗口，等待突发数据收齐
	SerialHoldoff time.Duration
	// AckGrace 在途帧等待应用层 ACK 的宽限，超时视为已送达
	AckGrace time.Duration
	// ReadPoll 每个 tick 的非阻塞读窗口
	ReadPoll time.Duration
}

// DefaultPolicy 默认时间策略
func DefaultPolicy() Policy {
	return Policy{
		ConnectTimeout:  5 * time.Second,
		IdleClose:       2 * time.Second,
		ConnectBackoff:  2 * time.Second,
		LinkDownBackoff: 1 * time.Second,
		SerialHoldoff:   500 * time.Millisecond,
		AckGrace:        1 * time.Second,
		ReadPoll:        5 * time.Millisecond,
	}
}

// rxFrameLimit 服务端下行帧的载荷上限，超过视为协议违例
const rxFrameLimit = 64 * 1024

// Machine 会话状态机。独占服务端 socket、会话密钥与 Nonce 计数器，
// 发送队列仅由串口桥在同一 tick 上下文中通过 Enqueue 写入。
//
// 连接按需建立：队列非空且链路就绪时打开短连接，完成
// 握手 → 鉴权 → 冲刷队列，空闲后自动关闭。
type Machine struct {
	codec    inter.ProtocolCodec
	crypto   *crypto_layer.CryptoLayer
	cfgStore inter.ConfigStore
	link     inter.Link
	queue    inter.TxQueue
	spool    inter.Spool // 可为 nil
	log      *zap.Logger
	clock    Clock
	policy   Policy

	state inter.SessionState
	conn  net.Conn
	rxBuf []byte

	keyID      uint32
	txSeq      uint64
	lastSerial time.Time
	lastActive time.Time
	backoffTil time.Time

	inflight    bool
	inflightAt  time.Time
	sendBlocked bool
}

func NewMachine(codec inter.ProtocolCodec, crypto *crypto_layer.CryptoLayer,
	cfgStore inter.ConfigStore, link inter.Link, queue inter.TxQueue,
	spool inter.Spool, log *zap.Logger, clock Clock, policy Policy) *Machine {
	if clock == nil {
		clock = time.Now
	}
	return &Machine{
		codec:    codec,
		crypto:   crypto,
		cfgStore: cfgStore,
		link:     link,
		queue:    queue,
		spool:    spool,
		log:      log,
		clock:    clock,
		policy:   policy,
		state:    inter.StateDisconnected,
	}
}

// State 当前会话状态
func (m *Machine) State() inter.SessionState {
	return m.state
}

// IsConnected 是否持有服务端连接
func (m *Machine) IsConnected() bool {
	return m.conn != nil
}

// QueueLen 当前排队条目数
func (m *Machine) QueueLen() int {
	return m.queue.Len()
}

// Enqueue 将一条指标载荷加入发送队列 (由串口桥回调路径调用)
// 鉴权被拒后仍然接受入队，但在本次上电周期内不再外发
func (m *Machine) Enqueue(payload []byte) {
	m.lastSerial = m.clock()

	if len(payload) > inter.MaxMetricsPayload {
		m.log.Warn("指标载荷超限，丢弃", zap.Int("size", len(payload)))
		return
	}

	if evicted := m.queue.Enqueue(payload); evicted != nil {
		m.log.Warn("发送队列溢出，淘汰队首", zap.Int("dropped_size", len(evicted)))
		m.archive(inter.SpoolReasonOverflow, evicted)
	}
}

// NoteSerialActivity 记录串口活动时间 (唤醒哨兵等非入队帧)
func (m *Machine) NoteSerialActivity() {
	m.lastSerial = m.clock()
}

// Tick 事件循环主驱动：建连 → 收包 → 状态推进 → 每 tick 至多外发一帧
func (m *Machine) Tick() {
	now := m.clock()

	if m.conn == nil {
		m.maybeConnect(now)
		return
	}

	m.pollRead(now)
	if m.conn == nil {
		return
	}
	m.advance(now)
}

// Shutdown 主动关闭 (进程退出或深度睡眠前)
func (m *Machine) Shutdown() {
	if m.conn != nil {
		m.disconnect("shutdown", nil)
	}
}

// =============================================================================
// 连接生命周期
// =============================================================================

func (m *Machine) maybeConnect(now time.Time) {
	if m.sendBlocked || m.queue.Len() == 0 {
		return
	}
	if now.Before(m.backoffTil) {
		return
	}
	// 串口突发抑制：给 MCU 留出把整批数据推完的时间
	if now.Sub(m.lastSerial) < m.policy.SerialHoldoff {
		return
	}
	if !m.link.IsUp() || !m.link.Resolvable() {
		m.backoffTil = now.Add(m.policy.LinkDownBackoff)
		return
	}

	cfg, err := m.cfgStore.Load()
	if err != nil || cfg.ServerIP == "" {
		// 配置缺失交由配网协作者处理，这里只退避避免空转
		m.log.Error("服务器配置缺失，等待配网", zap.Error(err))
		m.backoffTil = now.Add(m.policy.ConnectBackoff)
		return
	}

	conn, err := m.link.OpenTCP(cfg.ServerIP, cfg.ServerPort, m.policy.ConnectTimeout)
	if err != nil {
		m.log.Warn("TCP 建连失败", zap.String("server", cfg.ServerIP),
			zap.Uint16("port", cfg.ServerPort), zap.Error(err))
		m.backoffTil = now.Add(m.policy.ConnectBackoff)
		return
	}

	m.conn = conn
	m.rxBuf = m.rxBuf[:0]
	m.lastActive = now
	m.keyID = 0
	m.txSeq = 0
	m.inflight = false

	// 新会话重新生成临时密钥对，随即发出握手
	if err := m.crypto.GenerateKeyPair(); err != nil {
		m.disconnect("密钥对生成失败", err)
		return
	}
	if err := m.sendFrame(inter.CmdHandshakeInit, m.crypto.PublicKey(), false); err != nil {
		return
	}
	m.state = inter.StateHandshakeSent
	m.log.Info("会话状态迁移", zap.String("state", m.state.String()))
}

// disconnect 统一断开路径：关闭 socket、销毁密钥、回到初始态
func (m *Machine) disconnect(reason string, err error) {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	// 已送出但未确认的在途帧不重发，由帧级校验兜底
	if m.inflight {
		m.queue.PopFront()
		m.inflight = false
	}
	m.crypto.Reset()
	m.keyID = 0
	m.rxBuf = nil
	m.state = inter.StateDisconnected
	m.log.Info("会话断开", zap.String("reason", reason), zap.Error(err))
}

// =============================================================================
// 发送路径
// =============================================================================

// sendFrame 封包并写入 socket；encrypted 为真时使用会话密钥
func (m *Machine) sendFrame(cmd inter.CmdID, payload []byte, encrypted bool) error {
	// Nonce 计数器先自增后使用；回绕意味着序列耗尽，强制销毁会话
	m.txSeq++
	if m.txSeq == 0 {
		m.disconnect("nonce 序列耗尽", inter.ErrNonceExhausted)
		return inter.ErrNonceExhausted
	}

	var key []byte
	if encrypted {
		key = m.crypto.SessionKey()
		if key == nil {
			err := fmt.Errorf("%w: 无会话密钥却请求加密发送", inter.ErrCryptoFail)
			m.disconnect("加密发送失败", err)
			return err
		}
	}

	buf, err := m.codec.Pack(payload, cmd, m.keyID, key, m.txSeq)
	if err != nil {
		m.disconnect("封包失败", err)
		return err
	}

	if _, err := m.conn.Write(buf); err != nil {
		m.disconnect("socket 写入失败", err)
		return err
	}
	m.lastActive = m.clock()
	return nil
}

// buildRegisterPayload 组装注册元组: model∥serial∥mac∥hw_rev∥fw_rev∥device_class
// 字段以记录分隔符 0x1E 连接
func (m *Machine) buildRegisterPayload(cfg inter.AppConfig) []byte {
	fields := []string{
		cfg.Model,
		cfg.SerialNum,
		m.link.MACAddress(),
		cfg.HWVersion,
		cfg.SWVersion,
		cfg.DeviceClass,
	}
	return []byte(strings.Join(fields, "\x1e"))
}

// =============================================================================
// 接收路径
// =============================================================================

// pollRead 非阻塞读取并解析完整帧
// I/O 截止时间必须使用真实时钟，策略时钟仅用于超时判定
func (m *Machine) pollRead(now time.Time) {
	m.conn.SetReadDeadline(time.Now().Add(m.policy.ReadPoll))

	tmp := make([]byte, 2048)
	n, err := m.conn.Read(tmp)
	if n > 0 {
		m.rxBuf = append(m.rxBuf, tmp[:n]...)
		m.lastActive = now
	}
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// 本 tick 无数据
		} else {
			m.disconnect("TCP 连接断开", err)
			return
		}
	}

	// 按到达顺序逐帧解析
	for m.conn != nil {
		if uint32(len(m.rxBuf)) < inter.HeaderSize {
			return
		}
		length := binary.LittleEndian.Uint32(m.rxBuf[12:16])
		if length > rxFrameLimit {
			m.disconnect("下行帧长度越界", fmt.Errorf("%w: %d", inter.ErrPayloadTooLarge, length))
			return
		}
		total := inter.HeaderSize + length + inter.FooterSize
		if uint32(len(m.rxBuf)) < total {
			return
		}

		frame := m.rxBuf[:total]
		pkt, err := m.codec.ParseFrame(frame, m.crypto.SessionKey())
		if err != nil {
			// 协议违例与解密失败同样处理：丢帧并断开
			m.disconnect("下行帧校验失败", err)
			return
		}
		m.rxBuf = m.rxBuf[total:]
		m.handlePacket(pkt, now)
	}
}

// handlePacket 按状态推进会话
func (m *Machine) handlePacket(pkt *inter.Packet, now time.Time) {
	switch pkt.CmdID {
	case inter.CmdHandshakeResp:
		if m.state != inter.StateHandshakeSent {
			m.disconnect("非握手态收到握手响应", nil)
			return
		}
		if len(pkt.Payload) != 32 {
			m.disconnect("握手响应公钥长度非法", nil)
			return
		}
		if err := m.crypto.ComputeSharedSecret(pkt.Payload); err != nil {
			// 包含共享密钥退化为全零的场合
			m.disconnect("密钥协商失败", err)
			return
		}
		m.keyID = 1
		if err := m.sendAuth(); err != nil {
			return
		}
		m.state = inter.StateAuthSent
		m.log.Info("会话状态迁移", zap.String("state", m.state.String()))

	case inter.CmdAuthAck:
		if m.state == inter.StateReady {
			// Ready 之后的重复 AUTH_ACK 直接忽略
			return
		}
		if m.state != inter.StateAuthSent {
			m.disconnect("非鉴权态收到 AUTH_ACK", nil)
			return
		}
		if len(pkt.Payload) < 1 {
			m.disconnect("AUTH_ACK 载荷为空", nil)
			return
		}
		m.handleAuthAck(pkt, now)

	case inter.CmdMetricsReport:
		if m.state != inter.StateReady {
			m.disconnect("非 Ready 态收到指标确认", nil)
			return
		}
		// Ready 态下行 METRICS_REPORT 视为应用层 ACK，弹出一个在途条目
		if m.inflight {
			m.queue.PopFront()
			m.inflight = false
		}

	case inter.CmdConfigPush:
		// 下行配置，仅记录
		m.log.Info("收到服务端配置下发", zap.Int("size", len(pkt.Payload)))

	case inter.CmdHeartbeat:
		// 心跳确认，无需处理

	default:
		m.disconnect("当前状态下不期望的指令", fmt.Errorf("cmd=0x%X state=%s", uint16(pkt.CmdID), m.state))
	}
}

// sendAuth 已注册设备发 Token 鉴权，否则发注册元组；两者均走加密路径
func (m *Machine) sendAuth() error {
	cfg, err := m.cfgStore.Load()
	if err != nil {
		m.disconnect("读取配置失败", err)
		return err
	}

	if cfg.IsRegistered() {
		return m.sendFrame(inter.CmdAuthVerify, []byte(cfg.DeviceToken), true)
	}
	return m.sendFrame(inter.CmdDeviceRegister, m.buildRegisterPayload(cfg), true)
}

func (m *Machine) handleAuthAck(pkt *inter.Packet, now time.Time) {
	status := pkt.Payload[0]
	if status == 0x00 {
		// 服务端可能随确认下发新 Token
		if len(pkt.Payload) > 1 {
			if err := m.cfgStore.SaveToken(string(pkt.Payload[1:])); err != nil {
				m.log.Error("Token 持久化失败", zap.Error(err))
			}
		}
		if pkt.KeyID != 0 {
			m.keyID = pkt.KeyID
		}
		m.state = inter.StateReady
		m.lastActive = now
		m.log.Info("鉴权通过", zap.String("state", m.state.String()))
		return
	}

	// 鉴权被拒：清空队列，本次上电周期内停发
	m.log.Error("鉴权被拒", zap.Uint8("status", status))
	for _, dropped := range m.queue.Clear() {
		m.archive(inter.SpoolReasonAuthReject, dropped)
	}
	if status == 0x01 {
		// Token 失效，清除后下次上电走注册流程
		cfg, err := m.cfgStore.Load()
		if err == nil && cfg.IsRegistered() {
			if err := m.cfgStore.SaveToken(""); err != nil {
				m.log.Error("清除 Token 失败", zap.Error(err))
			}
		}
	}
	m.sendBlocked = true
	m.disconnect("鉴权被拒", nil)
}

// =============================================================================
// Ready 态推进
// =============================================================================

func (m *Machine) advance(now time.Time) {
	if m.state != inter.StateReady {
		// 握手/鉴权阶段对端长期无响应，放弃本次会话
		if now.Sub(m.lastActive) >= m.policy.ConnectTimeout {
			m.disconnect("握手超时", nil)
		}
		return
	}

	// 在途帧超过宽限仍无 ACK，视为已送达
	if m.inflight && now.Sub(m.inflightAt) >= m.policy.AckGrace {
		m.queue.PopFront()
		m.inflight = false
	}

	// 每个 tick 至多外发一帧
	if !m.inflight {
		if payload, ok := m.queue.PeekFront(); ok {
			if err := m.sendFrame(inter.CmdMetricsReport, payload, true); err == nil {
				m.inflight = true
				m.inflightAt = now
			}
			return
		}
	}

	// 队列排空后的空闲关闭
	if m.queue.Len() == 0 && !m.inflight && now.Sub(m.lastActive) >= m.policy.IdleClose {
		m.disconnect("空闲超时关闭", nil)
	}
}

func (m *Machine) archive(reason string, payload []byte) {
	if m.spool == nil {
		return
	}
	if err := m.spool.Archive(reason, inter.CmdMetricsReport, payload); err != nil {
		m.log.Error("落盘失败", zap.String("reason", reason), zap.Error(err))
	}
}
