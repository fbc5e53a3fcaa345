package gateway

import (
	"context"
	"io"
	"time"

	"github.com/nhirsama/Goster-Gateway/src/inter"
	"github.com/nhirsama/Goster-Gateway/src/serial_bridge"
	"github.com/nhirsama/Goster-Gateway/src/session"
	"go.uber.org/zap"
)

const (
	// tickInterval 协作式事件循环周期
	tickInterval = 10 * time.Millisecond
	// deviceIdleTimeout 整机无活动超时，触发深度睡眠交接
	deviceIdleTimeout = 10 * time.Second
	// serialReadChunk 每个 tick 的串口读取块大小
	serialReadChunk = 256
)

// Gateway 单线程协作式事件循环：
// 每个 tick 依次处理串口接收、TCP 接收与状态机推进，组件间没有共享可变状态。
type Gateway struct {
	bridge  *serial_bridge.SerialBridge
	machine *session.Machine

	serialPort io.ReadWriteCloser
	timeSource inter.TimeSource
	led        inter.StatusLed
	sleeper    inter.SleepDriver
	cfgStore   inter.ConfigStore
	log        *zap.Logger
	clock      session.Clock

	lastActivity time.Time
	sleeping     bool

	// 测试数据发生器：无真实 MCU 时周期性生成一帧串口数据
	testGen      func() []byte
	testInterval time.Duration
	lastTest     time.Time
}

// SetTestGenerator 安装测试数据发生器
// gen 返回一个完整的 COBS 封装串口帧，走与真实数据相同的校验路径
func (g *Gateway) SetTestGenerator(interval time.Duration, gen func() []byte) {
	g.testInterval = interval
	g.testGen = gen
}

func New(bridge *serial_bridge.SerialBridge, machine *session.Machine,
	serialPort io.ReadWriteCloser, timeSource inter.TimeSource,
	led inter.StatusLed, sleeper inter.SleepDriver,
	cfgStore inter.ConfigStore, log *zap.Logger, clock session.Clock) *Gateway {
	if clock == nil {
		clock = time.Now
	}
	g := &Gateway{
		bridge:     bridge,
		machine:    machine,
		serialPort: serialPort,
		timeSource: timeSource,
		led:        led,
		sleeper:    sleeper,
		cfgStore:   cfgStore,
		log:        log,
		clock:      clock,
	}
	bridge.SetPacketHandler(g.onSerialFrame)
	bridge.SetWakeHandler(g.onWake)
	g.lastActivity = clock()
	return g
}

// onSerialFrame 串口帧校验通过后的上行入口
// 指标帧原样入队转发，不重新解析其内部结构
func (g *Gateway) onSerialFrame(cmd inter.CmdID, payload []byte) {
	g.led.Blink(1, 50*time.Millisecond)
	g.lastActivity = g.clock()

	switch cmd {
	case inter.CmdMetricsReport:
		g.machine.Enqueue(payload)
	default:
		g.machine.NoteSerialActivity()
		g.log.Warn("串口侧未知指令", zap.Uint16("cmd", uint16(cmd)))
	}
}

// onWake 唤醒哨兵处理：时间有效回时间同步帧，否则回单字节未就绪应答
func (g *Gateway) onWake() {
	g.machine.NoteSerialActivity()
	g.lastActivity = g.clock()

	if g.timeSource.TimeValid() {
		if err := g.bridge.RespondTimeSync(g.timeSource.UnixTimestamp()); err != nil {
			g.log.Error("时间同步应答失败", zap.Error(err))
		}
		return
	}
	if err := g.bridge.RespondNotReady(); err != nil {
		g.log.Error("未就绪应答失败", zap.Error(err))
	}
}

// Step 执行一个 tick：串口 RX → TCP RX/状态机 → 空闲判定
// 拆出独立方法便于测试中手动驱动
func (g *Gateway) Step() {
	g.pollSerial()

	if g.testGen != nil {
		if now := g.clock(); now.Sub(g.lastTest) >= g.testInterval {
			g.bridge.Feed(g.testGen())
			g.lastTest = now
		}
	}

	g.machine.Tick()

	now := g.clock()
	// TCP 连接保持期间视为有活动，防止中途休眠
	if g.machine.IsConnected() {
		g.lastActivity = now
	}

	if !g.sleeping && g.machine.QueueLen() == 0 && !g.machine.IsConnected() &&
		now.Sub(g.lastActivity) >= deviceIdleTimeout {
		g.log.Info("整机无活动超时，交接深度睡眠")
		g.machine.Shutdown()
		g.sleeping = true
		g.sleeper.EnterDeepSleep(true)
	}
}

// pollSerial 非阻塞读取串口并灌入桥接器
func (g *Gateway) pollSerial() {
	if g.serialPort == nil {
		return
	}
	buf := make([]byte, serialReadChunk)
	n, err := g.serialPort.Read(buf)
	if n > 0 {
		g.bridge.Feed(buf[:n])
	}
	if err != nil && err != io.EOF {
		g.log.Warn("串口读取错误", zap.Error(err))
	}
}

// Sleeping 是否已交接深度睡眠
func (g *Gateway) Sleeping() bool {
	return g.sleeping
}

// FactoryReset 长按事件入口：快闪指示灯并清空配置命名空间
func (g *Gateway) FactoryReset() {
	g.log.Warn("恢复出厂设置已触发")
	g.led.Blink(10, 50*time.Millisecond)
	if err := g.cfgStore.Clear(); err != nil {
		g.log.Error("清空配置失败", zap.Error(err))
	}
}

// Run 以固定周期驱动事件循环直到上下文取消或进入休眠
func (g *Gateway) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.machine.Shutdown()
			return ctx.Err()
		case <-ticker.C:
			g.Step()
			if g.sleeping {
				return nil
			}
		}
	}
}
