package hardware

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// =============================================================================
// 串口
// =============================================================================

// OpenSerialPort 打开与传感器 MCU 的串口 (8N1)
func OpenSerialPort(portName string, baudRate int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("打开串口 %s 失败: %w", portName, err)
	}

	// 短读超时使事件循环保持非阻塞轮询
	if err := port.SetReadTimeout(10 * time.Millisecond); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

// =============================================================================
// 网络链路
// =============================================================================

// NetLink 主机网络栈上的链路层协作者实现
// 嵌入式构建中由 Wi-Fi 管理模块替换
type NetLink struct {
	log *zap.Logger
}

func NewNetLink(log *zap.Logger) *NetLink {
	return &NetLink{log: log}
}

// IsUp 是否存在已启用且持有地址的非回环接口
func (l *NetLink) IsUp() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

func (l *NetLink) Resolvable() bool {
	return l.IsUp()
}

// MACAddress 第一个非回环接口的硬件地址
func (l *NetLink) MACAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "00:00:00:00:00:00"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return "00:00:00:00:00:00"
}

func (l *NetLink) OpenTCP(host string, port uint16, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))), timeout)
}

// =============================================================================
// 时间源 / 指示灯 / 休眠
// =============================================================================

// timeValidEpoch 早于该时刻视为时钟未同步 (2025-01-01 UTC)
const timeValidEpoch = 1735689600

// SystemTime NTP 协作者的主机实现，直接信任系统时钟
type SystemTime struct{}

func (SystemTime) UnixTimestamp() int64 {
	return time.Now().Unix()
}

func (SystemTime) TimeValid() bool {
	return time.Now().Unix() > timeValidEpoch
}

// LogLed 无 GPIO 环境下的指示灯替身，闪烁动作仅落日志
type LogLed struct {
	log *zap.Logger
}

func NewLogLed(log *zap.Logger) *LogLed {
	return &LogLed{log: log}
}

func (l *LogLed) Blink(times int, interval time.Duration) {
	l.log.Debug("LED 闪烁", zap.Int("times", times), zap.Duration("interval", interval))
}

// HostSleep 休眠驱动的主机实现
// 真实硬件上对应 esp_deep_sleep_start，这里回调宿主让事件循环收尾退出
type HostSleep struct {
	log     *zap.Logger
	onSleep func()
}

func NewHostSleep(log *zap.Logger, onSleep func()) *HostSleep {
	return &HostSleep{log: log, onSleep: onSleep}
}

func (s *HostSleep) EnterDeepSleep(wakeOnSerialLow bool) {
	s.log.Info("进入深度睡眠", zap.Bool("wake_on_serial_low", wakeOnSerialLow))
	if s.onSleep != nil {
		s.onSleep()
	}
}

// =============================================================================
// 恢复出厂触发
// =============================================================================

// WatchFactoryReset 监听长按恢复出厂事件
// 主机构建以 SIGUSR1 代替物理按键的 5 秒长按
func WatchFactoryReset(onReset func()) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				onReset()
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
