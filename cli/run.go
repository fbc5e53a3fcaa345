package cli

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nhirsama/Goster-Gateway/src/config_manager"
	"github.com/nhirsama/Goster-Gateway/src/crypto_layer"
	"github.com/nhirsama/Goster-Gateway/src/gateway"
	"github.com/nhirsama/Goster-Gateway/src/hardware"
	"github.com/nhirsama/Goster-Gateway/src/inter"
	"github.com/nhirsama/Goster-Gateway/src/protocol"
	"github.com/nhirsama/Goster-Gateway/src/serial_bridge"
	"github.com/nhirsama/Goster-Gateway/src/session"
	"github.com/nhirsama/Goster-Gateway/src/spool"
	"github.com/nhirsama/Goster-Gateway/src/zlog"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var testInterval time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "启动网关事件循环",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway()
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "恢复出厂设置 (清空配置命名空间)",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}
		defer log.Sync()

		cm, err := config_manager.NewConfigManager(configDir, log)
		if err != nil {
			return err
		}
		return cm.Clear()
	},
}

func init() {
	runCmd.Flags().DurationVar(&testInterval, "test-interval", 0,
		"测试数据生成周期 (如 30s，0 表示关闭)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resetCmd)
}

func newLogger() (*zap.Logger, error) {
	cfg := zlog.Config{Level: logLevel, Console: true}
	if logFile != "" {
		cfg.FileConfig = &zlog.FileConfig{
			Filename:   logFile,
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     7,
			Compress:   true,
		}
	}
	return zlog.New(cfg)
}

func runGateway() error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}

	cfgStore, err := config_manager.NewConfigManager(configDir, log)
	if err != nil {
		return err
	}

	sp, err := spool.NewSpoolSql(filepath.Join(configDir, "spool.db"))
	if err != nil {
		return err
	}
	defer sp.Close()

	var serialPort io.ReadWriteCloser
	if portName != "" {
		serialPort, err = hardware.OpenSerialPort(portName, baudRate)
		if err != nil {
			return err
		}
		defer serialPort.Close()
		log.Info("串口已打开", zap.String("port", portName), zap.Int("baud", baudRate))
	} else {
		log.Warn("未指定串口，仅运行服务器侧协议栈")
	}

	codec := protocol.NewGosterCodec()
	cobs := serial_bridge.NewCobsCodec()

	var bridgeWriter io.Writer = io.Discard
	if serialPort != nil {
		bridgeWriter = serialPort
	}
	bridge := serial_bridge.NewSerialBridge(codec, cobs, bridgeWriter, log)

	machine := session.NewMachine(codec, crypto_layer.New(), cfgStore,
		hardware.NewNetLink(log), session.NewTxQueue(session.DefaultQueueCapacity),
		sp, log, nil, session.DefaultPolicy())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := gateway.New(bridge, machine, serialPort, hardware.SystemTime{},
		hardware.NewLogLed(log), hardware.NewHostSleep(log, stop),
		cfgStore, log, nil)

	if testInterval > 0 {
		log.Info("测试数据发生器已启用", zap.Duration("interval", testInterval))
		g.SetTestGenerator(testInterval, func() []byte {
			frame, err := codec.Pack(buildTestReport(), inter.CmdMetricsReport, 0, nil, 0)
			if err != nil {
				return nil
			}
			return cobs.Encode(frame)
		})
	}

	stopWatch := hardware.WatchFactoryReset(g.FactoryReset)
	defer stopWatch()

	log.Info("Goster 网关已启动", zap.String("config_dir", configDir))

	err = g.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("系统正常关闭")
		return nil
	}
	return err
}

// buildTestReport 生成一帧测试指标载荷
// 布局: [Time(8)][Interval(4)][Type(1)][Count(4)][Values(N*4)]，时间戳为毫秒
func buildTestReport() []byte {
	const count = 5
	buf := make([]byte, inter.MetricsHeaderSize+count*4)

	binary.LittleEndian.PutUint64(buf[0:8], uint64(time.Now().UnixMilli()))
	binary.LittleEndian.PutUint32(buf[8:12], 1000000) // 采样间隔 1s (微秒)
	buf[12] = 0x00                                    // Float32 通用类型
	binary.LittleEndian.PutUint32(buf[13:17], count)

	for i := 0; i < count; i++ {
		val := 20.0 + rand.Float32()*10.0
		binary.LittleEndian.PutUint32(buf[17+i*4:], math.Float32bits(val))
	}
	return buf
}
