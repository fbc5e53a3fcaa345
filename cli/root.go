package cli

import (
	"github.com/spf13/cobra"
)

var (
	configDir string
	logLevel  string
	logFile   string

	// 串口参数
	portName string
	baudRate int
)

var rootCmd = &cobra.Command{
	Use:   "goster-gateway",
	Short: "Goster-WY 边缘遥测网关",
	Long: `Goster Gateway - 把传感器 MCU 的串口遥测桥接到远端遥测服务器。

串口侧接收 COBS 封装的明文帧并逐项校验；服务器侧按需建立
X25519 握手 + AES-GCM 加密的短连接，冲刷队列后自动关闭。`,
	Version: "1.0.0",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "./data", "配置与落盘数据目录")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "日志级别 (debug/info/warn/error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "日志文件路径 (留空只输出到控制台)")

	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "串口设备 (如 /dev/ttyUSB0，留空不启用串口)")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "串口波特率")
}

// Execute 运行根命令
func Execute() error {
	return rootCmd.Execute()
}
