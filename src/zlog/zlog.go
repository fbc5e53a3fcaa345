package zlog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig 日志文件滚动配置
type FileConfig struct {
	// Filename 日志文件路径
	Filename string
	// MaxSize 单个日志文件的最大尺寸 (MB)
	MaxSize int
	// MaxBackups 最多保留的备份文件数
	MaxBackups int
	// MaxAge 文件最多保留天数
	MaxAge int
	// Compress 是否压缩历史文件
	Compress bool
}

// Config 日志初始化配置
type Config struct {
	// Level 日志级别: debug / info / warn / error
	Level string
	// Console 是否同时输出到标准输出
	Console bool
	// FileConfig 为空则不落文件
	FileConfig *FileConfig
}

// New 构建网关统一使用的 zap Logger
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, err
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core

	if cfg.Console {
		consoleEnc := zapcore.NewConsoleEncoder(encCfg)
		cores = append(cores, zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stdout), level))
	}

	if cfg.FileConfig != nil {
		writer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.FileConfig.Filename,
			MaxSize:    cfg.FileConfig.MaxSize,
			MaxBackups: cfg.FileConfig.MaxBackups,
			MaxAge:     cfg.FileConfig.MaxAge,
			Compress:   cfg.FileConfig.Compress,
		})
		fileEnc := zapcore.NewJSONEncoder(encCfg)
		cores = append(cores, zapcore.NewCore(fileEnc, writer, level))
	}

	if len(cores) == 0 {
		return zap.NewNop(), nil
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}
