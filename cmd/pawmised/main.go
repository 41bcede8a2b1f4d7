package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"pawmise/internal/config"
	"pawmise/pkg/logger"
)

var configPath string

// rootCmd 是 pawmised 的根命令。
var rootCmd = &cobra.Command{
	Use:           "pawmised",
	Short:         "Pawmise 储蓄宠物守护进程",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultPath := os.Getenv("PAWMISE_CONFIG")
	if defaultPath == "" {
		if _, err := os.Stat(filepath.Join("configs", "pawmise.json")); err == nil {
			defaultPath = filepath.Join("configs", "pawmise.json")
		}
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "JSON 配置文件路径，为空时只读取环境变量")
	rootCmd.AddCommand(serveCmd, chatCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pawmised 运行失败: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 读取配置并初始化全局日志。
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	err = logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}
