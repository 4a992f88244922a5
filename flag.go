package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const version = "v0.2.0"

var (
	configPath string
	logLevel   string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "tileproxy",
	Short:         "Serve and seed map tiles from composable sources",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 环境变量文件先于配置加载, env 标签才能取到值
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load env file %s: %w", envFile, err)
			}
		}
		// 开始安全退出任务
		InitSafeExit()
		// 初始化配置
		if err := InitConf(configPath); err != nil {
			return err
		}
		// 初始化日志
		return InitLog(logLevel)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "./conf/conf.yaml", "set config `file`")
	flags.StringVarP(&logLevel, "log-level", "l", "info", "set log level")
	flags.StringVar(&envFile, "env-file", "", "load environment variables from a dotenv `file`")

	rootCmd.AddCommand(serveCmd, seedCmd, infoCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if SafeExitInst != nil {
			SafeExitInst.Run()
		}
		os.Exit(1)
	}
	if SafeExitInst != nil {
		SafeExitInst.Run()
	}
}
