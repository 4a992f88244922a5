package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"tileproxy/internal/sources"
)

var conf *Conf

// Conf 程序配置. The registry sections (modules, variables, sources) of the
// same file are read separately by loadRegistryConfig.
type Conf struct {
	App struct {
		Version string `mapstructure:"version"`
		Title   string `mapstructure:"title"`
	} `mapstructure:"app"`
	Output struct {
		Directory      string `mapstructure:"directory"`
		LogDir         string `mapstructure:"logDir"`
		OutputTerminal bool   `mapstructure:"outputTerminal"`
	} `mapstructure:"output"`
	Server struct {
		Addr string `mapstructure:"addr"`
		// Timeout per request, in seconds.
		Timeout int `mapstructure:"timeout"`
	} `mapstructure:"server"`
	Task struct {
		Workers   int `mapstructure:"workers"`
		Timedelay int `mapstructure:"timedelay"`
		BufSize   int `mapstructure:"bufSize"`
	} `mapstructure:"task"`
	BreakPoint struct {
		SaveFilePath string `mapstructure:"saveFilePath"`
	} `mapstructure:"breakPoint"`
}

// InitConf 初始化配置
func InitConf(cfgFile string) error {
	if cfgFile == "" {
		cfgFile = "conf.yaml"
	}
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		return fmt.Errorf("config file(%s) not exist", cfgFile)
	}
	viper.SetConfigType("yaml")
	viper.SetConfigFile(cfgFile)
	viper.AutomaticEnv() // read in environment variables that match
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file(%s) error, details: %w", viper.ConfigFileUsed(), err)
	}
	// 设置默认值
	viper.SetDefault("app.version", version)
	viper.SetDefault("app.title", "tileproxy")
	viper.SetDefault("output.directory", "output")
	viper.SetDefault("output.outputTerminal", true)
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.timeout", 30)
	viper.SetDefault("task.workers", 4)
	viper.SetDefault("task.timedelay", 0)
	viper.SetDefault("task.bufSize", 64)
	viper.SetDefault("breakPoint.saveFilePath", "breakpoint")

	conf = new(Conf)
	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("配置文件解析失败: %w", err)
	}
	return nil
}

// loadRegistryConfig reads the source registry sections of the config file.
// viper folds keys to lower case, and source ids and option names are case
// sensitive, so the file is decoded again with yaml.
func loadRegistryConfig(cfgFile string) (sources.Config, error) {
	var rc sources.Config
	data, err := os.ReadFile(cfgFile)
	if err != nil {
		return rc, err
	}
	if err := yaml.Unmarshal(data, &rc); err != nil {
		return rc, fmt.Errorf("parse %s: %w", cfgFile, err)
	}
	return rc, nil
}

// appRoot is the directory relative file names in the registry sections
// are resolved against.
func appRoot(cfgFile string) string {
	abs, err := filepath.Abs(cfgFile)
	if err != nil {
		return filepath.Dir(cfgFile)
	}
	return filepath.Dir(abs)
}
