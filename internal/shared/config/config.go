package config

import (
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"chainproxy_nexus/internal/shared/types"
)

// DefaultConfig 返回未配置时使用的行为配置。
func DefaultConfig() *types.Config {
	return &types.Config{
		LogConf:    types.LogConf{Level: "info"},
		TraceConf:  types.TraceConf{TTYOnly: true},
		HealthConf: types.HealthConf{Concurrency: 5, ProbeTarget: "1.1.1.1:80"},
	}
}

// LoadIni 加载 ini 文件中的行为配置段 ([log] [trace] [web] [health])。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnvString(&cfg.LogConf.Level, "CHAINPROXY_LOG_LEVEL")
	overrideFromEnvInt(&cfg.WebConf.Port, "CHAINPROXY_WEB_PORT")
	return nil
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}
