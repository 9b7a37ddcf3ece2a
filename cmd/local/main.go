package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chainproxy_nexus/internal/app"
	"chainproxy_nexus/internal/shared/config"
	"chainproxy_nexus/internal/shared/format"
	"chainproxy_nexus/internal/shared/logger"
)

func main() {
	configPath := flag.String("config", "configs/chainproxy.ini", "Path to the ini config file")
	chainsPath := flag.String("chains", "", "Path to the chain definitions (.ini/.yaml); defaults to -config")
	dump := flag.String("dump", "", "Parse the chain definitions, print them as 'text' or 'json' and exit")
	flag.Parse()

	if *chainsPath == "" {
		*chainsPath = *configPath
	}

	// 1. 加载 .ini 行为配置
	cfg := config.DefaultConfig()
	if err := config.LoadIni(cfg, *configPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", *configPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. -dump 只解析并输出
	if *dump != "" {
		if err := dumpChains(*chainsPath, *dump); err != nil {
			logger.Fatal().Err(err).Msgf("Failed to dump chains from '%s'", *chainsPath)
		}
		return
	}

	// 3. 创建并运行服务器
	appServer, err := app.New(cfg, *chainsPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			logger.Info().Msg("SIGHUP received, reloading chain configuration.")
			if err := appServer.Reload(); err != nil {
				logger.Error().Err(err).Msg("Reload failed, previous configuration stays active.")
			}
		}
	}()

	if err := appServer.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server exited with error")
	}
}

func dumpChains(path, mode string) error {
	snap, err := config.LoadChains(path)
	if err != nil {
		return err
	}
	switch mode {
	case "text":
		return format.Text(os.Stdout, snap)
	case "json":
		data, err := format.JSON(snap, nil)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	default:
		return fmt.Errorf("unknown dump format '%s' (want text or json)", mode)
	}
}
