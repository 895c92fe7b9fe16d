// Command cvc 是聊天客户端核心的命令行入口。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"coolvibeclub/internal/config"
	clog "coolvibeclub/internal/log"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, "cvc:", err)
		os.Exit(2)
	}
	clog.InitWriter(os.Stderr, cfg.Env, cfg.LogLevel)

	a, err := newApp(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cvc:", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, a, os.Args[1:], os.Stdin, os.Stdout)
	stop()
	a.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "cvc:", err)
		os.Exit(1)
	}
}
