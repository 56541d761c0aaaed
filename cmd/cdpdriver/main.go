package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdpdriver/internal/config"
	"cdpdriver/internal/logger"
	"cdpdriver/internal/route"
	"cdpdriver/pkg/browser"
)

// main 演示入口：连接浏览器，注册记录型路由，打开页面并导航，
// 收到中断信号后退出
func main() {
	var (
		cfgPath = flag.String("config", "", "配置文件路径")
		url     = flag.String("url", "", "启动后导航到的地址")
		pattern = flag.String("pattern", "*", "拦截并记录的 URL 模式")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "加载配置失败:", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{
		Level:    cfg.Log.Level,
		Writers:  cfg.Log.Writer,
		FilePath: cfg.Log.File,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b, err := browser.Connect(ctx, browser.Options{
		DevToolsURL: cfg.DevTools.URL,
		Logger:      log,
		Emulate:     cfg.Emulate,
		QueueSize:   cfg.DevTools.QueueSize,
	})
	if err != nil {
		log.Err(err, "连接浏览器失败")
		os.Exit(1)
	}
	defer b.Close()

	bc, err := b.NewContext(ctx)
	if err != nil {
		log.Err(err, "创建上下文失败")
		os.Exit(1)
	}

	err = bc.Route(ctx, *pattern, func(r *route.Route) error {
		req := r.Request()
		log.Info("拦截请求", "method", req.Method, "url", req.URL, "type", req.ResourceType)
		return r.Continue()
	})
	if err != nil {
		log.Err(err, "注册路由失败")
		os.Exit(1)
	}

	pg, err := bc.NewPage(ctx)
	if err != nil {
		log.Err(err, "打开页面失败")
		os.Exit(1)
	}
	if *url != "" {
		if err := pg.Navigate(ctx, *url); err != nil {
			log.Err(err, "导航失败", "url", *url)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	_ = bc.Close(closeCtx)
	log.Info("退出")
}
