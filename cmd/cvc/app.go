package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"coolvibeclub/internal/chat"
	"coolvibeclub/internal/config"
	"coolvibeclub/internal/credstore"
	"coolvibeclub/internal/pipeline"
	"coolvibeclub/internal/restapi"
	"coolvibeclub/internal/session"
)

var errNotLoggedIn = errors.New("not logged in, run: cvc login -email <email> -password <password>")

// app 显式组装客户端核心：存储 → 会话 → 管线 → REST → 实时通道。
type app struct {
	cfg     config.ClientConfig
	mgr     *session.Manager
	api     *restapi.API
	closers []func() error
}

func openStores(cfg config.ClientConfig) (credstore.SecureStore, credstore.FlagStore, func() error, error) {
	switch cfg.Store {
	case "memory":
		mem := credstore.NewMemory()
		return mem, mem, nil, nil
	case "redis":
		r := credstore.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix)
		return r, r, r.Close, nil
	case "file":
		secure, err := credstore.NewFile(filepath.Join(cfg.StateDir, "credentials.bin"), cfg.StorePassphrase)
		if err != nil {
			return nil, nil, nil, err
		}
		return secure, credstore.NewFlagFile(filepath.Join(cfg.StateDir, "session.yaml")), nil, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}

func newApp(cfg config.ClientConfig) (*app, error) {
	secure, flag, closer, err := openStores(cfg)
	if err != nil {
		return nil, err
	}
	a := assemble(cfg, secure, flag)
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	return a, nil
}

func assemble(cfg config.ClientConfig, secure credstore.SecureStore, flag credstore.FlagStore) *app {
	pcfg := pipeline.Config{BaseURL: cfg.APIBaseURL, APIKey: cfg.APIKey, Timeout: cfg.RequestTimeout}
	mgr := session.NewManager(secure, flag, pipeline.NewTokenClient(pcfg), session.WithRefreshTimeout(cfg.RefreshTimeout))
	return &app{cfg: cfg, mgr: mgr, api: restapi.New(pipeline.New(pcfg, mgr))}
}

func (a *app) Close() {
	for _, c := range a.closers {
		_ = c()
	}
}

// requireSession 执行启动检查，未登录时返回 errNotLoggedIn。
func (a *app) requireSession(ctx context.Context) (session.State, error) {
	st := a.mgr.CheckAutoLogin(ctx)
	if !st.LoggedIn() {
		return st, errNotLoggedIn
	}
	return st, nil
}

func (a *app) newChannel() *chat.Channel {
	ch := chat.NewChannel(chat.ChannelConfig{SocketURL: a.cfg.SocketURL, Tokens: a.mgr, API: a.api})
	ch.BindSession(a.mgr)
	return ch
}
