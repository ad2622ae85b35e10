package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/vikashloomba/mcp-hub-go/pkg/configstore"
	"github.com/vikashloomba/mcp-hub-go/pkg/hubgateway"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcphub"
)

func main() {
	addr := flag.String("addr", ":8700", "gateway listen address")
	registryURL := flag.String("registry", "", "optional bootstrap registry endpoint")
	var servers serverFlags
	flag.Var(&servers, "server", "backend as id=url, repeatable")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub, err := mcphub.New(mcphub.Options{
		Servers:     configstore.NewMemStore[configstore.ServerRecord](),
		Sessions:    configstore.NewMemStore[configstore.SessionRecord](),
		RegistryURL: *registryURL,
		Redirect: func(_ context.Context, authorizationURL *url.URL) error {
			fmt.Printf("authorize this hub by visiting:\n  %s\n", authorizationURL)
			return nil
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("build hub", zap.Error(err))
	}
	if err := hub.Start(ctx); err != nil {
		logger.Fatal("start hub", zap.Error(err))
	}
	defer hub.Stop()

	for _, s := range servers {
		if err := hub.Connect(configstore.ServerRecord{ID: s.id, URL: s.url}); err != nil {
			logger.Fatal("connect server", zap.String("server", s.id), zap.Error(err))
		}
	}

	gateway, err := hubgateway.NewGateway(hub, &hubgateway.Options{
		Addr:   *addr,
		Logger: logger,
		Streamable: mcp.StreamableHTTPOptions{
			JSONResponse: true,
		},
	})
	if err != nil {
		logger.Fatal("build gateway", zap.Error(err))
	}
	defer gateway.Close()

	logger.Info("gateway listening", zap.String("addr", *addr))
	if err := gateway.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("serve", zap.Error(err))
	}
}

type serverSpec struct {
	id  string
	url string
}

type serverFlags []serverSpec

func (f *serverFlags) String() string {
	parts := make([]string, 0, len(*f))
	for _, s := range *f {
		parts = append(parts, s.id+"="+s.url)
	}
	return strings.Join(parts, ",")
}

func (f *serverFlags) Set(value string) error {
	id, rawURL, ok := strings.Cut(value, "=")
	if !ok || id == "" || rawURL == "" {
		return fmt.Errorf("expected id=url, got %q", value)
	}
	*f = append(*f, serverSpec{id: id, url: rawURL})
	return nil
}
