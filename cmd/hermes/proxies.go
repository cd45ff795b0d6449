package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hermesosint/hermes/internal/config"
	"github.com/hermesosint/hermes/internal/proxy"
)

var proxiesCmd = &cobra.Command{
	Use:   "proxies",
	Short: "Inspect and refresh the proxy pool",
}

var proxiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the loaded proxy list",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withProxies(func(_ context.Context, sc *SharedComponents) error {
			for _, p := range sc.Proxies.List() {
				fmt.Println(p)
			}
			return nil
		})
	},
}

var proxiesStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the proxy list source, size and checksum state",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withProxies(func(_ context.Context, sc *SharedComponents) error {
			p := sc.Proxies
			fmt.Printf("source:   %s\n", p.Source())
			fmt.Printf("proxies:  %d\n", p.Len())
			fmt.Printf("checksum: %s\n", p.Checksum())
			fmt.Printf("verified: %t\n", p.Verified())
			return nil
		})
	},
}

var proxiesLoadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Import a proxy list, verifying its .sha256 sibling, into the pool file",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withProxies(func(_ context.Context, sc *SharedComponents) error {
			n, err := sc.Proxies.Load(args[0])
			if err != nil {
				return err
			}
			if !sc.Proxies.Verified() {
				fmt.Fprintf(os.Stderr, "warning: %s has no checksum file, integrity unverified\n", args[0])
			}
			if err := sc.Proxies.Save(sc.Config.ProxyFile()); err != nil {
				return err
			}
			fmt.Printf("imported %d proxies into %s\n", n, sc.Config.ProxyFile())
			return nil
		})
	},
}

var proxiesRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Pull public proxy lists into the pool and write it back with a fresh checksum",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withProxies(func(ctx context.Context, sc *SharedComponents) error {
			added, err := newRefresher(sc).Refresh(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("added %d proxies, pool size %d (%s)\n", added, sc.Proxies.Len(), sc.Config.ProxyFile())
			return nil
		})
	},
}

func init() {
	proxiesCmd.AddCommand(proxiesLoadCmd, proxiesListCmd, proxiesStatusCmd, proxiesRefreshCmd)
}

// withProxies runs fn with the pool enabled even when the config has no
// proxy section.
func withProxies(fn func(ctx context.Context, sc *SharedComponents) error) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Proxy == nil {
		cfg.Proxy = &config.ProxyConfig{}
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, sc)
}

// newRefresher builds a refresher that vets source URLs with the shared guard.
func newRefresher(sc *SharedComponents) *proxy.Refresher {
	pc := sc.Config.Proxy
	return proxy.NewRefresher(sc.Proxies, proxy.RefresherConfig{
		Path:          sc.Config.ProxyFile(),
		Sources:       pc.Sources,
		Verify:        pc.Verify,
		VerifyTimeout: pc.VerifyTimeout(),
	}, sc.Guard, nil, sc.Logger)
}
