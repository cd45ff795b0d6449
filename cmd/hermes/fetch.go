package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hermesosint/hermes/internal/fetch"
)

var (
	fetchMethod  string
	fetchHeaders []string
	fetchData    string
	fetchRetries int
	fetchDelay   time.Duration
	fetchNoProxy bool
	fetchRateKey string
	fetchBody    bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Fetch a URL through the guarded pipeline and print the result as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

func init() {
	fetchCmd.Flags().StringVarP(&fetchMethod, "method", "X", "GET", "HTTP method")
	fetchCmd.Flags().StringArrayVarP(&fetchHeaders, "header", "H", nil, `request header ("Name: value"), repeatable`)
	fetchCmd.Flags().StringVarP(&fetchData, "data", "d", "", "request body")
	fetchCmd.Flags().IntVar(&fetchRetries, "retries", 0, "total attempts (0 = config default)")
	fetchCmd.Flags().DurationVar(&fetchDelay, "delay", 0, "backoff base between attempts (0 = config default)")
	fetchCmd.Flags().BoolVar(&fetchNoProxy, "no-proxy", false, "send directly even when proxies are loaded")
	fetchCmd.Flags().StringVar(&fetchRateKey, "rate-key", "", "durable rate-limit resource to consult first")
	fetchCmd.Flags().BoolVar(&fetchBody, "body-only", false, "print only the response body")
}

func runFetch(_ *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	req := fetch.Request{
		URL:     args[0],
		Method:  strings.ToUpper(fetchMethod),
		Retries: fetchRetries,
		Delay:   fetchDelay,
		NoProxy: fetchNoProxy,
		RateKey: fetchRateKey,
	}
	if fetchData != "" {
		req.Body = []byte(fetchData)
	}
	for _, h := range fetchHeaders {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("invalid header %q (want \"Name: value\")", h)
		}
		if req.Headers == nil {
			req.Headers = make(http.Header)
		}
		req.Headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := sc.Fetcher.Fetch(ctx, req)
	if fetchBody {
		fmt.Print(res.Text)
	} else {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	if !res.OK {
		return fmt.Errorf("fetch failed: status=%d kind=%s %s", res.Status, res.Kind, res.Error)
	}
	return nil
}
