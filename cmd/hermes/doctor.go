package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hermesosint/hermes/internal/execution"
)

var doctorSweep bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check storage, the container runtime and tool availability",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorSweep, "sweep", false, "remove orphaned sandbox containers")
}

func runDoctor(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := 0
	check := func(name string, err error) {
		if err != nil {
			failed++
			fmt.Printf("FAIL  %-10s %v\n", name, err)
			return
		}
		fmt.Printf("ok    %s\n", name)
	}

	check("storage", sc.Store.Ping(ctx))
	dockerUp := false
	if sc.Sandbox == nil {
		fmt.Println("skip  docker     sandbox not configured")
	} else {
		err := sc.Sandbox.Ping(ctx)
		dockerUp = err == nil
		check("docker", err)
	}
	if dockerUp && doctorSweep {
		n, err := sc.Sandbox.Sweep(ctx)
		check("sweep", err)
		if err == nil {
			fmt.Printf("      removed %d orphaned containers\n", n)
		}
	}
	fmt.Printf("      strategy %s\n\n", sc.Strategy.Name())

	native := execution.NewNative(logger)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tNATIVE\tIMAGE\tPINNED\tAVAILABLE")
	for _, tool := range knownTools(sc) {
		image, pinned := "-", "-"
		if sc.Sandbox != nil {
			if img, err := sc.Sandbox.Catalog().Resolve(tool); err == nil {
				image = img.Repository
				if dockerUp {
					ok, err := sc.Sandbox.Present(tool)
					switch {
					case err != nil:
						pinned = "error"
					case ok:
						pinned = "yes"
					default:
						pinned = "no"
					}
				}
			}
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%t\n", tool,
			native.IsAvailable(ctx, tool), image, pinned, sc.Strategy.IsAvailable(ctx, tool))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

// knownTools is the union of catalog tools and adapter tools, catalog first.
func knownTools(sc *SharedComponents) []string {
	seen := make(map[string]bool)
	var out []string
	if sc.Sandbox != nil {
		for _, t := range sc.Sandbox.Catalog().Tools() {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range sc.Adapters.List() {
		if !seen[t] {
			out = append(out, t)
		}
	}
	return out
}
