package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ghalamif/calibflow"
	"github.com/ghalamif/calibflow/internal/adapters/journal"
	"github.com/ghalamif/calibflow/internal/adapters/logfile"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "serve":
		err = serveCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "verify":
		err = verifyCommand(os.Args[2:])
	case "runs":
		err = runsCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Printf("calib-edge %s: %v", cmd, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps the way a run ended to the process status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, calibflow.ErrIOFault):
		return 3
	case errors.Is(err, calibflow.ErrTotalDeviceLoss):
		return 4
	case errors.Is(err, calibflow.ErrConfiguration):
		return 2
	default:
		return 1
	}
}

func newRuntime(cfgPath string) (*calibflow.Runtime, error) {
	cfg, err := calibflow.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return calibflow.NewRuntime(cfg)
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to calibration configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rt, err := newRuntime(*cfgPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return rt.Run(ctx)
}

func serveCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to calibration configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rt, err := newRuntime(*cfgPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return rt.Serve(ctx)
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := calibflow.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("config %s looks good: %d channels, cadence %s\n", *cfgPath, len(cfg.Channels), cfg.Run.Cadence)
	return nil
}

func verifyCommand(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("%w: verify needs at least one log file", calibflow.ErrConfiguration)
	}

	var failed int
	for _, path := range fs.Args() {
		rep, err := logfile.VerifyFile(path)
		if err != nil {
			failed++
			fmt.Printf("%s: %v\n", path, err)
			continue
		}
		fmt.Printf("%s: %d rows, %d channels, %d gaps\n", path, rep.Rows, len(rep.Channels), rep.Gaps)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d logs are damaged", failed, fs.NArg())
	}
	return nil
}

func runsCommand(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to calibration configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := calibflow.LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Journal.Dir == "" {
		return fmt.Errorf("%w: journal.dir is not set", calibflow.ErrConfiguration)
	}

	j, err := journal.Open(cfg.Journal.Dir)
	if err != nil {
		return err
	}
	defer j.Close()

	runs, err := j.List()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tCYCLES\tLOG\tREASON")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.StartedAt.Format(time.RFC3339), r.Status, r.Cycles, r.LogPath, r.Reason)
	}
	return tw.Flush()
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	targets := map[string]float64{
		"calib_cycles_total":        0,
		"calib_reading_gaps_total":  0,
		"calib_run_status":          0,
		"calib_mirror_queue_length": 0,
		"calib_spool_size_bytes":    0,
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for key := range targets {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %f", &value); err == nil {
					targets[key] = value
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("[%s] status=%.0f cycles=%.0f gaps=%.0f mirror_queue=%.0f spool_bytes=%.0f\n",
		time.Now().Format(time.RFC3339),
		targets["calib_run_status"],
		targets["calib_cycles_total"],
		targets["calib_reading_gaps_total"],
		targets["calib_mirror_queue_length"],
		targets["calib_spool_size_bytes"],
	)
	return nil
}

func printUsage() {
	fmt.Printf(`calib-edge: thermistor calibration acquisition

Usage:
  calib-edge <command> [flags]

Commands:
  run        Start one run and record until Ctrl+C or a fault
  serve      Keep the instruments open and control runs over HTTP
  validate   Load and validate a config file without touching the instruments
  verify     Check that run logs are complete and contiguous
  runs       List the run journal
  stats      Poll the Prometheus metrics endpoint and print live counters

Exit status:
  0 stopped, 2 configuration error, 3 log I/O fault, 4 total device loss, 1 other

Examples:
  calib-edge run -config ./data/config.yaml
  calib-edge serve -config ./data/config.yaml
  calib-edge verify ./data/runs/calib_thermistors_240131_120000.tsv
  calib-edge stats -url http://localhost:9100/metrics -interval 1s
`)
}
