package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/proxy-fetch-cache/internal/cache"
	"github.com/proxy-fetch-cache/internal/fetcher"
	"github.com/proxy-fetch-cache/internal/pool"
	"github.com/proxy-fetch-cache/internal/resume"
	"github.com/proxy-fetch-cache/internal/runner"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	prefetchFile    string
	prefetchWorkers int
	prefetchForce   bool
	prefetchResume  string
)

var prefetchCmd = &cobra.Command{
	Use:   "prefetch [url...] [--file urls.txt]",
	Short: "Download URLs through the proxy pool into the page cache.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		urls := append([]string(nil), args...)
		if prefetchFile != "" {
			fromFile, err := readURLFile(prefetchFile)
			if err != nil {
				return err
			}
			urls = append(urls, fromFile...)
		}
		if len(urls) == 0 {
			return fmt.Errorf("no URLs given")
		}

		workers := cfg.Runner.MaxWorkers
		if prefetchWorkers > 0 {
			workers = prefetchWorkers
		}

		opts := []runner.Option{runner.WithForce(prefetchForce)}
		ledgerPath := cfg.Runner.ResumeFile
		if prefetchResume != "" {
			ledgerPath = prefetchResume
		}
		if ledgerPath != "" {
			ledger, err := resume.Open(ledgerPath)
			if err != nil {
				return err
			}
			opts = append(opts, runner.WithLedger(ledger))
		}

		p := pool.NewFromConfig(cfg, nil)
		defer p.Close()

		f := fetcher.New(p, cache.New(cfg.Fetcher.CacheDir), fetcher.OptionsFromConfig(cfg, nil))
		report := runner.New(f, workers, opts...).Run(cmd.Context(), urls)

		for _, path := range report.Paths {
			fmt.Fprintln(cmd.OutOrStdout(), path)
		}
		if report.Failed > 0 {
			log.Warnf("%d of %d URLs failed", report.Failed, len(urls))
		}
		return nil
	},
}

// readURLFile reads one URL per line, skipping blanks and # comments.
func readURLFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open url file: %w", err)
	}
	defer file.Close()

	var urls []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read url file: %w", err)
	}
	return urls, nil
}

func init() {
	prefetchCmd.Flags().StringVarP(&prefetchFile, "file", "f", "", "file with one URL per line")
	prefetchCmd.Flags().IntVarP(&prefetchWorkers, "workers", "w", 0, "worker count (defaults to runner.max_workers)")
	prefetchCmd.Flags().BoolVar(&prefetchForce, "force", false, "refetch URLs that are already cached")
	prefetchCmd.Flags().StringVar(&prefetchResume, "resume", "", "resume ledger path (overrides runner.resume_file)")
	rootCmd.AddCommand(prefetchCmd)
}
