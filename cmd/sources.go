package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/proxy-fetch-cache/internal/aggregator"
	"github.com/proxy-fetch-cache/internal/checker"
	"github.com/spf13/cobra"
)

var (
	sourcesValidate bool
	sourcesLimit    int
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Fetch the configured proxy lists and print the candidates.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		limit := cfg.Pool.MaxSize
		if sourcesLimit > 0 {
			limit = sourcesLimit
		}

		agg := aggregator.NewAggregator(cfg.Pool, limit, nil)
		candidates, stats := agg.Aggregate(cmd.Context())

		urls := make([]string, 0, len(stats))
		for url := range stats {
			urls = append(urls, url)
		}
		sort.Strings(urls)
		for _, url := range urls {
			stat := stats[url]
			if stat.Error != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: error: %s\n", url, stat.Error)
				continue
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d proxies\n", url, stat.ProxiesFound)
		}

		if sourcesValidate {
			start := time.Now()
			chk := checker.NewChecker(cfg.Checker, cfg.Pool.UserAgent, nil)
			candidates = chk.ValidateBatch(cmd.Context(), candidates)
			fmt.Fprintf(cmd.ErrOrStderr(), "%d passed validation in %v\n", len(candidates), time.Since(start).Round(time.Millisecond))
		}

		for _, proxy := range candidates {
			fmt.Fprintln(cmd.OutOrStdout(), proxy)
		}
		return nil
	},
}

func init() {
	sourcesCmd.Flags().BoolVar(&sourcesValidate, "validate", false, "run the two-stage validator on the candidates")
	sourcesCmd.Flags().IntVarP(&sourcesLimit, "limit", "n", 0, "maximum candidates (defaults to pool.max_size)")
	rootCmd.AddCommand(sourcesCmd)
}
