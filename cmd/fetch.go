package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danavision/crawl-service/internal/api"
	"github.com/danavision/crawl-service/internal/scrape"
)

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <url>...",
		Short: "Scrape URLs once and print the JSON result",
		Long: `Scrapes the given URLs on one browser and prints the same JSON the HTTP API
returns: a single object for one URL, {"results": [...]} for several.`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("at least one URL is required")
			}
			for _, raw := range args {
				if err := scrape.ValidateURL(raw); err != nil {
					return fmt.Errorf("%s: %w", raw, err)
				}
			}
			return nil
		},
		RunE: runFetchCommand,
	}
	cmd.Flags().Duration("timeout", 0, "per-page load timeout (default scrape.default_timeout_ms)")
	cmd.Flags().String("wait-for", "", "CSS selector to wait for (single URL only)")
	cmd.Flags().Int("max-concurrent", 0, "per-batch admission limit (overrides scrape.max_concurrent)")
	return cmd
}

func runFetchCommand(cmd *cobra.Command, args []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return fmt.Errorf("read --timeout: %w", err)
	}
	waitFor, err := cmd.Flags().GetString("wait-for")
	if err != nil {
		return fmt.Errorf("read --wait-for: %w", err)
	}
	if waitFor != "" && len(args) > 1 {
		return errors.New("--wait-for applies to a single URL")
	}
	urls := make([]string, len(args))
	for i, raw := range args {
		if urls[i], err = scrape.NormalizeURL(raw); err != nil {
			return fmt.Errorf("%s: %w", raw, err)
		}
	}

	scheduler := appInstance.Scheduler()
	started := time.Now()
	var payload any
	succeeded := 0
	if len(urls) == 1 {
		outcome := scheduler.Scrape(cmd.Context(), scrape.FetchRequest{
			URL:     urls[0],
			WaitFor: waitFor,
			Timeout: timeout,
		})
		if outcome.Success {
			succeeded = 1
		}
		payload = api.NewScrapeResponse(outcome)
	} else {
		result := scheduler.Batch(cmd.Context(), scrape.BatchJob{URLs: urls, Timeout: timeout})
		for _, o := range result.Outcomes {
			if o.Success {
				succeeded++
			}
		}
		payload = api.NewBatchResponse(result)
	}

	appInstance.Logger().Info("fetch finished",
		zap.Int("urls", len(urls)),
		zap.Int("succeeded", succeeded),
		zap.Duration("elapsed", time.Since(started)),
	)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
