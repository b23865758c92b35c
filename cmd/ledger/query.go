package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/codelaboratoryltd/radius-ledger/pkg/audit"
	"github.com/codelaboratoryltd/radius-ledger/pkg/client"
)

var (
	apiURL       string
	apiToken     string
	apiTokenFile string
	apiTimeout   time.Duration
	outputJSON   bool

	statsRange string

	logsLevel  string
	logsType   string
	logsLimit  int
	logsOffset int
)

func init() {
	for _, c := range []*cobra.Command{statsCmd, logsCmd} {
		c.Flags().StringVar(&apiURL, "url", "http://localhost:8080/api/radius",
			"Ledger API base URL")
		c.Flags().StringVar(&apiToken, "token", "",
			"Bearer token (deprecated: use --token-file)")
		c.Flags().StringVar(&apiTokenFile, "token-file", "",
			"Path to file containing the bearer token")
		c.Flags().DurationVar(&apiTimeout, "timeout", 10*time.Second,
			"Request timeout")
		c.Flags().BoolVar(&outputJSON, "json", false,
			"Print raw JSON")
	}

	statsCmd.Flags().StringVarP(&statsRange, "range", "r", "",
		"Time range: 1h, 24h, 7d, 30d (empty for all time)")

	logsCmd.Flags().StringVar(&logsLevel, "level", "",
		"Filter by level: info, warning, error")
	logsCmd.Flags().StringVar(&logsType, "type", "",
		"Filter by type: auth, acct, system")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 50,
		"Entries per page")
	logsCmd.Flags().IntVar(&logsOffset, "offset", 0,
		"Entries to skip")

	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(logsCmd)
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show session and authentication statistics from a running ledger",
	RunE:  showStats,
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the authentication and accounting log from a running ledger",
	RunE:  showLogs,
}

func newClient() *client.Client {
	cfg := client.DefaultConfig()
	cfg.BaseURL = apiURL
	cfg.Timeout = apiTimeout
	cfg.Token = apiToken
	if apiTokenFile != "" {
		data, err := os.ReadFile(apiTokenFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to read token file: %v\n", err)
		} else {
			cfg.Token = strings.TrimSpace(string(data))
		}
	}
	// One-shot commands fail fast instead of waiting on the breaker.
	cfg.FailureThreshold = 1
	return client.New(cfg, nil)
}

func showStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c := newClient()

	st, err := c.Stats(ctx, statsRange)
	if err != nil {
		return err
	}
	auth, err := c.AuthStats(ctx, statsRange)
	if err != nil {
		return err
	}
	acct, err := c.AccountingStats(ctx, statsRange)
	if err != nil {
		return err
	}

	if outputJSON {
		return printJSON(os.Stdout, map[string]any{"stats": st, "auth": auth, "accounting": acct})
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Range:\t%s\n", orAllTime(statsRange))
	fmt.Fprintf(w, "Uptime:\t%s\n", st.ServerUptime)
	fmt.Fprintf(w, "Active sessions:\t%d\n", st.ActiveSessions)
	fmt.Fprintf(w, "Peak concurrent:\t%d\n", st.PeakConcurrent)
	fmt.Fprintf(w, "Data transferred:\t%s\n", formatBytes(st.DataTransferred))
	fmt.Fprintf(w, "Accounting:\tstart=%d interim=%d stop=%d\n", st.AcctStart, st.AcctUpdate, st.AcctStop)
	fmt.Fprintf(w, "Sessions started/stopped:\t%d/%d\n", acct.SessionsStarted, acct.SessionsStopped)
	fmt.Fprintf(w, "Avg session duration:\t%s\n", (time.Duration(acct.AvgSessionDuration) * time.Second).String())
	fmt.Fprintf(w, "Auth requests:\t%d (%.2f%% success)\n", auth.TotalRequests, auth.SuccessRate)
	fmt.Fprintf(w, "Avg apply latency:\t%.2fms\n", st.AvgResponseTime)
	if err := w.Flush(); err != nil {
		return err
	}

	if len(auth.TopFailedUsers) > 0 {
		fmt.Println("\nTop failed users:")
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, u := range auth.TopFailedUsers {
			fmt.Fprintf(w, "  %s\t%d\n", u.Username, u.Failures)
		}
		return w.Flush()
	}
	return nil
}

func showLogs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	page, err := newClient().Logs(ctx, client.LogQuery{
		Level:  audit.Level(logsLevel),
		Type:   audit.Type(logsType),
		Limit:  logsLimit,
		Offset: logsOffset,
	})
	if err != nil {
		return err
	}

	if outputJSON {
		return printJSON(os.Stdout, page)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tLEVEL\tTYPE\tUSER\tNAS\tMESSAGE")
	for _, e := range page.Logs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Level, e.Type,
			dash(e.Username), dash(e.NASIdentifier), e.Message)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nShowing %d-%d of %d\n", min(logsOffset+1, page.Total), logsOffset+len(page.Logs), page.Total)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func orAllTime(r string) string {
	if r == "" {
		return "all time"
	}
	return r
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
