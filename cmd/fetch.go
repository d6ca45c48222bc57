package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/webpeel/webpeel/internal/fetch"
)

type fetchFlags struct {
	browser      bool
	stealth      bool
	wait         time.Duration
	timeout      time.Duration
	userAgent    string
	headers      []string
	profileDir   string
	headed       bool
	actionsFile  string
	storageState string
	screenshot   bool
	fullPage     bool
	outFile      string
	asJSON       bool
}

// newFetchCmd creates the 'fetch' subcommand. Multiple URLs are fetched in
// order; a failing URL is reported and the rest still run.
func newFetchCmd() *cobra.Command {
	flags := &fetchFlags{}

	cmd := &cobra.Command{
		Use:   "fetch URL [URL...]",
		Short: "Fetches one or more pages",
		Long: `Fetches each URL through the lightweight HTTP pipeline, or through
the headless browser when --browser (or any browser-only option) is set.
Page content is written to stdout, or to --out when fetching a single URL.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetchCommand(cmd, args, flags)
		},
	}

	cmd.Flags().BoolVar(&flags.browser, "browser", false, "use the headless browser pipeline")
	cmd.Flags().BoolVar(&flags.stealth, "stealth", false, "use the stealth browser (implies --browser)")
	cmd.Flags().DurationVar(&flags.wait, "wait", 0, "extra settle delay after navigation (browser only)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "per-URL timeout (0 uses the configured default)")
	cmd.Flags().StringVar(&flags.userAgent, "user-agent", "", "override the User-Agent header")
	cmd.Flags().StringArrayVar(&flags.headers, "header", nil, "extra request header as 'Name: value' (repeatable)")
	cmd.Flags().StringVar(&flags.profileDir, "profile", "", "persistent browser profile directory (implies --browser)")
	cmd.Flags().BoolVar(&flags.headed, "headed", false, "run the profile browser with a visible window")
	cmd.Flags().StringVar(&flags.actionsFile, "actions", "", "JSON file of page actions to run after load (implies --browser)")
	cmd.Flags().StringVar(&flags.storageState, "storage-state", "", "JSON file of session cookies to inject (implies --browser)")
	cmd.Flags().BoolVar(&flags.screenshot, "screenshot", false, "capture a screenshot after load (implies --browser)")
	cmd.Flags().BoolVar(&flags.fullPage, "full-page", false, "extend the screenshot to the full scroll height")
	cmd.Flags().StringVar(&flags.outFile, "out", "", "write content to a file instead of stdout (single URL only)")
	cmd.Flags().BoolVar(&flags.asJSON, "json", false, "emit a JSON envelope per URL instead of raw content")

	return cmd
}

// fetchEnvelope is the machine-readable per-URL output of --json mode.
type fetchEnvelope struct {
	URL         string `json:"url"`
	FinalURL    string `json:"final_url,omitempty"`
	StatusCode  int    `json:"status_code,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	UsedBrowser bool   `json:"used_browser"`
	DurationMs  int64  `json:"duration_ms"`
	Bytes       int    `json:"bytes"`
	Body        string `json:"body,omitempty"`
	Error       string `json:"error,omitempty"`
}

func runFetchCommand(cmd *cobra.Command, args []string, flags *fetchFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if flags.outFile != "" && len(args) > 1 {
		return fmt.Errorf("--out supports a single URL, got %d", len(args))
	}

	useBrowser := flags.browser || flags.stealth || flags.profileDir != "" ||
		flags.actionsFile != "" || flags.storageState != "" || flags.screenshot

	headers, err := parseHeaders(flags.headers)
	if err != nil {
		return err
	}

	var actions []fetch.PageAction
	if flags.actionsFile != "" {
		actions, err = loadActions(flags.actionsFile)
		if err != nil {
			return err
		}
	}
	var storage *fetch.StorageState
	if flags.storageState != "" {
		storage, err = loadStorageState(flags.storageState)
		if err != nil {
			return err
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	var failed int
	for _, rawURL := range args {
		var res fetch.Result
		if useBrowser {
			res, err = appInstance.engine.BrowserFetch(cmd.Context(), rawURL, fetch.BrowserOptions{
				Wait:         flags.wait,
				Timeout:      flags.timeout,
				UserAgent:    flags.userAgent,
				Headers:      headers,
				Stealth:      flags.stealth,
				ProfileDir:   flags.profileDir,
				Headed:       flags.headed,
				StorageState: storage,
				Actions:      actions,
				Screenshot:   flags.screenshot,
				FullPage:     flags.fullPage,
			})
		} else {
			res, err = appInstance.engine.SimpleFetch(cmd.Context(), rawURL, fetch.SimpleOptions{
				UserAgent: flags.userAgent,
				Timeout:   flags.timeout,
				Headers:   headers,
			})
		}

		if err != nil {
			failed++
			appInstance.logger.Error("fetch failed", zap.String("url", rawURL), zap.Error(err))
			if flags.asJSON {
				_ = encoder.Encode(fetchEnvelope{URL: rawURL, UsedBrowser: useBrowser, Error: err.Error()})
			}
			continue
		}

		if err := emitResult(cmd, flags, rawURL, res, encoder); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d fetches failed", failed, len(args))
	}
	return nil
}

func emitResult(cmd *cobra.Command, flags *fetchFlags, rawURL string, res fetch.Result, encoder *json.Encoder) error {
	content := []byte(res.Body)
	if len(res.RawBytes) > 0 {
		content = res.RawBytes
	}
	if flags.screenshot && len(res.Screenshot) > 0 {
		content = res.Screenshot
	}

	if flags.asJSON {
		return encoder.Encode(fetchEnvelope{
			URL:         rawURL,
			FinalURL:    res.FinalURL,
			StatusCode:  res.StatusCode,
			ContentType: res.ContentType,
			UsedBrowser: res.UsedBrowser,
			DurationMs:  res.Duration.Milliseconds(),
			Bytes:       len(content),
			Body:        res.Body,
		})
	}

	if flags.outFile != "" {
		return os.WriteFile(flags.outFile, content, 0o644)
	}
	_, err := cmd.OutOrStdout().Write(content)
	return err
}

func parseHeaders(raw []string) (http.Header, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := http.Header{}
	for _, h := range raw {
		name, value, ok := splitHeader(h)
		if !ok {
			return nil, fmt.Errorf("malformed header %q, want 'Name: value'", h)
		}
		headers.Add(name, value)
	}
	return headers, nil
}

func splitHeader(h string) (name, value string, ok bool) {
	for i := 0; i < len(h); i++ {
		if h[i] == ':' {
			name = h[:i]
			value = h[i+1:]
			for len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
			return name, value, name != ""
		}
	}
	return "", "", false
}

// actionSpec is the on-disk shape of one page action; durations are given
// in milliseconds rather than Go duration syntax.
type actionSpec struct {
	Type       string `json:"type"`
	Selector   string `json:"selector,omitempty"`
	Value      string `json:"value,omitempty"`
	DurationMs int    `json:"duration_ms,omitempty"`
	FullPage   bool   `json:"full_page,omitempty"`
}

func loadActions(path string) ([]fetch.PageAction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read actions file: %w", err)
	}
	var specs []actionSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse actions file: %w", err)
	}
	actions := make([]fetch.PageAction, 0, len(specs))
	for i, s := range specs {
		a := fetch.PageAction{
			Type:     fetch.ActionType(s.Type),
			Selector: s.Selector,
			Value:    s.Value,
			Duration: time.Duration(s.DurationMs) * time.Millisecond,
			FullPage: s.FullPage,
		}
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("actions[%d]: %w", i, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func loadStorageState(path string) (*fetch.StorageState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read storage state file: %w", err)
	}
	var state fetch.StorageState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse storage state file: %w", err)
	}
	return &state, nil
}
