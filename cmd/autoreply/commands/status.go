package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/autoreply/pkg/autoreply/dashboard"
)

// newStatusCmd creates the `autoreply status` command, which queries a
// running service through its dashboard.
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			url, _ := cmd.Flags().GetString("url")
			if url == "" {
				url = dashboardURL(cfg.Dashboard.Address)
			}

			st, err := fetchStatus(cmd.Context(), url, cfg.Dashboard.AuthToken)
			if err != nil {
				return err
			}

			printf("name:        %s\n", st.Name)
			printf("state:       %s\n", st.State)
			printf("auto-reply:  %v\n", st.AutoReply)
			printf("completion:  %v\n", st.HasCompletion)
			printf("retries:     %d/%d\n", st.RetryAttempts, st.RetryMax)
			if st.LastError != "" {
				printf("last error:  %s\n", st.LastError)
			}
			printf("history:     %d contacts, %d messages\n", st.HistoryContacts, st.HistoryMessages)
			printf("messages:    %d received, %d sent\n", st.Stats.Received, st.Stats.Sent)
			printf("replies:     %d ai, %d keyword, %d fallback\n",
				st.Stats.AIResponses, st.Stats.KeywordResponses, st.Stats.FallbackResponses)
			printf("uptime:      %s\n", st.Uptime)
			if st.HasQR {
				printf("\nA pairing QR code is waiting: open %s in a browser.\n", url)
			}
			return nil
		},
	}
	cmd.Flags().String("url", "", "dashboard base URL (default from config)")
	return cmd
}

func dashboardURL(address string) string {
	if strings.HasPrefix(address, ":") {
		address = "127.0.0.1" + address
	}
	return "http://" + address
}

func fetchStatus(ctx context.Context, baseURL, token string) (*dashboard.StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/status", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying dashboard (is the service running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dashboard returned %s", resp.Status)
	}

	var st dashboard.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &st, nil
}
