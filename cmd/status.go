package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/dayuer/beacon-gateway/internal/config"
)

var statusURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running gateway",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusURL, "url", "", "gateway base URL (default http://127.0.0.1:<configured port>)")
	rootCmd.AddCommand(statusCmd)
}

type gatewayStatus struct {
	InstanceID     string `json:"instanceId"`
	Uptime         int    `json:"uptime"`
	ActiveRequests int64  `json:"activeRequests"`
	TotalRequests  int64  `json:"totalRequests"`
	ActiveStreams  int64  `json:"activeStreams"`
	AdaptorCount   int    `json:"adaptorCount"`
	Bus            struct {
		Capacity int    `json:"capacity"`
		Policy   string `json:"policy"`
		Channels []struct {
			Subscribers int `json:"subscribers"`
		} `json:"channels"`
	} `json:"bus"`
	Forward *struct {
		Forwarded int64 `json:"forwarded"`
		Succeeded int64 `json:"succeeded"`
		Failed    int64 `json:"failed"`
		TimedOut  int64 `json:"timedOut"`
		Late      int64 `json:"late"`
		Pending   int   `json:"pending"`
	} `json:"forward"`
	ForwardConfig *struct {
		TimeoutMs int  `json:"timeoutMs"`
		AwaitMode bool `json:"awaitMode"`
	} `json:"forwardConfig"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	base := statusURL
	if base == "" {
		base = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, base+"/api/status", nil)
	if err != nil {
		return err
	}
	if cfg.Server.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Server.APIKey)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway not reachable at %s: %w", base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}

	var st gatewayStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	fmt.Println("🛰  beacon Status")
	fmt.Println()
	fmt.Printf("Gateway:  %s\n", base)
	fmt.Printf("Instance: %s (up %s)\n", st.InstanceID, time.Duration(st.Uptime)*time.Second)
	fmt.Printf("Requests: %d active, %d total\n", st.ActiveRequests, st.TotalRequests)
	fmt.Printf("Streams:  %d\n", st.ActiveStreams)
	subs := 0
	for _, ch := range st.Bus.Channels {
		subs += ch.Subscribers
	}
	fmt.Printf("Bus:      %d channels, %d subscribers (%s, %d events/channel)\n",
		len(st.Bus.Channels), subs, st.Bus.Policy, st.Bus.Capacity)
	fmt.Printf("Adaptors: %d\n", st.AdaptorCount)
	if fc := st.ForwardConfig; fc != nil {
		mode := "fire-and-forget"
		if fc.AwaitMode {
			mode = fmt.Sprintf("await (%dms)", fc.TimeoutMs)
		}
		fmt.Printf("Forward:  %s\n", mode)
	}
	if f := st.Forward; f != nil {
		fmt.Printf("  forwarded %d, succeeded %d, failed %d, timed out %d, late %d, pending %d\n",
			f.Forwarded, f.Succeeded, f.Failed, f.TimedOut, f.Late, f.Pending)
	}
	return nil
}
