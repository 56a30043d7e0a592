package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/marketdatasub/internal/marketdata/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether a running marketdatad instance is healthy",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	addr := cfg.MetricsAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	client := http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		return fmt.Errorf("marketdatad unreachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("marketdatad reported unhealthy status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	statusResp, err := client.Get("http://" + addr + "/status")
	if err != nil {
		return fmt.Errorf("marketdatad healthy but status endpoint unreachable: %w", err)
	}
	defer statusResp.Body.Close()

	var pretty map[string]any
	if err := json.NewDecoder(statusResp.Body).Decode(&pretty); err != nil {
		return fmt.Errorf("decoding status response: %w", err)
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println("marketdatad is healthy")
	fmt.Println(string(out))
	return nil
}
