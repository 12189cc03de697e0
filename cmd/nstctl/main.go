// Package main implements the nstctl CLI for manual operations
// against the nstplusd HTTP server and for offline verification of
// exported result archives.
package main

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ipfsnut/nstplusd/internal/results"
	"github.com/ipfsnut/nstplusd/internal/session"
)

var (
	// serverURL is the base URL for the nstplusd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nstctl",
	Short: "CLI for nstplusd daemon operations",
	Long: `nstctl is a command-line interface for the nstplusd capture daemon.
It provides commands for checking daemon health, inspecting sessions,
fetching results, and verifying exported archives offline.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "nstplusd server URL")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(resultsCmd)
	rootCmd.AddCommand(verifyCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check nstplusd daemon health",
	Long: `Check the health status of the nstplusd daemon, including per-role
camera states.

Examples:
  # Check health
  nstctl health

  # Check health on a different server
  nstctl health --server http://localhost:8080`,
	RunE: runHealth,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List participant sessions",
	RunE:  runSessions,
}

var resultsCmd = &cobra.Command{
	Use:   "results <session-id>",
	Short: "Fetch the checksummed results view for a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runResults,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <export.zip>",
	Short: "Verify the checksum of an exported session archive",
	Long: `Verify an exported session archive offline. The embedded checksum is
recomputed from the archive's results.json; a mismatch indicates the
export was tampered with or corrupted.

Examples:
  nstctl verify session-3f2a.zip`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

// HealthResponse matches internal/httpapi HealthResponse.
type HealthResponse struct {
	Status  string            `json:"status"`
	Cameras map[string]string `json:"cameras"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	var resp HealthResponse
	if err := getJSON(serverURL+"/health", &resp); err != nil {
		return err
	}

	fmt.Printf("Daemon Status: %s\n", resp.Status)
	for role, state := range resp.Cameras {
		fmt.Printf("Camera %-10s %s\n", role+":", state)
	}
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	var sessions []session.State
	if err := getJSON(serverURL+"/api/v1/sessions", &sessions); err != nil {
		return err
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("%s  participant=%s  status=%s  trials=%d  responses=%d  captures=%d\n",
			s.ID, s.ParticipantID, s.Status, len(s.Trials), len(s.Responses), len(s.Captures))
	}
	return nil
}

func runResults(cmd *cobra.Command, args []string) error {
	var view results.FullResults
	if err := getJSON(serverURL+"/api/v1/sessions/"+args[0]+"/results", &view); err != nil {
		return err
	}

	out, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	view, err := readExport(args[0])
	if err != nil {
		return err
	}

	if err := results.VerifyExport(view); err != nil {
		return fmt.Errorf("verification FAILED for %s: %w", args[0], err)
	}

	fmt.Printf("OK: %s\n", args[0])
	fmt.Printf("  session:   %s\n", view.SessionID)
	fmt.Printf("  checksum:  %s\n", view.Checksum)
	fmt.Printf("  trials:    %d\n", len(view.Trials))
	fmt.Printf("  accuracy:  %.3f\n", view.Summary.Accuracy)
	return nil
}

// readExport extracts results.json from an exported archive.
func readExport(path string) (*results.FullResults, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != "results.json" {
			continue
		}
		r, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to read results.json: %w", err)
		}
		defer r.Close()

		var view results.FullResults
		if err := json.NewDecoder(r).Decode(&view); err != nil {
			return nil, fmt.Errorf("failed to decode results.json: %w", err)
		}
		return &view, nil
	}
	return nil, fmt.Errorf("archive %s contains no results.json", path)
}

func getJSON(url string, out any) error {
	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
