package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	tenant    string
	timeout   string
	memoryMB  int64

	snapshotDir string
	inputName   string
	patchFile   string
	testCmds    []string
	signature   string
	maxCalls    int
	repo        string
	logsFile    string
)

func main() {
	root := &cobra.Command{
		Use:   "verify-cli",
		Short: "CLI client for verify-engine",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("VERIFY_API_KEY"), "API key")
	root.PersistentFlags().StringVar(&tenant, "tenant", "default", "Tenant ID")

	// Run a command in a sandbox
	runCmd := &cobra.Command{
		Use:   "run [command...]",
		Short: "Run a command in an isolated sandbox",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSubmit,
	}
	runCmd.Flags().StringVar(&timeout, "timeout", "30s", "Job timeout")
	runCmd.Flags().Int64Var(&memoryMB, "memory", 512, "Memory limit in MB")
	runCmd.Flags().StringVar(&snapshotDir, "snapshot", "", "Host directory seeding the workspace")
	root.AddCommand(runCmd)

	// Verify a patch
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Apply a patch to a snapshot and run its tests",
		RunE:  runVerify,
	}
	verifyCmd.Flags().StringVar(&patchFile, "patch", "", "Unified diff file (- for stdin)")
	verifyCmd.Flags().StringVar(&snapshotDir, "snapshot", "", "Snapshot directory")
	verifyCmd.Flags().StringSliceVar(&testCmds, "test", nil, "Test command, space-separated (repeatable)")
	verifyCmd.Flags().StringVar(&timeout, "timeout", "60s", "Per-command timeout")
	root.AddCommand(verifyCmd)

	// Minimize a failing input
	minimizeCmd := &cobra.Command{
		Use:   "minimize [input-file] [command...]",
		Short: "Shrink a failing input while the failure reproduces",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runMinimize,
	}
	minimizeCmd.Flags().StringVar(&inputName, "input-name", "input.txt", "File name the input is written as")
	minimizeCmd.Flags().StringVar(&snapshotDir, "snapshot", "", "Snapshot directory")
	minimizeCmd.Flags().StringVar(&signature, "signature", "", "Failure signature regexp")
	minimizeCmd.Flags().IntVar(&maxCalls, "max-calls", 200, "Oracle call budget")
	minimizeCmd.Flags().StringVar(&timeout, "timeout", "30s", "Per-probe timeout")
	root.AddCommand(minimizeCmd)

	// Correlate a stacktrace
	correlateCmd := &cobra.Command{
		Use:   "correlate [trace-file]",
		Short: "Map a stacktrace to likely source locations",
		Args:  cobra.ExactArgs(1),
		RunE:  runCorrelate,
	}
	correlateCmd.Flags().StringVar(&repo, "repo", ".", "Repository name in the index")
	correlateCmd.Flags().StringVar(&logsFile, "logs", "", "Log file for semantic fallback")
	root.AddCommand(correlateCmd)

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	// List audit records
	root.AddCommand(&cobra.Command{
		Use:   "records",
		Short: "List recent job records",
		RunE:  runRecords,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSubmit(_ *cobra.Command, args []string) error {
	payload := map[string]any{
		"tenant_id": tenant,
		"command":   args,
		"timeout":   timeout,
		"limits": map[string]any{
			"memory_mb":  memoryMB,
			"cpu_shares": 1024,
			"pids_limit": 128,
			"disk_mb":    256,
		},
	}
	if snapshotDir != "" {
		payload["snapshot_dir"] = snapshotDir
	}

	var submitted struct {
		ID string `json:"id"`
	}
	if err := post("/jobs", payload, &submitted); err != nil {
		return err
	}

	// Poll until the job settles.
	for {
		var job map[string]any
		if err := get("/jobs/"+submitted.ID, &job); err != nil {
			return err
		}
		if result, ok := job["result"]; ok && result != nil {
			printJSON(job)
			if res, ok := result.(map[string]any); ok {
				if exitCode, ok := res["exit_code"].(float64); ok && exitCode != 0 {
					os.Exit(int(exitCode))
				}
			}
			return nil
		}
		if errMsg, ok := job["error"].(string); ok && errMsg != "" {
			printJSON(job)
			os.Exit(1)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func runVerify(_ *cobra.Command, _ []string) error {
	if patchFile == "" || snapshotDir == "" || len(testCmds) == 0 {
		return fmt.Errorf("--patch, --snapshot and at least one --test are required")
	}

	var patch []byte
	var err error
	if patchFile == "-" {
		patch, err = io.ReadAll(os.Stdin)
	} else {
		patch, err = os.ReadFile(patchFile)
	}
	if err != nil {
		return fmt.Errorf("reading patch: %w", err)
	}

	commands := make([][]string, 0, len(testCmds))
	for _, c := range testCmds {
		commands = append(commands, strings.Fields(c))
	}

	var result map[string]any
	err = post("/verify", map[string]any{
		"tenant_id":     tenant,
		"snapshot_dir":  snapshotDir,
		"patch":         string(patch),
		"test_commands": commands,
		"timeout":       timeout,
		"score":         true,
	}, &result)
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func runMinimize(_ *cobra.Command, args []string) error {
	input, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	payload := map[string]any{
		"tenant_id":        tenant,
		"command":          args[1:],
		"input_name":       inputName,
		"input":            string(input),
		"timeout":          timeout,
		"max_oracle_calls": maxCalls,
	}
	if snapshotDir != "" {
		payload["snapshot_dir"] = snapshotDir
	}
	if signature != "" {
		payload["failure_signature"] = signature
	}

	var result map[string]any
	if err := post("/minimize", payload, &result); err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func runCorrelate(_ *cobra.Command, args []string) error {
	trace, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading trace: %w", err)
	}

	payload := map[string]any{
		"repo":       repo,
		"stacktrace": string(trace),
	}
	if logsFile != "" {
		logs, err := os.ReadFile(logsFile)
		if err != nil {
			return fmt.Errorf("reading logs: %w", err)
		}
		payload["logs"] = string(logs)
	}

	var result map[string]any
	if err := post("/correlate", payload, &result); err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	var result map[string]any
	if err := get("/health", &result); err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func runRecords(_ *cobra.Command, _ []string) error {
	var result any
	if err := get("/records?tenant="+tenant, &result); err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func post(path string, payload, out any) error {
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest("POST", serverURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

func get(path string, out any) error {
	req, err := http.NewRequest("GET", serverURL+path, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 20 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if resp.StatusCode >= 400 {
		formatted, _ := json.MarshalIndent(out, "", "  ")
		return fmt.Errorf("server returned %s: %s", resp.Status, formatted)
	}
	return nil
}

func printJSON(v any) {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}
