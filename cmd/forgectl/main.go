// Package main implements the forgectl CLI for manual operations against the
// taskforged HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the taskforged HTTP server
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
	Use:   "forgectl",
	Short: "CLI for taskforged HTTP server operations",
	Long: `forgectl is a command-line interface for interacting with the taskforged HTTP server.
It provides commands for submitting work-items, inspecting task progress, supplying
clarification answers, and cancelling tasks.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8640", "taskforged server URL")
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(healthCmd)

	submitCmd.Flags().StringVar(&submitRef, "ref", "", "external work-item reference (required)")
	submitCmd.Flags().StringVar(&submitRepo, "repo", "", "repository URL (required)")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "scheduling priority, higher runs first")
	_ = submitCmd.MarkFlagRequired("ref")
	_ = submitCmd.MarkFlagRequired("repo")

	listCmd.Flags().StringVar(&listState, "state", "", "filter by task state")

	statusCmd.Flags().BoolVar(&statusTransitions, "transitions", false, "show the state transition history")
}

var (
	submitRef      string
	submitRepo     string
	submitPriority int
	listState      string

	statusTransitions bool
)

// submitCmd submits a new work-item
var submitCmd = &cobra.Command{
	Use:   "submit [requirement]...",
	Short: "Submit a work-item for orchestration",
	Long: `Submit a work-item to taskforged. Each positional argument is one
requirement fragment; at least one is required.

Examples:
  # Submit a task
  forgectl submit --ref TICKET-123 --repo https://github.com/acme/api \
    "Add rate limiting to the login endpoint. Must return 429 when exceeded."

  # Higher priority
  forgectl submit --ref TICKET-9 --repo https://github.com/acme/api --priority 10 \
    "Fix the crash on empty payload. Should be covered by a regression test."`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

// listCmd lists known tasks
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	Long: `List all tasks known to taskforged.

Examples:
  # All tasks
  forgectl list

  # Only blocked tasks
  forgectl list --state blocked_on_clarification`,
	RunE: runList,
}

// statusCmd shows one task
var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task's current state and stage history",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

// resumeCmd supplies clarification answers to a blocked task
var resumeCmd = &cobra.Command{
	Use:   "resume <task-id> [answer]...",
	Short: "Supply clarification answers to a blocked task",
	Long: `Supply clarification answers to a task blocked on clarification.
The task re-runs interpretation over the combined requirements and answers.

Examples:
  forgectl resume 1b2c3d "Target repository is https://github.com/acme/api" \
    "Acceptance: login returns 429 after 10 attempts per minute"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runResume,
}

// cancelCmd aborts a task
var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check taskforged server health",
	RunE:  runHealth,
}

// submitRequest matches internal/orchestrator SubmitRequest
type submitRequest struct {
	ExternalRef  string   `json:"external_ref"`
	RepoID       string   `json:"repo_id"`
	Requirements []string `json:"requirements"`
	Priority     int      `json:"priority"`
}

// resumeRequest matches internal/httpapi ResumeRequest
type resumeRequest struct {
	Answers []string `json:"answers"`
}

// taskView is the subset of the task JSON the CLI renders
type taskView struct {
	ID            string    `json:"id"`
	ExternalRef   string    `json:"external_ref"`
	RepoID        string    `json:"repo_id"`
	State         string    `json:"state"`
	StageIndex    int       `json:"stage_index"`
	TerminalError string    `json:"terminal_error"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Results       []struct {
		Stage   string `json:"stage"`
		Attempt int    `json:"attempt"`
		Outcome string `json:"outcome"`
		Error   string `json:"error"`
		Payload *struct {
			PullRequest   string `json:"pull_request_url"`
			Clarification *struct {
				Questions []string `json:"questions"`
			} `json:"clarification"`
		} `json:"payload"`
	} `json:"results"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(submitRequest{
		ExternalRef:  submitRef,
		RepoID:       submitRepo,
		Requirements: args,
		Priority:     submitPriority,
	})
	if err != nil {
		return err
	}

	data, err := doRequest(http.MethodPost, "/api/v1/tasks", body, http.StatusCreated)
	if err != nil {
		return err
	}

	var t taskView
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	fmt.Printf("Submitted task %s (%s)\n", t.ID, t.ExternalRef)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	path := "/api/v1/tasks"
	if listState != "" {
		path += "?state=" + listState
	}
	data, err := doRequest(http.MethodGet, path, nil, http.StatusOK)
	if err != nil {
		return err
	}

	var tasks []taskView
	if err := json.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREF\tSTATE\tSTAGE\tUPDATED")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			t.ID, t.ExternalRef, t.State, t.StageIndex, t.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	data, err := doRequest(http.MethodGet, "/api/v1/tasks/"+args[0], nil, http.StatusOK)
	if err != nil {
		return err
	}

	var t taskView
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	fmt.Printf("Task:     %s\n", t.ID)
	fmt.Printf("Ref:      %s\n", t.ExternalRef)
	fmt.Printf("Repo:     %s\n", t.RepoID)
	fmt.Printf("State:    %s\n", t.State)
	if t.TerminalError != "" {
		fmt.Printf("Error:    %s\n", t.TerminalError)
	}
	fmt.Printf("Created:  %s\n", t.CreatedAt.Format(time.RFC3339))

	if len(t.Results) > 0 {
		fmt.Println("\nStage history:")
		for _, r := range t.Results {
			line := fmt.Sprintf("  %-10s attempt %d  %s", r.Stage, r.Attempt, r.Outcome)
			if r.Error != "" {
				line += "  (" + r.Error + ")"
			}
			fmt.Println(line)
			if r.Payload == nil {
				continue
			}
			if r.Payload.PullRequest != "" {
				fmt.Printf("             pull request: %s\n", r.Payload.PullRequest)
			}
			if r.Payload.Clarification != nil {
				for _, q := range r.Payload.Clarification.Questions {
					fmt.Printf("             question: %s\n", q)
				}
			}
		}
	}

	if statusTransitions {
		if err := printTransitions(args[0]); err != nil {
			return err
		}
	}
	return nil
}

func printTransitions(taskID string) error {
	data, err := doRequest(http.MethodGet, "/api/v1/tasks/"+taskID+"/transitions", nil, http.StatusOK)
	if err != nil {
		return err
	}
	var transitions []struct {
		From      string    `json:"from"`
		To        string    `json:"to"`
		Stage     string    `json:"stage"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &transitions); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	fmt.Println("\nTransitions:")
	for _, tr := range transitions {
		from := tr.From
		if from == "" {
			from = "(new)"
		}
		fmt.Printf("  %s  %s -> %s", tr.Timestamp.Format(time.RFC3339), from, tr.To)
		if tr.Stage != "" {
			fmt.Printf("  [%s]", tr.Stage)
		}
		fmt.Println()
	}
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(resumeRequest{Answers: args[1:]})
	if err != nil {
		return err
	}
	if _, err := doRequest(http.MethodPost, "/api/v1/tasks/"+args[0]+"/resume", body, http.StatusAccepted); err != nil {
		return err
	}
	fmt.Printf("Task %s resumed\n", args[0])
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	if _, err := doRequest(http.MethodPost, "/api/v1/tasks/"+args[0]+"/cancel", nil, http.StatusAccepted); err != nil {
		return err
	}
	fmt.Printf("Task %s cancelled\n", args[0])
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	data, err := doRequest(http.MethodGet, "/health", nil, http.StatusOK)
	if err != nil {
		return err
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &health); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	fmt.Printf("Server: %s\nStatus: %s\n", serverURL, health.Status)
	return nil
}

// doRequest performs one HTTP call against the server and returns the body,
// erroring when the status differs from want.
func doRequest(method, path string, body []byte, want int) ([]byte, error) {
	client := &http.Client{Timeout: 30 * time.Second}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed (is taskforged running at %s?): %w", serverURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != want {
		var httpErr struct {
			Message any `json:"message"`
		}
		if json.Unmarshal(data, &httpErr) == nil && httpErr.Message != nil {
			return nil, fmt.Errorf("server returned %d: %v", resp.StatusCode, httpErr.Message)
		}
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}
