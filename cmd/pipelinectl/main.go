// Command pipelinectl is a thin CLI wrapper over the control plane's HTTP
// API, for operators driving pipelined from a shell or cron entry instead
// of curl. Exit codes follow §6: 0 success, 1 generic failure, 2 invalid
// configuration (usage).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}

	fs := flag.NewFlagSet("pipelinectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOr("PIPELINECTL_ADDR", "http://localhost:8088"), "control plane base URL")
	pipelineType := fs.String("type", "", "pipeline type (github_sync, data_processing, data_enrichment, ai_analysis)")
	direct := fs.Bool("direct", false, "wait for the run to complete and report its result synchronously")
	processAll := fs.Bool("all", false, "process all available items instead of a single batch")
	limit := fs.Int("limit", 50, "history row limit")
	cronExpr := fs.String("cron", "", "five-field cron expression for schedule create/update")
	timezone := fs.String("tz", "UTC", "IANA timezone for schedule create/update")
	active := fs.Bool("active", true, "schedule is_active for schedule create/update")
	id := fs.Int64("id", 0, "schedule id for update/delete/trigger")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")

	cmd := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	if *pipelineType == "" && requiresType(cmd) {
		fmt.Fprintln(stderr, "-type is required for this command")
		return 2
	}

	client := &http.Client{Timeout: *timeout}

	switch cmd {
	case "start":
		return doJSON(client, stdout, stderr, http.MethodPost, *addr+"/pipeline/start", map[string]any{
			"pipeline_type": *pipelineType, "direct_execution": *direct, "process_all_items": *processAll,
		})
	case "stop":
		return doJSON(client, stdout, stderr, http.MethodPost, *addr+"/pipeline/stop", map[string]any{
			"pipeline_type": *pipelineType,
		})
	case "restart":
		return doJSON(client, stdout, stderr, http.MethodPost, *addr+"/pipeline/restart", map[string]any{
			"pipeline_type": *pipelineType, "process_all_items": *processAll,
		})
	case "status":
		url := *addr + "/pipeline/status"
		if *pipelineType != "" {
			url += "?pipeline_type=" + *pipelineType
		}
		return doGet(client, stdout, stderr, url)
	case "history":
		return doGet(client, stdout, stderr, fmt.Sprintf("%s/pipeline/history?pipeline_type=%s&limit=%d", *addr, *pipelineType, *limit))
	case "health":
		return doGet(client, stdout, stderr, *addr+"/health")
	case "schedules":
		return doGet(client, stdout, stderr, *addr+"/schedules")
	case "schedule-create":
		if *cronExpr == "" {
			fmt.Fprintln(stderr, "-cron is required for schedule-create")
			return 2
		}
		return doJSON(client, stdout, stderr, http.MethodPost, *addr+"/schedules", map[string]any{
			"pipeline_type": *pipelineType, "cron_expression": *cronExpr, "timezone": *timezone, "is_active": *active,
		})
	case "schedule-update":
		if *id == 0 {
			fmt.Fprintln(stderr, "-id is required for schedule-update")
			return 2
		}
		return doJSON(client, stdout, stderr, http.MethodPatch, fmt.Sprintf("%s/schedules/%d", *addr, *id), map[string]any{
			"cron_expression": *cronExpr, "timezone": *timezone, "is_active": *active,
		})
	case "schedule-delete":
		if *id == 0 {
			fmt.Fprintln(stderr, "-id is required for schedule-delete")
			return 2
		}
		return doJSON(client, stdout, stderr, http.MethodDelete, fmt.Sprintf("%s/schedules/%d", *addr, *id), nil)
	case "schedule-trigger":
		if *id == 0 {
			fmt.Fprintln(stderr, "-id is required for schedule-trigger")
			return 2
		}
		return doJSON(client, stdout, stderr, http.MethodPost, fmt.Sprintf("%s/schedules/%d/trigger", *addr, *id), nil)
	default:
		usage(stderr)
		return 2
	}
}

func requiresType(cmd string) bool {
	switch cmd {
	case "start", "stop", "restart", "history", "schedule-create":
		return true
	default:
		return false
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage: pipelinectl <command> [flags]

commands:
  start   -type T [-direct] [-all]
  stop    -type T
  restart -type T [-all]
  status  [-type T]
  history -type T [-limit N]
  health
  schedules
  schedule-create -type T -cron "EXPR" [-tz TZ] [-active]
  schedule-update -id N [-cron "EXPR"] [-tz TZ] [-active]
  schedule-delete -id N
  schedule-trigger -id N

flags:
  -addr  control plane base URL (default http://localhost:8088, or $PIPELINECTL_ADDR)`)
}

func doGet(client *http.Client, stdout, stderr io.Writer, url string) int {
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintln(stderr, "request failed:", err)
		return 1
	}
	return emit(resp, stdout, stderr)
}

func doJSON(client *http.Client, stdout, stderr io.Writer, method, url string, body map[string]any) int {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintln(stderr, "encode request:", err)
			return 1
		}
		reader = strings.NewReader(string(raw))
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		fmt.Fprintln(stderr, "build request:", err)
		return 1
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintln(stderr, "request failed:", err)
		return 1
	}
	return emit(resp, stdout, stderr)
}

func emit(resp *http.Response, stdout, stderr io.Writer) int {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintln(stderr, "read response:", err)
		return 1
	}

	var pretty interface{}
	if err := json.Unmarshal(raw, &pretty); err == nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(pretty)
	} else {
		fmt.Fprintln(stdout, string(raw))
	}

	if resp.StatusCode >= 400 {
		return 1
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
