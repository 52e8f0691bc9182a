package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// jobwrap runs a command on a remote node and reports live status marks
// back to the control plane. The job id and API address arrive through the
// environment injected at submission time.
//
//	FORGE_JOB_ID   id of the job this command belongs to
//	FORGE_API_URL  base URL of the control plane API

const reportTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: jobwrap <command> [args...]")
		os.Exit(2)
	}

	jobID := os.Getenv("FORGE_JOB_ID")
	apiURL := strings.TrimRight(os.Getenv("FORGE_API_URL"), "/")

	report(apiURL, jobID, "started", "")

	cmd := exec.Command(os.Args[1], os.Args[2:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		report(apiURL, jobID, "crashed", "start: "+err.Error())
		fmt.Fprintf(os.Stderr, "jobwrap: %v\n", err)
		os.Exit(1)
	}

	// Forward termination signals so the wrapped command can clean up.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for s := range sigs {
			_ = cmd.Process.Signal(s)
		}
	}()

	err := cmd.Wait()
	signal.Stop(sigs)
	close(sigs)

	if err != nil {
		report(apiURL, jobID, "crashed", err.Error())
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
	report(apiURL, jobID, "finished", "")
}

// report POSTs a live-status mark. Reporting is best effort: the control
// plane reconciles from provider state, so a lost mark only delays it.
func report(apiURL, jobID, status, details string) {
	if apiURL == "" || jobID == "" {
		return
	}
	body, _ := json.Marshal(map[string]string{
		"live_status": status,
		"details":     details,
	})
	url := fmt.Sprintf("%s/api/v1/jobs/%s/live-status", apiURL, jobID)

	client := &http.Client{Timeout: reportTimeout}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("jobwrap: report %s: %v", status, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("jobwrap: report %s: status %d", status, resp.StatusCode)
	}
}
