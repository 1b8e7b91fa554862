package main

import (
	"bufio"
	"bytes"
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
	server := flag.String("server", "http://localhost:8080", "IESO agent server URL")
	flag.Parse()

	fmt.Println("IESO Forecasting Agent CLI")
	fmt.Printf("Server: %s\n", *server)
	fmt.Println("Type a forecasting goal, or 'exit' to leave.")
	fmt.Println("Commands: /history, /models")
	fmt.Println("---")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}
		if input == "/history" {
			fetchHistory(*server)
			continue
		}
		if input == "/models" {
			fetchModels(*server)
			continue
		}

		runSession(*server, input)
	}
}

type sessionResponse struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Summary    string `json:"summary"`
	Iterations int    `json:"iterations"`
	Forecast   *struct {
		Kind   string `json:"kind"`
		Target string `json:"target"`
		Points []struct {
			Timestamp time.Time `json:"timestamp"`
			Estimate  float64   `json:"estimate"`
			Lower     float64   `json:"lower"`
			Upper     float64   `json:"upper"`
		} `json:"points"`
	} `json:"forecast"`
	Records []struct {
		Phase     string `json:"phase"`
		Rationale string `json:"rationale"`
	} `json:"records"`
}

func runSession(server, goal string) {
	body, _ := json.Marshal(map[string]string{"goal": goal})

	// Sessions run synchronously server-side; allow for several oracle
	// round trips.
	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Post(server+"/api/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}

	var s sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		printError("Failed to parse response: %v", err)
		return
	}

	for _, rec := range s.Records {
		fmt.Printf("  \033[90m%-8s\033[0m %s\n", rec.Phase, rec.Rationale)
	}

	icon := "\033[32m✓\033[0m"
	if s.State != "succeeded" {
		icon = "\033[31m✗\033[0m"
	}
	fmt.Printf("\n%s %s (%d iterations)\n%s\n", icon, s.State, s.Iterations, s.Summary)

	if s.Forecast != nil && len(s.Forecast.Points) > 0 {
		fmt.Printf("\nForecast (%s, %s):\n", s.Forecast.Target, s.Forecast.Kind)
		for _, p := range s.Forecast.Points {
			fmt.Printf("  %s  %8.0f MW  [%8.0f, %8.0f]\n",
				p.Timestamp.Format("Jan 02 15:04"), p.Estimate, p.Lower, p.Upper)
		}
	}
}

func fetchHistory(server string) {
	resp, err := http.Get(server + "/api/history")
	if err != nil {
		printError("Failed to fetch history: %v", err)
		return
	}
	defer resp.Body.Close()

	var sums []struct {
		SessionID  string    `json:"session_id"`
		Goal       string    `json:"goal"`
		State      string    `json:"state"`
		Iterations int       `json:"iterations"`
		FinishedAt time.Time `json:"finished_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sums); err != nil {
		printError("Failed to parse history: %v", err)
		return
	}
	if len(sums) == 0 {
		fmt.Println("No sessions yet.")
		return
	}
	fmt.Println("Recent sessions:")
	for _, s := range sums {
		fmt.Printf("  %s  %-9s  %d iter  %s\n",
			s.FinishedAt.Format("Jan 02 15:04"), s.State, s.Iterations, s.Goal)
	}
}

func fetchModels(server string) {
	resp, err := http.Get(server + "/api/models")
	if err != nil {
		printError("Failed to fetch models: %v", err)
		return
	}
	defer resp.Body.Close()

	var targets map[string][]struct {
		Kind      string             `json:"kind"`
		TrainedAt time.Time          `json:"trained_at"`
		Metrics   map[string]float64 `json:"metrics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		printError("Failed to parse models: %v", err)
		return
	}
	if len(targets) == 0 {
		fmt.Println("No trained models yet.")
		return
	}
	for target, candidates := range targets {
		fmt.Printf("Target %s:\n", target)
		for _, c := range candidates {
			fmt.Printf("  %-15s trained %s", c.Kind, c.TrainedAt.Format("Jan 02 15:04"))
			if mape, ok := c.Metrics["mape"]; ok {
				fmt.Printf("  MAPE %.2f%%", mape)
			}
			fmt.Println()
		}
	}
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
