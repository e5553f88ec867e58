package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sort"

	"github.com/rmax-ai/roadnet/pkg/graph"
	"github.com/rmax-ai/roadnet/pkg/simulation"
)

func main() {
	var (
		scenarioFile string
		seed         int64
		jsonOutput   bool
		outputFile   string
		verbose      bool
	)

	flag.StringVar(&scenarioFile, "scenario", "", "Path to scenario JSON file")
	flag.Int64Var(&seed, "seed", 0, "Override the scenario seed")
	flag.BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	flag.StringVar(&outputFile, "out", "", "Write output to file instead of stdout")
	flag.BoolVar(&verbose, "v", false, "Log pipeline activity to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	scenario := simulation.DefaultScenario()
	if scenarioFile != "" {
		data, err := os.ReadFile(scenarioFile)
		if err != nil {
			log.Fatalf("Failed to read scenario file: %v", err)
		}
		scenario = simulation.Scenario{}
		if err := json.Unmarshal(data, &scenario); err != nil {
			log.Fatalf("Failed to parse scenario file: %v", err)
		}
	} else {
		fmt.Fprintln(os.Stderr, "No scenario file provided, running default demo scenario...")
	}
	if seed != 0 {
		scenario.Seed = seed
	}

	result, err := simulation.RunScenario(context.Background(), scenario)
	if err != nil {
		log.Fatalf("Invalid scenario: %v", err)
	}

	writeReport(result, jsonOutput, outputFile)

	if !result.Success {
		os.Exit(1)
	}
}

func writeReport(res simulation.SimulationResult, jsonFmt bool, filePath string) {
	var output []byte
	var err error

	if jsonFmt {
		output, err = json.MarshalIndent(res, "", "  ")
	} else {
		var buf bytes.Buffer
		buf.WriteString(fmt.Sprintf("\n--- Simulation Report: %s ---\n", res.ScenarioName))
		buf.WriteString(fmt.Sprintf("Seed: %d | Cycles: %d | Ticks: %d | Duration: %s\n", res.Seed, res.Cycles, res.Ticks, res.Duration))
		buf.WriteString(fmt.Sprintf("Nodes: %d | Placements: %d | Decorations: %d | Suspended builders: %d\n",
			res.Nodes, res.Placements, res.Decorations, res.SuspendedBuilders))

		statuses := make([]string, 0, len(res.Edges))
		for s := range res.Edges {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		buf.WriteString("Edges:")
		for _, s := range statuses {
			buf.WriteString(fmt.Sprintf(" %s=%d", s, res.Edges[graph.EdgeStatus(s)]))
		}
		buf.WriteString(fmt.Sprintf("\nDigest: %s\n", res.Digest))

		if len(res.Invariants) > 0 {
			buf.WriteString("\nInvariants:\n")
			for _, inv := range res.Invariants {
				status := "FAIL"
				if inv.Passed {
					status = "PASS"
				}
				buf.WriteString(fmt.Sprintf("[%s] %s: Expected %s, Got %s\n", status, inv.Metric, inv.Expected, inv.Actual))
			}
		}
		output = buf.Bytes()
	}

	if err != nil {
		log.Fatalf("Failed to marshal report: %v", err)
	}

	if filePath != "" {
		if err := os.WriteFile(filePath, output, 0644); err != nil {
			log.Fatalf("Failed to write report to %s: %v", filePath, err)
		}
		fmt.Printf("Report written to %s\n", filePath)
	} else {
		fmt.Println(string(output))
	}
}
