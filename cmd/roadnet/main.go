package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rmax-ai/roadnet/pkg/client"
	"github.com/rmax-ai/roadnet/pkg/graph"
	"github.com/rmax-ai/roadnet/pkg/ledger"
)

var (
	Version   = "v1.0.0"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const usage = `Usage:
  roadnet status
  roadnet edges [planned|building|built|failed]
  roadnet edge <a> <b>
  roadnet segments [x,z]
  roadnet version`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	endpoint := os.Getenv("ROADNET_API_URL")
	c := client.NewClient(endpoint)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		out interface{}
		err error
	)
	args := os.Args[2:]
	switch os.Args[1] {
	case "status":
		out, err = c.GetStatus(ctx)
	case "edges":
		var status graph.EdgeStatus
		if len(args) > 0 {
			status = graph.EdgeStatus(args[0])
			if !status.Valid() {
				fmt.Printf("Unknown status %q\n", args[0])
				os.Exit(1)
			}
		}
		out, err = c.GetEdges(ctx, status, 0)
	case "edge":
		if len(args) != 2 {
			fmt.Println(usage)
			os.Exit(1)
		}
		out, err = c.GetEdge(ctx, graph.MakeKey(args[0], args[1]))
		if errors.Is(err, client.ErrNotFound) {
			fmt.Printf("No edge between %s and %s\n", args[0], args[1])
			os.Exit(1)
		}
	case "segments":
		if len(args) > 0 {
			var coord ledger.PartitionCoord
			if err := coord.UnmarshalText([]byte(args[0])); err != nil {
				fmt.Printf("Error: %v\n", err)
				os.Exit(1)
			}
			out, err = c.GetPartitionSegments(ctx, coord)
		} else {
			out, err = c.GetSegments(ctx)
		}
	case "version":
		fmt.Printf("roadnet %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return
	default:
		fmt.Println(usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Error contacting daemon: %v\n", err)
		fmt.Println("Is roadnet-d running?")
		os.Exit(1)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Printf("Error encoding response: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
