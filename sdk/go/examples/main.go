package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"BurnerLaunch/sdk/go/launchpad"
)

// 示例：LAUNCHPAD_URL=http://localhost:8080 LAUNCHPAD_TOKEN=dev-session-token go run ./sdk/go/examples
func main() {
	baseURL := os.Getenv("LAUNCHPAD_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client, err := launchpad.NewClient(baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}
	client.SetSessionToken(os.Getenv("LAUNCHPAD_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	resp, err := client.Launch(ctx, launchpad.LaunchRequest{
		Name:        "Demo Token",
		Symbol:      "DEMO",
		Description: "launched from the Go SDK example",
		Fees:        launchpad.Fees{Mode: "static", FeeBps: 100},
		Sweep:       "sync",
	})
	if err != nil {
		log.Fatalf("launch failed (workflow %s): %v", resp.WorkflowID, err)
	}
	fmt.Printf("workflow %s deployed %s via burner %s (fallback=%t)\n",
		resp.WorkflowID, resp.TxHash, resp.BurnerAddress, resp.DeployedViaFallback)

	record, err := client.GetBurner(ctx, resp.BurnerAddress)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("sweep status: %s %s\n", record.SweepStatus, record.SweepDetail)

	unswept, err := client.ListUnswept(ctx, 20)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%d burners still need attention\n", len(unswept))
}
