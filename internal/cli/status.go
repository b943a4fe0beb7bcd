package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run_id>",
		Short: "Check the status of a grading run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Get("/api/v1/runs/" + id)
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}

			var data map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			status, _ := data["status"].(string)
			runType, _ := data["type"].(string)
			assignmentID, _ := data["assignment_id"].(string)

			fmt.Printf("Run: %s\n", id)
			fmt.Printf("  Type:       %s\n", runType)
			fmt.Printf("  Status:     %s\n", status)
			fmt.Printf("  Assignment: %s\n", assignmentID)

			if netIDs, ok := data["net_ids"].([]any); ok && len(netIDs) > 0 {
				fmt.Printf("  Subjects:  ")
				for _, n := range netIDs {
					s, _ := n.(string)
					fmt.Printf(" %s", s)
				}
				fmt.Println()
			}

			if scheduledAt, ok := data["scheduled_at"].(string); ok && scheduledAt != "" {
				fmt.Printf("  Scheduled:  %s\n", scheduledAt)
			}
			if queueURL, ok := data["queue_url"].(string); ok && queueURL != "" {
				fmt.Printf("  Queue:      %s\n", queueURL)
			}
			if buildURL, ok := data["build_url"].(string); ok && buildURL != "" {
				fmt.Printf("  Build:      %s\n", buildURL)
			}
			if createdAt, ok := data["created_at"].(string); ok {
				fmt.Printf("  Created:    %s\n", createdAt)
			}

			return nil
		},
	}
}
