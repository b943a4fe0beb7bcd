package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newGradesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grades <assignment_id>",
		Short: "List published grades for an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/assignments/" + args[0] + "/grades")
			if err != nil {
				return fmt.Errorf("list grades: %w", err)
			}

			var data []map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(data) == 0 {
				fmt.Println("No grades published yet.")
				return nil
			}

			fmt.Printf("%-16s  %-10s  %-42s  %s\n", "NETID", "SCORE", "RUN", "UPDATED")
			fmt.Printf("%-16s  %-10s  %-42s  %s\n", "-----", "-----", "---", "-------")
			for _, g := range data {
				netID, _ := g["net_id"].(string)
				score, _ := g["score"].(float64)
				maxScore, _ := g["max_score"].(float64)
				jobID, _ := g["job_id"].(string)
				updatedAt, _ := g["updated_at"].(string)
				fmt.Printf("%-16s  %-10s  %-42s  %s\n", netID,
					fmt.Sprintf("%.1f/%.1f", score, maxScore), jobID, updatedAt)
			}
			return nil
		},
	}
}
