package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var (
		flagAssignment string
		flagNetID      string
		flagStatus     string
		flagLimit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List grading runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if flagAssignment != "" {
				q.Set("assignment_id", flagAssignment)
			}
			if flagNetID != "" {
				q.Set("net_id", flagNetID)
			}
			if flagStatus != "" {
				q.Set("status", flagStatus)
			}
			q.Set("limit", strconv.Itoa(flagLimit))

			resp, err := client.Get("/api/v1/runs?" + q.Encode())
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}

			var data []map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(data) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			fmt.Printf("%-42s  %-24s  %-12s  %-20s  %s\n", "ID", "TYPE", "STATUS", "ASSIGNMENT", "SUBJECTS")
			fmt.Printf("%-42s  %-24s  %-12s  %-20s  %s\n", "----", "----", "------", "----------", "--------")
			for _, run := range data {
				id, _ := run["id"].(string)
				runType, _ := run["type"].(string)
				status, _ := run["status"].(string)
				assignmentID, _ := run["assignment_id"].(string)
				subjects := ""
				if netIDs, ok := run["net_ids"].([]any); ok {
					for i, n := range netIDs {
						if i > 0 {
							subjects += ","
						}
						s, _ := n.(string)
						subjects += s
					}
				}
				fmt.Printf("%-42s  %-24s  %-12s  %-20s  %s\n", id, runType, status, assignmentID, subjects)
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Printf("\n(%d of %d shown)\n", len(data), resp.Pagination.Total)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&flagAssignment, "assignment", "", "Filter by assignment ID")
	cmd.Flags().StringVar(&flagNetID, "net-id", "", "Filter by subject NetID")
	cmd.Flags().StringVar(&flagStatus, "status", "", "Filter by run status")
	cmd.Flags().IntVar(&flagLimit, "limit", 20, "Page size")
	return cmd
}
