package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newTriggerCmd() *cobra.Command {
	var (
		flagAssignment  string
		flagNetID       string
		flagNetIDs      []string
		flagScheduledAt string
		flagPriority    int
		flagPublish     bool
		flagRegrade     bool
	)

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Trigger a grading run",
		Long:  "Trigger a grading run for one subject, or for several with --net-ids (staff token required).",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagAssignment == "" || flagNetID == "" {
				return fmt.Errorf("--assignment and --net-id are required")
			}

			body := map[string]any{
				"assignment_id":      flagAssignment,
				"net_id":             flagNetID,
				"priority":           flagPriority,
				"publish_to_student": flagPublish,
				"regrade":            flagRegrade,
			}
			if len(flagNetIDs) > 0 {
				body["net_ids"] = flagNetIDs
			}
			if flagScheduledAt != "" {
				ts, err := time.Parse(time.RFC3339, flagScheduledAt)
				if err != nil {
					return fmt.Errorf("parse --at: %w", err)
				}
				body["scheduled_at"] = ts
			}

			resp, err := client.Post("/api/v1/runs", body)
			if err != nil {
				return fmt.Errorf("trigger run: %w", err)
			}

			var data struct {
				Job struct {
					ID       string `json:"id"`
					Status   string `json:"status"`
					QueueURL string `json:"queue_url"`
				} `json:"job"`
				Decision struct {
					Source    string `json:"source"`
					Remaining int    `json:"remaining"`
				} `json:"decision"`
			}
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Printf("Run %s: %s\n", data.Job.ID, data.Job.Status)
			if data.Job.QueueURL != "" {
				fmt.Printf("  Queue:  %s\n", data.Job.QueueURL)
			}
			fmt.Printf("  Quota:  %s", data.Decision.Source)
			if data.Decision.Remaining >= 0 {
				fmt.Printf(" (%d remaining before this run)", data.Decision.Remaining)
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().StringVar(&flagAssignment, "assignment", "", "Assignment ID (required)")
	cmd.Flags().StringVar(&flagNetID, "net-id", "", "Requesting NetID (required)")
	cmd.Flags().StringSliceVar(&flagNetIDs, "net-ids", nil, "Subjects to grade, staff only (default: the requesting NetID)")
	cmd.Flags().StringVar(&flagScheduledAt, "at", "", "Schedule for later (RFC3339) instead of dispatching now")
	cmd.Flags().IntVar(&flagPriority, "priority", 0, "Run priority")
	cmd.Flags().BoolVar(&flagPublish, "publish", false, "Publish results to the student")
	cmd.Flags().BoolVar(&flagRegrade, "regrade", false, "Mark this run as a regrade")
	return cmd
}
