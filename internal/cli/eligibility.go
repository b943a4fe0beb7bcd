package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newEligibilityCmd() *cobra.Command {
	var flagNetID string

	cmd := &cobra.Command{
		Use:   "eligibility <assignment_id>",
		Short: "Check whether a subject may start a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagNetID == "" {
				return fmt.Errorf("--net-id is required")
			}

			resp, err := client.Get("/api/v1/assignments/" + args[0] + "/eligibility?net_id=" + flagNetID)
			if err != nil {
				return fmt.Errorf("check eligibility: %w", err)
			}

			var d struct {
				Eligible    bool   `json:"eligible"`
				Source      string `json:"source"`
				Remaining   int    `json:"remaining"`
				ExtensionID string `json:"extension_id"`
				Reason      string `json:"reason"`
			}
			if err := json.Unmarshal(resp.Data, &d); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if !d.Eligible {
				fmt.Printf("%s is not eligible: %s\n", flagNetID, d.Reason)
				return nil
			}

			fmt.Printf("%s is eligible (source: %s)\n", flagNetID, d.Source)
			if d.Remaining >= 0 {
				fmt.Printf("  Remaining: %d\n", d.Remaining)
			} else {
				fmt.Println("  Remaining: unlimited")
			}
			if d.ExtensionID != "" {
				fmt.Printf("  Extension: %s\n", d.ExtensionID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagNetID, "net-id", "", "Subject NetID (required)")
	return cmd
}
