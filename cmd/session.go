package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage coding sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create <requirement>",
	Short: "Create a session and start planning",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		var resp struct {
			ID string `json:"id"`
		}
		if err := client.Request("session.create", map[string]any{"requirement": args[0]}, &resp); err != nil {
			return err
		}
		fmt.Println(resp.ID)
		return nil
	},
}

var sessionReviseCmd = &cobra.Command{
	Use:   "revise <id> <feedback>",
	Short: "Request a plan revision",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()
		return client.Request("session.revise", map[string]any{"id": args[0], "feedback": args[1]}, nil)
	},
}

var (
	approveAutoStart bool

	sessionApproveCmd = &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve the current plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			client, err := dialDaemon()
			if err != nil {
				return err
			}
			defer client.Close()
			return client.Request("session.approve",
				map[string]any{"id": args[0], "autoStart": approveAutoStart}, nil)
		},
	}
)

var sessionStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a session's live workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()
		return client.Request("session.stop", map[string]any{"id": args[0]}, nil)
	},
}

var sessionPlanCmd = &cobra.Command{
	Use:   "plan <id>",
	Short: "Print the current plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		var resp struct {
			Plan string `json:"plan"`
		}
		if err := client.Request("session.plan", map[string]any{"id": args[0]}, &resp); err != nil {
			return err
		}
		fmt.Print(resp.Plan)
		return nil
	},
}

func init() {
	sessionApproveCmd.Flags().BoolVar(&approveAutoStart, "start", false,
		"immediately dispatch execution after approval")

	sessionCmd.AddCommand(sessionCreateCmd, sessionReviseCmd, sessionApproveCmd,
		sessionStopCmd, sessionPlanCmd)
	rootCmd.AddCommand(sessionCmd)
}
