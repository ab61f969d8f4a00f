package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's state snapshot",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(_ *cobra.Command, _ []string) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	var snapshot map[string]any
	if err := client.Request("state.snapshot", nil, &snapshot); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snapshot)
}

var eventsCmd = &cobra.Command{
	Use:   "events [topic]",
	Short: "Stream daemon events (default topic: *)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(_ *cobra.Command, args []string) error {
	topic := "*"
	if len(args) == 1 {
		topic = args[0]
	}

	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Subscribe(topic); err != nil {
		return err
	}
	for env := range client.Events() {
		payload, _ := json.Marshal(env.Payload)
		fmt.Printf("%s %s\n", env.Topic, payload)
	}
	return nil
}
