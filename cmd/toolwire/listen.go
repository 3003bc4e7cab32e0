package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/inkpress/toolwire"
)

var listenCmd = &cobra.Command{
	Use:   "listen <event>...",
	Short: "subscribe to events and print them until interrupted",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer client.Disconnect()

		for _, event := range args {
			client.Subscribe(event, printEvent)
		}
		client.Subscribe(toolwire.EventReconnectExhausted, func(string, json.RawMessage) {
			fmt.Println("connection lost, reconnect attempts exhausted")
			stop()
		})

		<-ctx.Done()
		return nil
	},
}

func printEvent(event string, data json.RawMessage) {
	fmt.Printf("%s %s\n", event, string(data))
}
