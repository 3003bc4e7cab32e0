package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call <tool> [json-args]",
	Short: "invoke a tool and print its result",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer client.Disconnect()

		var payload any
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("args must be valid JSON: %s", args[1])
			}
			payload = json.RawMessage(args[1])
		}

		data, err := client.Call(ctx, args[0], payload)
		if err != nil {
			return err
		}

		fmt.Println(string(data))
		return nil
	},
}
