package main

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inkpress/toolwire"
)

var rootCmd = &cobra.Command{
	Use:   "toolwire",
	Short: "call tools and tail events on a toolwire server",
	Long: `toolwire is a command line client for servers speaking the toolwire
protocol. It issues tool calls over a persistent websocket connection and can
tail server-pushed events.

Configuration is read from flags, TOOLWIRE_* environment variables, and an
optional .env file in the working directory.`,
	SilenceUsage: true,
}

func init() {
	// Missing .env is fine; flags and environment still apply.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().String("host", "localhost", "server host")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the connection")
	rootCmd.PersistentFlags().String("path", "/ws", "websocket endpoint path")
	rootCmd.PersistentFlags().Int("port", 0, "fixed server port (skips discovery)")
	rootCmd.PersistentFlags().String("discovery-url", "", "port discovery endpoint")

	viper.SetEnvPrefix("TOOLWIRE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, flag := range []string{"host", "token", "path", "port", "discovery-url"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(listenCmd)
}

func newClient() (*toolwire.Client, error) {
	token := viper.GetString("token")
	if token == "" {
		return nil, fmt.Errorf("no token configured (use --token or TOOLWIRE_TOKEN)")
	}

	opts := []toolwire.WSOption{
		toolwire.WithPath(viper.GetString("path")),
	}
	if port := viper.GetInt("port"); port != 0 {
		opts = append(opts, toolwire.WithPortResolver(toolwire.StaticPort(port)))
	} else if discoveryURL := viper.GetString("discovery-url"); discoveryURL != "" {
		opts = append(opts, toolwire.WithPortResolver(toolwire.HTTPPortResolver{URL: discoveryURL}))
	}

	transport := toolwire.NewWSTransport(viper.GetString("host"), toolwire.StaticToken(token), opts...)
	return toolwire.NewClient(transport), nil
}
