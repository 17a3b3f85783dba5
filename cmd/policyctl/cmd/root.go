package cmd

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/policygate/policygate/pkg/client"
)

const (
	ServerKey   = "server"
	AdminKeyKey = "admin_key"
	OutputKey   = "output"
	TimeoutKey  = "timeout"
)

var rootCmd = &cobra.Command{
	Use:   "policyctl",
	Short: "Manage policies and audit records of a policy gateway",
	Long: `policyctl publishes and rolls back policy versions, asks for decisions
and reads, verifies and replays the gateway's audit ledger.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "Gateway base URL")
	_ = viper.BindPFlag(ServerKey, rootCmd.PersistentFlags().Lookup("server"))

	rootCmd.PersistentFlags().String("admin-key", "", "Admin key for policy and audit routes")
	_ = viper.BindPFlag(AdminKeyKey, rootCmd.PersistentFlags().Lookup("admin-key"))

	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format (table, json)")
	_ = viper.BindPFlag(OutputKey, rootCmd.PersistentFlags().Lookup("output"))

	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "HTTP timeout per request (0 for none)")
	_ = viper.BindPFlag(TimeoutKey, rootCmd.PersistentFlags().Lookup("timeout"))

	viper.SetEnvPrefix("POLICYGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func getClient() (*client.Client, error) {
	server := viper.GetString(ServerKey)
	if server == "" {
		return nil, fmt.Errorf("server address not configured (use --server or set POLICYGATE_SERVER)")
	}
	return client.New(server,
		client.WithAdminKey(viper.GetString(AdminKeyKey)),
		client.WithHTTPClient(&http.Client{Timeout: viper.GetDuration(TimeoutKey)}),
	), nil
}

func jsonOutput() bool {
	return viper.GetString(OutputKey) == "json"
}
