package cmd

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/policygate/policygate/internal/gateway"
)

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Ask the gateway for a decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		action, _ := cmd.Flags().GetString("action")
		resource, _ := cmd.Flags().GetString("resource")
		pairs, _ := cmd.Flags().GetStringSlice("context")

		reqCtx := make(map[string]string, len(pairs))
		for _, p := range pairs {
			k, v, ok := strings.Cut(p, "=")
			if !ok || k == "" {
				return fmt.Errorf("context must be key=value, got %q", p)
			}
			reqCtx[k] = v
		}

		cli, err := getClient()
		if err != nil {
			return err
		}
		d, err := cli.Decide(cmd.Context(), gateway.Request{
			Token:    token,
			Action:   action,
			Resource: resource,
			Context:  reqCtx,
		})
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), d)
		}

		t := table.NewWriter()
		t.SetOutputMirror(cmd.OutOrStdout())
		t.AppendRows([]table.Row{
			{"Effect", strings.ToUpper(string(d.Effect))},
			{"Matched rule", d.MatchedRule},
			{"Policy version", d.PolicyVersionID},
			{"Trace ID", d.TraceID},
			{"Time", formatTime(d.Timestamp)},
		})
		if d.Cause != "" {
			t.AppendRow(table.Row{"Cause", d.Cause})
		}
		t.SetStyle(table.StyleLight)
		t.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(decideCmd)

	decideCmd.Flags().String("token", "", "Bearer token of the caller")
	decideCmd.Flags().String("action", "", "Requested action")
	decideCmd.Flags().String("resource", "", "Requested resource")
	decideCmd.Flags().StringSlice("context", nil, "Request context as key=value (repeatable)")
}
