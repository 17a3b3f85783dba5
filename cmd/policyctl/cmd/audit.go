package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/policygate/policygate/internal/gateway"
	"github.com/policygate/policygate/internal/ledger"
	"github.com/policygate/policygate/pkg/client"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Read, verify and replay the audit ledger",
}

var auditLogCmd = &cobra.Command{
	Use:   "log",
	Short: "List ledger entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := auditQueryFromFlags(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		cli, err := getClient()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		t := table.NewWriter()
		t.SetOutputMirror(out)
		t.AppendHeader(table.Row{"#", "Time", "Type", "Trace", "Version", "Effect", "Detail"})

		n := 0
		for e, err := range cli.Audit(cmd.Context(), q) {
			if err != nil {
				return err
			}
			if jsonOutput() {
				if err := json.NewEncoder(out).Encode(e); err != nil {
					return err
				}
			} else {
				version := gateway.VersionRef(e.PolicyVersionID).String()
				t.AppendRow(table.Row{e.Index, formatTime(e.Timestamp), e.Type, truncate(e.TraceID, 36), version, e.Effect, entryDetail(e)})
			}
			n++
			if limit > 0 && n >= limit {
				break
			}
		}
		if !jsonOutput() {
			t.SetStyle(table.StyleLight)
			t.Render()
		}
		return nil
	},
}

// entryDetail summarises the payload in one short column
func entryDetail(e ledger.Entry) string {
	switch e.Type {
	case ledger.TypeDecision:
		var d gateway.Decision
		if json.Unmarshal(e.Payload, &d) != nil {
			return ""
		}
		parts := []string{}
		if d.Identity != nil && d.Identity.Subject != "" {
			parts = append(parts, d.Identity.Subject)
		}
		if d.Action != "" || d.Resource != "" {
			parts = append(parts, d.Action+" "+d.Resource)
		}
		parts = append(parts, "rule="+d.MatchedRule)
		if d.Cause != "" {
			parts = append(parts, "cause="+string(d.Cause))
		}
		return truncate(strings.Join(parts, " "), 60)
	default:
		var ev gateway.PolicyEvent
		if json.Unmarshal(e.Payload, &ev) != nil {
			return ""
		}
		s := fmt.Sprintf("%s by %s", ev.Kind, ev.Actor)
		if ev.NoOp {
			s += " (no-op)"
		}
		return s
	}
}

func auditQueryFromFlags(cmd *cobra.Command) (client.AuditQuery, error) {
	var q client.AuditQuery
	q.TraceID, _ = cmd.Flags().GetString("trace")
	q.Effect, _ = cmd.Flags().GetString("effect")
	typ, _ := cmd.Flags().GetString("type")
	q.Type = ledger.EntryType(strings.ToUpper(typ))

	if cmd.Flags().Changed("policy-version") {
		raw, _ := cmd.Flags().GetString("policy-version")
		var id int64
		if raw != gateway.NotApplicable {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed < 1 {
				return q, fmt.Errorf("policy-version must be a positive integer or %s", gateway.NotApplicable)
			}
			id = parsed
		}
		q.PolicyVersionID = &id
	}

	since, _ := cmd.Flags().GetDuration("since")
	if since > 0 {
		q.From = time.Now().Add(-since)
	}
	return q, nil
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the hash chain of the whole ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := getClient()
		if err != nil {
			return err
		}
		res, err := cli.Verify(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput() {
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
		} else if res.Valid {
			fmt.Fprintf(cmd.OutOrStdout(), "Ledger chain valid (%d entries)\n", res.Checked)
		}
		if !res.Valid {
			return fmt.Errorf("ledger chain broken at index %d: %s", *res.BrokenAtIndex, res.Reason)
		}
		return nil
	},
}

var auditReplayCmd = &cobra.Command{
	Use:   "replay <trace-id>",
	Short: "Re-evaluate a recorded decision against the version it used",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := getClient()
		if err != nil {
			return err
		}
		res, err := cli.Replay(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), res)
		}

		t := table.NewWriter()
		t.SetOutputMirror(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"", "Effect", "Matched rule"})
		t.AppendRow(table.Row{"Recorded", res.Recorded.Effect, res.Recorded.MatchedRule})
		if res.Replayed != nil {
			t.AppendRow(table.Row{"Replayed", res.Replayed.Effect, res.Replayed.MatchedRule})
		}
		if res.Rego != nil {
			t.AppendRow(table.Row{"Rego", res.Rego.Effect, res.Rego.MatchedRule})
		}
		t.SetStyle(table.StyleLight)
		t.Render()

		fmt.Fprintf(cmd.OutOrStdout(), "Entry %d, policy version %s, reproduced: %t\n", res.EntryIndex, res.PolicyVersionID, res.Reproduced)
		if res.Note != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Note: %s\n", res.Note)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditLogCmd, auditVerifyCmd, auditReplayCmd)

	auditLogCmd.Flags().IntP("limit", "n", 50, "Maximum number of entries to show (0 for all)")
	auditLogCmd.Flags().String("trace", "", "Only entries with this trace id")
	auditLogCmd.Flags().String("effect", "", "Only decisions with this effect (allow, deny)")
	auditLogCmd.Flags().String("type", "", "Only entries of this type (decision, policy_published, policy_rolled_back)")
	auditLogCmd.Flags().String("policy-version", "", "Only entries for this version id, or N/A")
	auditLogCmd.Flags().Duration("since", 0, "Only entries newer than this, e.g. 1h")
}
