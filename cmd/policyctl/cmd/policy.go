package cmd

import (
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/policygate/policygate/internal/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Publish, inspect and roll back policy versions",
}

var policyPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a policy file as the next active version",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		author, _ := cmd.Flags().GetString("author")

		f, err := policy.LoadFile(path)
		if err != nil {
			return err
		}
		if author == "" {
			author = f.Author
		}
		if author == "" {
			return fmt.Errorf("no author: set --author or author: in %s", path)
		}

		cli, err := getClient()
		if err != nil {
			return err
		}
		s, err := cli.Publish(cmd.Context(), f.Rules, author)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), s)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Published version %d (%d rules) by %s\n", s.ID, s.RuleCount, s.Author)
		return nil
	},
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every policy version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := getClient()
		if err != nil {
			return err
		}
		versions, err := cli.Versions(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), versions)
		}

		t := table.NewWriter()
		t.SetOutputMirror(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"ID", "Status", "Rules", "Author", "Created"})
		for _, v := range versions {
			t.AppendRow(table.Row{v.ID, v.Status, v.RuleCount, v.Author, formatTime(v.CreatedAt)})
		}
		t.SetStyle(table.StyleLight)
		t.Render()
		return nil
	},
}

var policyShowCmd = &cobra.Command{
	Use:   "show [id|active]",
	Short: "Show the rules of a version",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := getClient()
		if err != nil {
			return err
		}

		var v *policy.Version
		if len(args) == 0 || args[0] == "active" {
			v, err = cli.Active(cmd.Context())
		} else {
			id, perr := strconv.ParseInt(args[0], 10, 64)
			if perr != nil {
				return fmt.Errorf("version id must be an integer: %w", perr)
			}
			v, err = cli.Version(cmd.Context(), id)
		}
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), v)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Version %d (%s) by %s at %s\n", v.ID, v.Status, v.Author, formatTime(v.CreatedAt))
		t := table.NewWriter()
		t.SetOutputMirror(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"#", "Name", "When", "Effect", "Citation"})
		for i, r := range v.Rules {
			t.AppendRow(table.Row{i + 1, r.Name, truncate(r.When, 60), r.Effect, r.Citation})
		}
		t.SetStyle(table.StyleLight)
		t.Render()
		return nil
	},
}

var policyRegoCmd = &cobra.Command{
	Use:   "rego <id>",
	Short: "Print a version rendered as a Rego module",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("version id must be an integer: %w", err)
		}
		cli, err := getClient()
		if err != nil {
			return err
		}
		module, err := cli.Rego(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), module)
		return nil
	},
}

var policyRollbackCmd = &cobra.Command{
	Use:   "rollback <id>",
	Short: "Re-activate an earlier version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("version id must be an integer: %w", err)
		}
		actor, _ := cmd.Flags().GetString("actor")

		cli, err := getClient()
		if err != nil {
			return err
		}
		s, err := cli.Rollback(cmd.Context(), id, actor)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), s)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Active version is now %d\n", s.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyPublishCmd, policyListCmd, policyShowCmd, policyRegoCmd, policyRollbackCmd)

	policyPublishCmd.Flags().StringP("file", "f", "", "Policy YAML file")
	_ = policyPublishCmd.MarkFlagRequired("file")
	policyPublishCmd.Flags().String("author", "", "Author recorded with the version (defaults to the file's author)")

	policyRollbackCmd.Flags().String("actor", "", "Who is rolling back")
}
