package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Manage conversation threads",
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List threads, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		threads, err := c.ListThreads(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCREATED\tTITLE")
		for _, t := range threads {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", t.ThreadID, t.CreatedAt, oneLine(t.Title))
		}
		return tw.Flush()
	},
}

var threadsCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a thread",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		id, err := c.CreateThread(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var threadsRenameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Rename a thread",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		return c.RenameThread(cmd.Context(), args[0], strings.Join(args[1:], " "))
	},
}

var threadsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a thread and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		return c.DeleteThread(cmd.Context(), args[0])
	},
}

var threadsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a thread's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		msgs, err := c.ListMessages(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.Content == "" {
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", m.Type, m.Content)
		}
		return nil
	},
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}

func init() {
	threadsCmd.AddCommand(threadsListCmd, threadsCreateCmd, threadsRenameCmd, threadsDeleteCmd, threadsShowCmd)
	rootCmd.AddCommand(threadsCmd)
}
