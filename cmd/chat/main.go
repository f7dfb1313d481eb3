// Command chat is a terminal client for chatd.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tokligence/tokligence-chat/internal/client"
	"github.com/tokligence/tokligence-chat/internal/config"
	"github.com/tokligence/tokligence-chat/internal/version"
)

var (
	baseURL string
	guestID string
)

var rootCmd = &cobra.Command{
	Use:   "chat",
	Short: "Terminal client for chatd",
	Long: `chat manages conversation threads on a chatd server and streams agent
replies, including tool calls, to the terminal.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.FullInfo())
	},
}

func init() {
	defaultBase := "http://localhost:8000"
	if cfg, err := config.LoadChatConfig("."); err == nil {
		defaultBase = cfg.BaseURL
	}
	defaultGuest := os.Getenv("TOKLIGENCE_GUEST_ID")
	if defaultGuest == "" {
		defaultGuest = os.Getenv("USER")
	}
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", defaultBase, "chatd base URL")
	rootCmd.PersistentFlags().StringVar(&guestID, "guest", defaultGuest, "Guest id sent as x-guest-id")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newClient() (*client.ChatClient, error) {
	return client.NewChatClient(baseURL, guestID, nil)
}
