package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tokligence/tokligence-chat/internal/uistream"
)

var newThread bool

var sendCmd = &cobra.Command{
	Use:   "send <thread-id> <text>",
	Short: "Send a message and stream the reply",
	Long: `Send a message to a thread and render the streamed reply. With --new the
first argument is part of the text and a thread titled with it is created.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var threadID, text string
		if newThread {
			text = strings.Join(args, " ")
			if threadID, err = c.CreateThread(cmd.Context(), text); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "thread %s\n", threadID)
		} else {
			if len(args) < 2 {
				return errors.New("send needs a thread id and text (or --new)")
			}
			threadID, text = args[0], strings.Join(args[1:], " ")
		}
		r := &renderer{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
		if err := c.SendMessage(cmd.Context(), threadID, text, r.render); err != nil {
			return err
		}
		if r.failed != "" {
			return errors.New(r.failed)
		}
		return nil
	},
}

// renderer prints text deltas inline and tool activity on its own lines.
type renderer struct {
	out     io.Writer
	errOut  io.Writer
	midLine bool
	failed  string
}

func (r *renderer) render(rec uistream.Record) error {
	switch rec.Type {
	case uistream.TypeTextDelta:
		delta, _ := rec.Data["delta"].(string)
		fmt.Fprint(r.out, delta)
		r.midLine = !strings.HasSuffix(delta, "\n")
	case uistream.TypeToolInputAvailable:
		r.newline()
		input, _ := json.Marshal(rec.Data["input"])
		fmt.Fprintf(r.out, "[tool %v] %s\n", rec.Data["toolName"], input)
	case uistream.TypeToolOutputAvailable:
		r.newline()
		output, _ := json.Marshal(rec.Data["output"])
		fmt.Fprintf(r.out, "[tool result] %s\n", output)
	case uistream.TypeError:
		r.newline()
		r.failed, _ = rec.Data["errorText"].(string)
		fmt.Fprintf(r.errOut, "error: %s\n", r.failed)
	case uistream.TypeDone:
		r.newline()
	}
	return nil
}

func (r *renderer) newline() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

func init() {
	sendCmd.Flags().BoolVar(&newThread, "new", false, "Create a new thread titled with the text")
	rootCmd.AddCommand(sendCmd)
}
