package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/transport"
	"github.com/haasonsaas/relay/pkg/models"
)

// buildAskCmd creates the "ask" command for one-shot prompts from the
// terminal.
func buildAskCmd() *cobra.Command {
	var (
		configPath string
		sender     string
		showMeta   bool
	)

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send a one-shot prompt and print the response",
		Args:  cobra.MinimumNArgs(1),
		Example: `  relay ask "what is the capital of France?"
  relay ask --meta "explain goroutines"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			a, _, err := newApp(cfg, false)
			if err != nil {
				return err
			}
			defer a.store.Close()

			msg := models.NewMessage(models.ChannelAPI, models.DirectionInbound, models.RoleUser, strings.Join(args, " "))
			msg.SenderID = sender

			p := a.cur.Load().pipeline
			reply, err := p.ProcessStream(cmd.Context(), *msg, func(chunk providers.Chunk) bool {
				if chunk.Text == transport.StreamResetMarker {
					// Terminal output cannot be unprinted; flag the
					// discarded text instead.
					fmt.Fprintln(os.Stderr, "\n[stream interrupted, retrying]")
					return true
				}
				fmt.Print(chunk.Text)
				return true
			})
			if err != nil {
				return err
			}
			fmt.Println()

			if showMeta {
				fmt.Fprintf(os.Stderr, "tier=%v provider=%v model=%v run_id=%v\n",
					reply.Metadata["tier"], reply.Metadata["provider"],
					reply.Metadata["model"], reply.Metadata["run_id"])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&sender, "sender", "cli", "Sender identity for cost attribution")
	cmd.Flags().BoolVar(&showMeta, "meta", false, "Print routing metadata to stderr")

	return cmd
}
