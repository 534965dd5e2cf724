package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pv-udpv/perplexity-ai-v2/api/schemas"
	"github.com/pv-udpv/perplexity-ai-v2/internal/client"
	"github.com/pv-udpv/perplexity-ai-v2/internal/config"
	"github.com/pv-udpv/perplexity-ai-v2/internal/observability"
)

var askFlags struct {
	mode      string
	model     string
	sources   []string
	incognito bool
	followUp  string
	jsonOut   bool
	noStream  bool
}

var askCmd = &cobra.Command{
	Use:   "ask [query]",
	Short: "Ask a question and stream the answer to stdout.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		query := strings.Join(args, " ")

		c, err := client.New(client.Options{
			Config: config.Get(),
			Logger: logger,
		})
		if err != nil {
			return err
		}
		defer c.Close()

		opts := schemas.AskOptions{
			Mode:            schemas.AskMode(askFlags.mode),
			Model:           askFlags.model,
			Incognito:       askFlags.incognito,
			LastBackendUUID: askFlags.followUp,
		}
		for _, s := range askFlags.sources {
			opts.Sources = append(opts.Sources, schemas.AskSource(s))
		}

		if askFlags.noStream || askFlags.jsonOut {
			return runCollected(cmd, c, query, opts)
		}
		return runStreaming(cmd, c, query, opts, logger)
	},
}

func init() {
	askCmd.Flags().StringVar(&askFlags.mode, "mode", string(schemas.ModeConcise), "response mode: concise, copilot or research")
	askCmd.Flags().StringVar(&askFlags.model, "model", "", "preferred model")
	askCmd.Flags().StringSliceVar(&askFlags.sources, "sources", nil, "search corpora: web, scholar, social")
	askCmd.Flags().BoolVar(&askFlags.incognito, "incognito", false, "do not record the query in thread history")
	askCmd.Flags().StringVar(&askFlags.followUp, "follow-up", "", "backend uuid of the previous answer to continue from")
	askCmd.Flags().BoolVar(&askFlags.jsonOut, "json", false, "print the collected answer as JSON")
	askCmd.Flags().BoolVar(&askFlags.noStream, "no-stream", false, "collect the full answer before printing")
}

// runStreaming prints deltas as they arrive.
func runStreaming(cmd *cobra.Command, c *client.Client, query string, opts schemas.AskOptions, logger *zap.Logger) error {
	s, err := c.AskStream(cmd.Context(), query, opts)
	if err != nil {
		return err
	}

	for ev := range s.Events() {
		switch ev.Kind {
		case schemas.EventTextDelta:
			fmt.Print(ev.Payload)
		case schemas.EventStatus:
			if ev.Payload == schemas.StatusRestart {
				// The transcript restarted; separate the stale output.
				fmt.Print("\n--- restarted ---\n")
			}
		case schemas.EventDone:
			fmt.Println()
		}
	}
	if err := s.Err(); err != nil {
		logger.Warn("stream ended abnormally", zap.Error(err))
		return err
	}
	return nil
}

// runCollected blocks for the complete answer.
func runCollected(cmd *cobra.Command, c *client.Client, query string, opts schemas.AskOptions) error {
	answer, err := c.Ask(cmd.Context(), query, opts)
	if err != nil {
		return err
	}

	if askFlags.jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(answer)
	}

	fmt.Println(answer.Text)
	if len(answer.WebResults) > 0 {
		fmt.Println("\nSources:")
		for i, r := range answer.WebResults {
			fmt.Printf("  %d. %s (%s)\n", i+1, r.Name, r.URL)
		}
	}
	return nil
}
