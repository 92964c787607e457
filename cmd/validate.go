package cmd

import (
	"fmt"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/kmnops/kmn-agent/api/schemas"
	"github.com/kmnops/kmn-agent/internal/observability"
	"github.com/kmnops/kmn-agent/internal/reflection"
)

var validateRunID string

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Parse and validate a reflection payload without applying it.",
	Long: `Validate runs a reflection payload (a file argument, or stdin when omitted)
through the same total parser the agent uses and prints the resulting envelope.
The command fails when the payload does not parse into a valid envelope.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readPayload(args)
		if err != nil {
			return err
		}

		out := reflection.NewParser(observability.GetLogger()).Parse(string(raw), validateRunID)
		encoded, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode envelope: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(encoded))

		if out.Status == schemas.StatusFailureParsingInput {
			return fmt.Errorf("reflection payload is invalid: %s", out.Message)
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateRunID, "run-id", uuid.NewString(), "run identifier stamped on the parsed reflection")
	rootCmd.AddCommand(validateCmd)
}
