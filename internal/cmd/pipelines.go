package cmd

import (
	"github.com/spf13/cobra"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore"
)

// The pipeline-constrained commands match the production deployment: one
// container image per science software stack, each claiming only its own
// pipeline's jobs.

var s2Cmd = &cobra.Command{
	Use:   "s2 [parameters_file]",
	Short: "Run a worker for the Sentinel-2 snow and ice pipeline",
	Long: `Run a worker constrained to fsc-rlie jobs: MAJA atmospheric
correction, LIS snow layers and optionally the river and lake ice
layers for one S2 L1C acquisition.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd.Context(), args, []string{jobstore.PipelineFSCRLIE})
	},
}

var s1Cmd = &cobra.Command{
	Use:   "s1 [parameters_file]",
	Short: "Run a worker for the Sentinel-1 river and lake ice pipeline",
	Long: `Run a worker constrained to rlie-s1 jobs: SNAP GPT preprocessing of
one GRD scene and per-tile ice classification.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd.Context(), args, []string{jobstore.PipelineRLIES1})
	},
}

var fusionCmd = &cobra.Command{
	Use:   "fusion [parameters_file]",
	Short: "Run a worker for the S1+S2 river and lake ice fusion pipeline",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd.Context(), args, []string{jobstore.PipelineS1S2})
	},
}

var gfscCmd = &cobra.Command{
	Use:   "gfsc [parameters_file]",
	Short: "Run a worker for the daily gap-filled snow aggregation pipeline",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd.Context(), args, []string{jobstore.PipelineGFSC})
	},
}

func init() {
	for _, c := range []*cobra.Command{s2Cmd, s1Cmd, fusionCmd, gfscCmd} {
		rootCmd.AddCommand(c)
		addParametersFlag(c)
	}
}
