package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/worker"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Query the job registry",
}

var jobsListCmd = &cobra.Command{
	Use:   "list [parameters_file]",
	Short: "List jobs, newest status change first",
	Long: `List parent jobs from the job registry.

Example:
  hrsi jobs list parameters.yaml
  hrsi jobs list parameters.yaml --status ready --pipeline fsc-rlie
  hrsi jobs list parameters.yaml --tile 32TLR --limit 20`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id> [parameters_file]",
	Short: "Show one job and its status history",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runJobsStatus,
}

var (
	jobsStatusFilter   string
	jobsTileFilter     string
	jobsPipelineFilter string
	jobsLimit          int
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)

	addParametersFlag(jobsListCmd)
	jobsListCmd.Flags().StringVar(&jobsStatusFilter, "status", "", "Only jobs in this status")
	jobsListCmd.Flags().StringVar(&jobsTileFilter, "tile", "", "Only jobs on this tile")
	jobsListCmd.Flags().StringVar(&jobsPipelineFilter, "pipeline", "", "Only jobs of this pipeline")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum number of jobs listed")

	addParametersFlag(jobsStatusCmd)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	params, err := loadParams(args)
	if err != nil {
		return err
	}
	env, err := buildEnvironment(ctx, params)
	if err != nil {
		return err
	}
	defer env.close()

	f := jobstore.Filter{OrderBy: "last_status_change_date", Desc: true, Limit: jobsLimit}
	if jobsStatusFilter != "" {
		st, ok := jobstore.StatusFromName(jobsStatusFilter)
		if !ok {
			return exitError(worker.ExitBadInput, "Unknown status",
				fmt.Errorf("%q is not a job status", jobsStatusFilter))
		}
		f.Conds = append(f.Conds, jobstore.Cond{
			Attr: "last_status_id", Op: jobstore.OpEq, Values: []any{int(st)},
		})
	}
	if jobsTileFilter != "" {
		f.Conds = append(f.Conds, jobstore.Cond{
			Attr: "tile_id", Op: jobstore.OpEq, Values: []any{jobsTileFilter},
		})
	}
	if jobsPipelineFilter != "" {
		f.Conds = append(f.Conds, jobstore.Cond{
			Attr: "name", Op: jobstore.OpEq, Values: []any{jobsPipelineFilter},
		})
	}

	rows, err := env.store.Get(ctx, f, func() jobstore.Persistable { return &jobstore.ParentJob{} })
	if err != nil {
		return exitError(worker.ExitStoreUnavailable, "Job listing failed", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPIPELINE\tTILE\tSTATUS\tCHANGED\tUNIQUE ID")
	for _, r := range rows {
		job := r.(*jobstore.ParentJob)
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			job.ID, job.Name, job.TileID, job.LastStatus,
			job.LastStatusChangeDate.UTC().Format(time.RFC3339), job.UniqueID)
	}
	return w.Flush()
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return exitError(worker.ExitBadInput, "Invalid job id", err)
	}
	params, err := loadParams(args[1:])
	if err != nil {
		return err
	}
	env, err := buildEnvironment(ctx, params)
	if err != nil {
		return err
	}
	defer env.close()

	f := jobstore.Eq("id", id)
	f.Limit = 1
	rows, err := env.store.Get(ctx, f, func() jobstore.Persistable { return &jobstore.ParentJob{} })
	if err != nil {
		return exitError(worker.ExitStoreUnavailable, "Job lookup failed", err)
	}
	if len(rows) == 0 {
		return exitError(worker.ExitBadInput, "No such job", fmt.Errorf("job %d not found", id))
	}
	job := rows[0].(*jobstore.ParentJob)

	fmt.Printf("Job:       %d (%s)\n", job.ID, job.UniqueID)
	fmt.Printf("Pipeline:  %s\n", job.Name)
	if job.TileID != "" {
		fmt.Printf("Tile:      %s\n", job.TileID)
	}
	fmt.Printf("Status:    %s (since %s)\n", job.LastStatus,
		job.LastStatusChangeDate.UTC().Format(time.RFC3339))
	if job.LastStatusErrorSubtype != "" {
		fmt.Printf("Error:     %s\n", job.LastStatusErrorSubtype)
	}
	if job.NomadID != "" {
		fmt.Printf("Worker:    %s\n", job.NomadID)
	}

	hf := jobstore.Eq("parent_job_id", job.ID)
	hf.OrderBy = "id"
	history, err := env.store.Get(ctx, hf, func() jobstore.Persistable { return &jobstore.JobStatusChange{} })
	if err != nil {
		return exitError(worker.ExitStoreUnavailable, "History lookup failed", err)
	}
	if len(history) > 0 {
		fmt.Println("\nHistory:")
		for _, r := range history {
			ch := r.(*jobstore.JobStatusChange)
			line := fmt.Sprintf("  %s  %s", ch.Timestamp.UTC().Format(time.RFC3339), ch.StatusID)
			if ch.ErrorSubtype != "" {
				line += "  (" + ch.ErrorSubtype + ")"
			}
			fmt.Println(line)
		}
	}
	return nil
}
