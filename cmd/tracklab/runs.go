package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tracklab/tracklab/internal/api"
)

var (
	baseURL     string
	runsProject string
	runsLimit   int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs known to the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := api.NewClient(api.Config{BaseURL: baseURL})
		if err != nil {
			return err
		}
		runs, err := client.ListRuns(cmd.Context(), runsProject, runsLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPROJECT\tNAME\tSTATE\tSTARTED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.Project, r.Name, r.State, r.StartTime.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Inspect projects",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects and their run counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := api.NewClient(api.Config{BaseURL: baseURL})
		if err != nil {
			return err
		}
		projects, err := client.ListProjects(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROJECT\tRUNS")
		for _, p := range projects {
			fmt.Fprintf(w, "%s\t%d\n", p.Name, p.RunCount)
		}
		return w.Flush()
	},
}

func init() {
	for _, cmd := range []*cobra.Command{runsListCmd, projectsListCmd} {
		cmd.Flags().StringVar(&baseURL, "base-url", envOr("TRACKLAB_BASE_URL", "http://localhost:8315"),
			"backend server URL")
	}
	runsListCmd.Flags().StringVar(&runsProject, "project", "", "filter by project")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 50, "maximum runs to return")
	runsCmd.AddCommand(runsListCmd)
	projectsCmd.AddCommand(projectsListCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
