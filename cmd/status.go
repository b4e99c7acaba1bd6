package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dagobah-org/dagobah/internal/models"
)

func apiClient() (*resty.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return resty.New().SetBaseURL("http://" + cfg.Addr()), nil
}

// apiError is the structured 400 body the daemon returns.
type apiError struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.ErrorType, e.Message)
	}
	return e.ErrorType
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		if apiErr, ok := resp.Error().(*apiError); ok && apiErr.ErrorType != "" {
			return apiErr
		}
		return fmt.Errorf("request failed: %s", resp.Status())
	}
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show every job known to the daemon",
		RunE: func(_ *cobra.Command, _ []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}

			var result struct {
				Jobs []*models.JobDoc `json:"jobs"`
			}
			resp, err := client.R().
				SetResult(&result).
				SetError(&apiError{}).
				Get("/api/jobs")
			if err := checkResponse(resp, err); err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Name", "Status", "Cron", "Next Run", "Tasks"})
			for _, job := range result.Jobs {
				nextRun := "-"
				if !job.NextRun.IsZero() {
					nextRun = job.NextRun.UTC().Format("2006-01-02 15:04:05")
				}
				cron := job.CronSchedule
				if cron == "" {
					cron = "-"
				}
				names := make([]string, 0, len(job.Tasks))
				for _, task := range job.Tasks {
					names = append(names, task.Name)
				}
				t.AppendRow(table.Row{
					job.Name, job.Status, cron, nextRun, strings.Join(names, ", "),
				})
			}
			t.Render()
			return nil
		},
	}
}
