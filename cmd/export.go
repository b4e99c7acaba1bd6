package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func exportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <job name>",
		Short: "Export a job document as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}

			resp, err := client.R().
				SetQueryParam("job_name", args[0]).
				SetError(&apiError{}).
				Get("/api/export_job")
			if err := checkResponse(resp, err); err != nil {
				return err
			}

			var pretty bytes.Buffer
			if err := json.Indent(&pretty, resp.Body(), "", "  "); err != nil {
				return fmt.Errorf("malformed export document: %w", err)
			}
			pretty.WriteByte('\n')

			if output == "" {
				_, err = os.Stdout.Write(pretty.Bytes())
				return err
			}
			return os.WriteFile(output, pretty.Bytes(), 0o644)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the document to a file")
	return cmd
}

func importCmd() *cobra.Command {
	var destructive bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a job document from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			client, err := apiClient()
			if err != nil {
				return err
			}

			resp, err := client.R().
				SetBody(map[string]any{
					"job":         json.RawMessage(data),
					"destructive": destructive,
				}).
				SetError(&apiError{}).
				Post("/api/import_job")
			if err := checkResponse(resp, err); err != nil {
				return err
			}
			fmt.Println("imported")
			return nil
		},
	}
	cmd.Flags().BoolVar(&destructive, "destructive", false,
		"replace an existing job with the same name")
	return cmd
}
