package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/imagefilter/internal/export"
	"github.com/sells-group/imagefilter/internal/model"
	"github.com/sells-group/imagefilter/internal/store"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect and export output records",
}

// -- records list --

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List output records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		filter, err := recordFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		records, err := st.ListRecords(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "records list")
		}
		if len(records) == 0 {
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No records found.")
			return nil
		}

		formatRecordsList(cmd.OutOrStdout(), records)
		return nil
	},
}

// -- records show --

var recordsShowCmd = &cobra.Command{
	Use:   "show <event-id>",
	Short: "Print one record as stored",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec, err := st.GetRecord(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "records show")
		}
		if rec == nil {
			return eris.Errorf("records show: no record for event %q", args[0])
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

// -- records export --

var recordsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export records as xlsx, yaml or json",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")
		filter, err := recordFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		records, err := st.ListRecords(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "records export")
		}

		var w io.Writer = cmd.OutOrStdout()
		if out != "" {
			f, err := os.Create(out)
			if err != nil {
				return eris.Wrapf(err, "records export: create %s", out)
			}
			defer f.Close() //nolint:errcheck
			w = f
		}
		if err := export.Write(w, format, records); err != nil {
			return err
		}
		if out != "" {
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d records to %s\n", len(records), out)
		}
		return nil
	},
}

func recordFilterFromFlags(cmd *cobra.Command) (store.RecordFilter, error) {
	typ, _ := cmd.Flags().GetString("type")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	filter := store.RecordFilter{Limit: limit, Offset: offset}
	if typ != "" {
		dt, err := model.ParseDisasterType(typ)
		if err != nil {
			return filter, err
		}
		filter.Type = dt.String()
	}
	return filter, nil
}

// formatRecordsList writes a tabular list of records to w.
func formatRecordsList(out io.Writer, records []*model.OutputRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tCOUNT\tAVG_ACCURACY\tUPDATED")
	for _, r := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%.4f\t%s\n",
			r.ID,
			r.Type,
			r.Count,
			r.AverageConfidence,
			r.UpdatedAt.UTC().Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func init() {
	for _, c := range []*cobra.Command{recordsListCmd, recordsExportCmd} {
		c.Flags().String("type", "", "filter by disaster type")
		c.Flags().Int("offset", 0, "number of records to skip")
	}
	recordsListCmd.Flags().Int("limit", 50, "max number of records to display")
	recordsExportCmd.Flags().Int("limit", 0, "max number of records to export (0 for the store default)")
	recordsExportCmd.Flags().String("format", export.FormatXLSX, "output format: xlsx, yaml or json")
	recordsExportCmd.Flags().StringP("out", "o", "", "output file (default stdout)")

	recordsCmd.AddCommand(recordsListCmd)
	recordsCmd.AddCommand(recordsShowCmd)
	recordsCmd.AddCommand(recordsExportCmd)
	rootCmd.AddCommand(recordsCmd)
}
