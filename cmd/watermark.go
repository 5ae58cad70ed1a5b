package main

import (
	"fmt"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/imagefilter/internal/model"
	"github.com/sells-group/imagefilter/internal/watermark"
)

var watermarkCmd = &cobra.Command{
	Use:   "watermark",
	Short: "Inspect, advance or reset the ingestion watermark",
}

var watermarkShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current watermark",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		wm, err := watermark.NewTracker(st).Current(ctx)
		if err != nil {
			return err
		}
		printWatermark(cmd.OutOrStdout(), wm)
		return nil
	},
}

var watermarkSetCmd = &cobra.Command{
	Use:   "set <timestamp>",
	Short: "Overwrite the watermark",
	Long:  "Overwrites the watermark, including moving it backwards so that images are reconsidered. Accepts RFC 3339 or \"YYYY-MM-DD HH:MM:SS\" (UTC), or \"zero\" to reprocess everything.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		wm, err := parseWatermark(args[0])
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := watermark.NewTracker(st).Reset(ctx, wm); err != nil {
			return err
		}
		zap.L().Info("watermark reset", zap.Time("watermark", wm))
		printWatermark(cmd.OutOrStdout(), wm)
		return nil
	},
}

var watermarkAdvanceCmd = &cobra.Command{
	Use:   "advance [timestamp]",
	Short: "Move the watermark forward",
	Long:  "Marks every image up to timestamp (default: now) as processed. The watermark never moves backwards; use set for that.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		captured := time.Now().UTC()
		if len(args) == 1 && args[0] != "now" {
			var err error
			if captured, err = parseWatermark(args[0]); err != nil {
				return err
			}
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		wm, err := watermark.NewTracker(st).Advance(ctx, captured)
		if err != nil {
			return err
		}
		zap.L().Info("watermark advanced", zap.Time("watermark", wm))
		printWatermark(cmd.OutOrStdout(), wm)
		return nil
	},
}

func parseWatermark(s string) (time.Time, error) {
	if s == "zero" {
		return time.Time{}, nil
	}
	wm, err := model.ParseTimestamp(s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "parse watermark %q", s)
	}
	return wm.UTC(), nil
}

func printWatermark(w io.Writer, wm time.Time) {
	if wm.IsZero() {
		_, _ = fmt.Fprintln(w, "(none)")
		return
	}
	_, _ = fmt.Fprintln(w, wm.UTC().Format(time.RFC3339Nano))
}

func init() {
	watermarkCmd.AddCommand(watermarkShowCmd)
	watermarkCmd.AddCommand(watermarkSetCmd)
	watermarkCmd.AddCommand(watermarkAdvanceCmd)
	rootCmd.AddCommand(watermarkCmd)
}
