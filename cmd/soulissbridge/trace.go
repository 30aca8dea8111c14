package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-souliss/internal/bridges/souliss"
	"github.com/nerrad567/gray-logic-souliss/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-souliss/internal/trace"
)

type traceFlags struct {
	file      string
	gateway   string
	direction string
	function  string
	session   string
	since     time.Duration
	limit     int
	asJSON    bool
}

// newTraceCommand dumps a frame trace file written by a running bridge.
func newTraceCommand() *cobra.Command {
	var flags traceFlags

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Print recorded Souliss datagrams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := buildTraceFilter(flags, time.Now())
			if err != nil {
				return err
			}

			r, err := trace.NewReader(flags.file, filter)
			if err != nil {
				return err
			}
			defer r.Close()

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			printed := 0
			var writeErr error
			if err := r.ForEach(func(e trace.Event) bool {
				if flags.asJSON {
					writeErr = enc.Encode(e)
				} else {
					_, writeErr = fmt.Fprintln(out, e.Format())
				}
				printed++
				return writeErr == nil && (flags.limit <= 0 || printed < flags.limit)
			}); err != nil {
				return err
			}
			return writeErr
		},
	}

	cmd.Flags().StringVarP(&flags.file, "file", "f", config.Default().Trace.Path, "trace file to read")
	cmd.Flags().StringVarP(&flags.gateway, "gateway", "g", "", "only frames of this gateway ID")
	cmd.Flags().StringVarP(&flags.direction, "direction", "d", "", "only \"in\" or \"out\" frames")
	cmd.Flags().StringVar(&flags.function, "function", "", "only this function code (name such as poll_reply, or 0x37)")
	cmd.Flags().StringVar(&flags.session, "session", "", "only frames of this recorder session")
	cmd.Flags().DurationVar(&flags.since, "since", 0, "only frames newer than this duration")
	cmd.Flags().IntVarP(&flags.limit, "limit", "n", 0, "stop after this many frames (0 is unlimited)")
	cmd.Flags().BoolVar(&flags.asJSON, "json", false, "print events as JSON lines")

	return cmd
}

func buildTraceFilter(flags traceFlags, now time.Time) (trace.Filter, error) {
	f := trace.Filter{Gateway: flags.gateway, Session: flags.session}

	if flags.direction != "" {
		d, err := trace.ParseDirection(flags.direction)
		if err != nil {
			return trace.Filter{}, err
		}
		f.Direction = &d
	}
	if flags.function != "" {
		fn, err := parseFunctionCode(flags.function)
		if err != nil {
			return trace.Filter{}, err
		}
		f.Function = &fn
	}
	if flags.since > 0 {
		since := now.Add(-flags.since)
		f.Since = &since
	}
	return f, nil
}

// parseFunctionCode accepts a function name ("force", "poll_reply") or a
// numeric code ("0x33", "51").
func parseFunctionCode(s string) (souliss.FunctionCode, error) {
	if n, err := strconv.ParseUint(s, 0, 8); err == nil {
		return souliss.FunctionCode(n), nil
	}
	name := strings.ToLower(s)
	for i := 0; i <= 0xff; i++ {
		if fc := souliss.FunctionCode(i); fc.String() == name {
			return fc, nil
		}
	}
	return 0, fmt.Errorf("unknown function code %q", s)
}
