package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/joshsymonds/mailsweep/internal/gmail"
	gmailctlpkg "github.com/joshsymonds/mailsweep/internal/gmailctl"
	"github.com/joshsymonds/mailsweep/internal/ops"
	"github.com/joshsymonds/mailsweep/internal/progress"
	"github.com/joshsymonds/mailsweep/internal/query"
	"github.com/joshsymonds/mailsweep/internal/scan"
	"github.com/joshsymonds/mailsweep/internal/unsubscribe"
)

const dateFlagLayout = "2006-01-02"

// filterFlags are the search predicates shared by filter-driven commands.
type filterFlags struct {
	senders    []string
	label      string
	category   string
	olderThan  string
	largerThan string
	after      string
	before     string
	unread     bool
}

func (f *filterFlags) bind(fs *pflag.FlagSet) {
	fs.StringSliceVar(&f.senders, "from", nil, "sender address or domain (repeatable)")
	fs.StringVar(&f.label, "in-label", "", "restrict to a label name")
	fs.StringVar(&f.category, "category", "", "inbox category: promotions, social, updates, forums, primary")
	fs.StringVar(&f.olderThan, "older-than", "", "relative age, e.g. 30d, 6m, 1y")
	fs.StringVar(&f.largerThan, "larger-than", "", "minimum size, e.g. 5M")
	fs.StringVar(&f.after, "after", "", "only messages after this date (YYYY-MM-DD)")
	fs.StringVar(&f.before, "before", "", "only messages before this date (YYYY-MM-DD)")
	fs.BoolVar(&f.unread, "unread", false, "only unread messages")
}

func (f *filterFlags) filter() (query.Filter, error) {
	out := query.Filter{
		Senders:    f.senders,
		Label:      f.label,
		Unread:     f.unread,
		Category:   f.category,
		OlderThan:  f.olderThan,
		LargerThan: f.largerThan,
	}
	var err error
	if out.After, err = parseDate("after", f.after); err != nil {
		return query.Filter{}, err
	}
	if out.Before, err = parseDate("before", f.before); err != nil {
		return query.Filter{}, err
	}
	return out, nil
}

func parseDate(name, v string) (time.Time, error) {
	if strings.TrimSpace(v) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateFlagLayout, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse --%s: %w", name, err)
	}
	return t, nil
}

func (a *app) markReadCmd() *cobra.Command {
	var (
		count int
		ff    filterFlags
	)
	cmd := &cobra.Command{
		Use:   "mark-read",
		Short: "Mark unread messages as read",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := ff.filter()
			if err != nil {
				return err
			}
			st := a.engine.RunMarkRead(cmd.Context(), ops.MarkReadRequest{Count: count, Filter: f})
			return report(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "maximum messages to mark (0 marks every match)")
	ff.bind(cmd.Flags())
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	var senders []string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Move every message from the given senders to trash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := a.engine.RunDeleteBySender(cmd.Context(), ops.SendersRequest{Senders: senders})
			return report(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringSliceVar(&senders, "sender", nil, "sender address or domain (repeatable)")
	return cmd
}

func (a *app) deleteBulkCmd() *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "delete-bulk",
		Short: "Move every message matching the filter to trash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := ff.filter()
			if err != nil {
				return err
			}
			st := a.engine.RunDeleteBulk(cmd.Context(), ops.BulkRequest{Filter: f})
			return report(cmd.OutOrStdout(), st)
		},
	}
	ff.bind(cmd.Flags())
	return cmd
}

func (a *app) labelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "label",
		Short: "Apply or remove a label on messages from given senders",
	}
	for _, remove := range []bool{false, true} {
		var (
			labelID   string
			labelName string
			senders   []string
		)
		use, short := "apply", "Add a label to every message from the senders"
		if remove {
			use, short = "remove", "Remove a label from the senders' messages"
		}
		sub := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				req := ops.LabelRequest{LabelID: gmail.LabelID(labelID), LabelName: labelName, Senders: senders}
				run := a.engine.RunApplyLabel
				if remove {
					run = a.engine.RunRemoveLabel
				}
				return report(cmd.OutOrStdout(), run(cmd.Context(), req))
			},
		}
		sub.Flags().StringVar(&labelID, "label-id", "", "Gmail label id (see `mailsweep labels list`)")
		if !remove {
			sub.Flags().StringVar(&labelName, "label", "", "label name, created if missing (instead of --label-id)")
		}
		sub.Flags().StringSliceVar(&senders, "sender", nil, "sender address or domain (repeatable)")
		cmd.AddCommand(sub)
	}
	return cmd
}

func (a *app) archiveCmd() *cobra.Command {
	var senders []string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Remove the senders' messages from the inbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := a.engine.RunArchive(cmd.Context(), ops.SendersRequest{Senders: senders})
			return report(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringSliceVar(&senders, "sender", nil, "sender address or domain (repeatable)")
	return cmd
}

func (a *app) importantCmd() *cobra.Command {
	var (
		senders []string
		unmark  bool
	)
	cmd := &cobra.Command{
		Use:   "important",
		Short: "Mark (or with --unmark, unmark) the senders' messages as important",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := a.engine.RunMarkImportant(cmd.Context(), ops.ImportantRequest{Senders: senders, Important: !unmark})
			return report(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringSliceVar(&senders, "sender", nil, "sender address or domain (repeatable)")
	cmd.Flags().BoolVar(&unmark, "unmark", false, "remove the important marker instead")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var (
		senders []string
		out     string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export headers of the senders' messages as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := a.engine.RunDownload(cmd.Context(), ops.SendersRequest{Senders: senders})
			runErr := report(cmd.ErrOrStderr(), st)
			data, ok := a.engine.TakeCSV()
			if !ok {
				return runErr
			}
			if out == "" {
				out = ops.CSVFilename(time.Now())
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", out); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringSliceVar(&senders, "sender", nil, "sender address or domain (repeatable)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "CSV path (default emails-backup-<timestamp>.csv)")
	return cmd
}

func (a *app) unreadCmd() *cobra.Command {
	var exact bool
	cmd := &cobra.Command{
		Use:   "unread",
		Short: "Count unread inbox messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			count, err := a.engine.UnreadCount(cmd.Context(), exact)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), count.Count)
			return err
		},
	}
	cmd.Flags().BoolVar(&exact, "exact", false, "page through results instead of trusting the estimate")
	return cmd
}

func (a *app) labelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labels",
		Short: "List, create and delete labels",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List labels",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				labels, err := a.engine.ListLabels(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, l := range append(labels.System, labels.User...) {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", l.ID, l.Type, l.Name)
				}
				return tw.Flush()
			},
		},
		&cobra.Command{
			Use:   "create NAME",
			Short: "Create a user label",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				lbl, err := a.engine.CreateLabel(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s)\n", lbl.Name, lbl.ID)
				return err
			},
		},
		&cobra.Command{
			Use:   "delete ID",
			Short: "Delete a user label",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.engine.DeleteLabel(cmd.Context(), gmail.LabelID(args[0])); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return err
			},
		},
	)
	return cmd
}

func (a *app) scanCmd() *cobra.Command {
	var (
		limit    int
		top      int
		all      bool
		jsonOut  string
		gmailctl string
		ff       filterFlags
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Rank senders by message count",
		Long: "Rank senders by message count. By default only senders offering " +
			"List-Unsubscribe are kept; --all ranks every sender.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := ff.filter()
			if err != nil {
				return err
			}
			req := ops.ScanRequest{Limit: limit, Filter: f}
			kind, run := progress.KindScan, a.engine.RunScan
			if all {
				kind, run = progress.KindDeleteScan, a.engine.RunDeleteScan
			}
			if err := report(cmd.ErrOrStderr(), run(cmd.Context(), req)); err != nil {
				return err
			}
			rep := a.engine.Report(kind, top)
			if gmailctl != "" {
				export, err := gmailctlpkg.Runner{ConfigDir: gmailctl}.ExportFilters(cmd.Context())
				if err != nil {
					return fmt.Errorf("load gmailctl filters: %w", err)
				}
				scan.MarkCovered(rep.Senders, export.Covering)
				rep.ArchiveRules = scan.BuildArchiveRules(rep.Senders)
			}
			if jsonOut == "-" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			if jsonOut != "" {
				if err := scan.WriteJSON(rep, jsonOut); err != nil {
					return fmt.Errorf("write json report: %w", err)
				}
			}
			return scan.PrintHuman(rep, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum messages to scan (0 scans every match)")
	cmd.Flags().IntVar(&top, "top", 25, "senders to show (0 shows all)")
	cmd.Flags().BoolVar(&all, "all", false, "rank every sender, not only subscriptions")
	cmd.Flags().StringVar(&gmailctl, "gmailctl", "", "gmailctl config dir; flags senders its filters already cover")
	cmd.Flags().StringVar(&jsonOut, "json", "", "also write the report as JSON to this relative path (- for stdout only)")
	ff.bind(cmd.Flags())
	return cmd
}

func (a *app) unsubscribeCmd() *cobra.Command {
	var (
		sender string
		limit  int
		open   bool
	)
	cmd := &cobra.Command{
		Use:   "unsubscribe",
		Short: "Unsubscribe from a sender using its List-Unsubscribe header",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := ops.ScanRequest{Limit: limit, Filter: query.Filter{Senders: []string{sender}}}
			if err := report(cmd.ErrOrStderr(), a.engine.RunScan(cmd.Context(), req)); err != nil {
				return err
			}
			res, err := a.engine.Unsubscribe(cmd.Context(), ops.UnsubscribeRequest{Sender: sender})
			if err != nil {
				return err
			}
			if err := printUnsubscribe(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if open && res.Method == ops.MethodLink {
				return unsubscribe.OpenBrowser(res.Target)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sender, "sender", "", "sender address from a scan")
	cmd.Flags().IntVar(&limit, "limit", 50, "recent messages from the sender to inspect")
	cmd.Flags().BoolVar(&open, "open", false, "open a non-one-click link in the browser")
	_ = cmd.MarkFlagRequired("sender")
	return cmd
}

func printUnsubscribe(w io.Writer, res ops.UnsubscribeResult) error {
	if _, err := fmt.Fprintln(w, res.Message); err != nil {
		return err
	}
	if res.Done {
		return nil
	}
	_, err := fmt.Fprintf(w, "%s: %s\n", res.Method, res.Target)
	return err
}
