package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/emersion/go-message/mail"
	"github.com/spf13/cobra"

	"github.com/dhcgn/eml-to-mbox/filter"
	"github.com/dhcgn/eml-to-mbox/mbox"
	"github.com/dhcgn/eml-to-mbox/stats"
)

var trackedHeaders = []string{"Postmark", "From", "To", "Subject"}

type inspectOptions struct {
	reportDir string
	topN      int
	filter    filter.Options
}

// mismatch is a message whose postmark sender differs from its From: address.
type mismatch struct {
	Index    int
	Postmark string
	From     string
}

type inspectReport struct {
	Messages   int
	Filtered   int
	Unparsed   int
	Bytes      int64
	Mismatches []mismatch
	Counter    map[string]map[string]int
	FilterHits filter.Stats
}

// NewInspectCmd returns the inspect subcommand.
func NewInspectCmd() *cobra.Command {
	opts := inspectOptions{}
	cmd := &cobra.Command{
		Use:   "inspect <archive.mbox>",
		Short: "Check a produced archive and show statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Analyzing archive:", args[0])

			report, err := inspect(args[0], opts)
			if err != nil {
				return err
			}
			printReport(out, report, opts.topN)

			if opts.reportDir != "" {
				if err := saveCSVReports(report.Counter, trackedHeaders, opts.reportDir, 1000); err != nil {
					return fmt.Errorf("error saving CSV reports: %w", err)
				}
				fmt.Fprintf(out, "\nReports saved to directory: %s\n", opts.reportDir)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.reportDir, "output", "o", "", "Output directory for CSV reports (empty disables)")
	flags.IntVarP(&opts.topN, "top", "t", 10, "Number of top items to display in statistics")
	flags.StringArrayVar(&opts.filter.IncludeHeader, "include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArrayVar(&opts.filter.IncludeBody, "include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArrayVar(&opts.filter.ExcludeHeader, "exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArrayVar(&opts.filter.ExcludeBody, "exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	return cmd
}

func inspect(path string, opts inspectOptions) (inspectReport, error) {
	f, err := filter.New(opts.filter)
	if err != nil {
		return inspectReport{}, fmt.Errorf("create filter: %w", err)
	}

	report := inspectReport{Counter: make(map[string]map[string]int)}
	for _, h := range trackedHeaders {
		report.Counter[h] = make(map[string]int)
	}

	err = mbox.Read(path, func(m *mbox.Message) error {
		if !f.AllowsRaw(m.Raw) {
			report.Filtered++
			return nil
		}

		report.Messages++
		report.Bytes += int64(len(m.Raw))
		if m.Postmark.Sender != "" {
			report.Counter["Postmark"][m.Postmark.Sender]++
		}
		if m.ParseErr != nil {
			report.Unparsed++
			return nil
		}

		from := firstAddress(m.Header, "From")
		if from != "" {
			report.Counter["From"][from]++
		}
		if to := firstAddress(m.Header, "To"); to != "" {
			report.Counter["To"][to]++
		}
		if subject, err := m.Header.Subject(); err == nil && subject != "" {
			report.Counter["Subject"][subject]++
		}
		if !strings.EqualFold(from, m.Postmark.Sender) {
			report.Mismatches = append(report.Mismatches, mismatch{Index: m.Index, Postmark: m.Postmark.Sender, From: from})
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("error reading archive: %w", err)
	}

	report.FilterHits = f.GetStats()
	return report, nil
}

// firstAddress returns the first address of header key, or its raw value
// when the list does not parse.
func firstAddress(h mail.Header, key string) string {
	addrs, err := h.AddressList(key)
	if err == nil && len(addrs) > 0 {
		return addrs[0].Address
	}
	return strings.TrimSpace(h.Get(key))
}

func printReport(out io.Writer, report inspectReport, topN int) {
	total := report.Messages + report.Filtered
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(report.Filtered) / float64(total) * 100
	}
	fmt.Fprintf(out, "Processed %s messages, %s (skipped %d by filters, %.2f%%)\n\n",
		humanize.Comma(int64(report.Messages)), humanize.Bytes(uint64(report.Bytes)), report.Filtered, filterPercent)

	hits := report.FilterHits
	groups := []struct {
		title    string
		patterns []string
	}{
		{"Include Header Filters", hits.IncludeHeaderPatterns},
		{"Include Body Filters", hits.IncludeBodyPatterns},
		{"Exclude Header Filters", hits.ExcludeHeaderPatterns},
		{"Exclude Body Filters", hits.ExcludeBodyPatterns},
	}
	for _, g := range groups {
		if len(g.patterns) == 0 {
			continue
		}
		fmt.Fprintf(out, "%s:\n", g.title)
		printFilterHits(out, g.patterns, hits.Hits)
		fmt.Fprintln(out)
	}

	for _, header := range trackedHeaders {
		fmt.Fprintf(out, "Top %d %s:\n", topN, header)
		for i, p := range stats.Top(report.Counter[header], topN) {
			fmt.Fprintf(out, "%d. %s (%d)\n", i+1, p.Key, p.Value)
		}
		fmt.Fprintln(out)
	}

	if report.Unparsed > 0 {
		fmt.Fprintf(out, "Messages with unreadable headers: %d\n", report.Unparsed)
	}
	if len(report.Mismatches) == 0 {
		fmt.Fprintln(out, "All postmark senders match their From: header.")
		return
	}
	fmt.Fprintf(out, "Postmark/From mismatches: %d\n", len(report.Mismatches))
	for i, m := range report.Mismatches {
		if i == topN {
			fmt.Fprintf(out, "  ... %d more\n", len(report.Mismatches)-topN)
			break
		}
		fmt.Fprintf(out, "  #%d postmark %q, From: %q\n", m.Index, m.Postmark, m.From)
	}
}

func saveCSVReports(counter map[string]map[string]int, headers []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, header := range headers {
		filename := fmt.Sprintf("report_%s.csv", normalizeHeaderName(header))
		file, err := os.Create(filepath.Join(dir, filename))
		if err != nil {
			return err
		}

		writer := csv.NewWriter(file)
		if err := writer.Write([]string{"Value", "Count"}); err != nil {
			file.Close()
			return err
		}
		for _, p := range stats.Top(counter[header], limit) {
			if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
				file.Close()
				return err
			}
		}

		writer.Flush()
		if err := writer.Error(); err != nil {
			file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
	}

	return nil
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

func printFilterHits(out io.Writer, patterns []string, hits map[string]int) {
	type pair struct {
		Pattern string
		Count   int
	}
	pairs := make([]pair, 0, len(patterns))
	for _, pattern := range patterns {
		pairs = append(pairs, pair{pattern, hits[pattern]})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Count != pairs[j].Count {
			return pairs[i].Count > pairs[j].Count
		}
		return pairs[i].Pattern < pairs[j].Pattern
	})

	for _, p := range pairs {
		if p.Count > 0 {
			fmt.Fprintf(out, "  ✓ %s: %d hits\n", p.Pattern, p.Count)
		} else {
			fmt.Fprintf(out, "  ✗ %s: 0 hits\n", p.Pattern)
		}
	}
}
