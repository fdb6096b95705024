package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/loykin/creditwatch/internal/pace"
	"github.com/loykin/creditwatch/pkg/client"
)

func printJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}

func shown(display map[string]bool, key string) bool {
	v, ok := display[key]
	return !ok || v
}

func renderStatus(out io.Writer, st client.Status) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "state\t%s\n", st.State)
	if st.Path != "" {
		_, _ = fmt.Fprintf(tw, "path\t%s\n", st.Path)
	}
	if st.SessionID != "" {
		_, _ = fmt.Fprintf(tw, "session\t%s\n", st.SessionID)
	}
	_, _ = fmt.Fprintf(tw, "attempts\t%d\n", st.AttemptCount)
	_, _ = fmt.Fprintf(tw, "readings\t%d\n", len(st.Readings))
	if st.Confirmed != nil {
		_, _ = fmt.Fprintf(tw, "confirmed\t%d (%s)\n", st.Confirmed.Value, st.Confirmed.Rule)
	}
	if st.HandoffInFlight {
		_, _ = fmt.Fprintf(tw, "handoff\tin flight\n")
	}
	if st.LastProcessed != nil {
		_, _ = fmt.Fprintf(tw, "last stored\t%d\n", *st.LastProcessed)
	}
	if st.LastClosedAt != nil {
		_, _ = fmt.Fprintf(tw, "last closed\t%s\n", st.LastClosedAt.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
}

func renderHistory(out io.Writer, h []client.Entry) {
	if len(h) == 0 {
		_, _ = fmt.Fprintln(out, errNoValue)
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	_, _ = fmt.Fprintln(tw, "TIME\tCOUNT\tCHANGE\t")
	for i, e := range h {
		change := ""
		if i+1 < len(h) {
			change = fmt.Sprintf("%+d", e.Count-h[i+1].Count)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t\n", e.Time.Local().Format(time.DateTime), e.Count, change)
	}
	_ = tw.Flush()
}

func optInt(p *int) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *p)
}

func renderReport(out io.Writer, r client.Report) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	line := func(key, label, format string, args ...any) {
		if shown(r.Display, key) {
			_, _ = fmt.Fprintf(tw, label+"\t"+format+"\n", args...)
		}
	}
	line("showCurrentBalance", "Current balance", "%d", r.Current)
	line("showDailyStart", "Start of day", "%s", optInt(r.DailyStart))
	line("showConsumedToday", "Used today", "%s", optInt(r.ConsumedToday))
	line("showSinceLastCheck", "Since last check", "%s", optInt(r.SinceLastCheck))
	line("showActualPace", "Actual pace", "%.1f / day", r.ActualPace)
	line("showTargetPace", "Target pace", "%.1f / day", r.TargetPace)
	if r.DailyLimit != nil {
		line("showTargetPace", "Daily limit", "%d (%s left today)", *r.DailyLimit, optInt(r.RemainingToday))
	}
	line("showStatus", "Status", "%s %s", r.Status, r.StatusText)
	line("showDaysInfo", "Cycle", "day %d, %d days left (renews %s)",
		r.DaysElapsed, r.DaysLeft, r.NextRenewal.Local().Format(time.DateOnly))
	if r.DaysAheadBehind >= 0 {
		line("showDaysAhead", "Ahead", "%.1f days", r.DaysAheadBehind)
	} else {
		line("showDaysAhead", "Behind", "%.1f days", -r.DaysAheadBehind)
	}
	_ = tw.Flush()
}

func renderDiagnostics(out io.Writer, d client.Diagnostics) {
	keys := make([]string, 0, len(d.StrategyStats.Counts))
	for k := range d.StrategyStats.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STRATEGY\tCONFIRMED")
	for _, k := range keys {
		_, _ = fmt.Fprintf(tw, "%s\t%d\n", k, d.StrategyStats.Counts[k])
	}
	_ = tw.Flush()
	if ls := d.StrategyStats.LastSuccess; ls != nil {
		_, _ = fmt.Fprintf(out, "last success: %d via strategy %d at %s\n",
			ls.Value, ls.Strategy, ls.Time.Local().Format(time.DateTime))
	}
	_, _ = fmt.Fprintf(out, "recorded successes: %d\n", len(d.SuccessHistory))
	_, _ = fmt.Fprintf(out, "recent failures: %d\n", len(d.FailureLogs))
	for _, f := range d.FailureLogs {
		_, _ = fmt.Fprintf(out, "  %v  %v\n", f["time"], f["reason"])
	}
}

func renderSettings(out io.Writer, s client.Settings) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "renewalDay\t%d\n", s.Plan.RenewalDay)
	_, _ = fmt.Fprintf(tw, "planStartCredit\t%d\n", s.Plan.PlanStartCredit)
	_, _ = fmt.Fprintf(tw, "purchasedCredits\t%d\n", s.Plan.PurchasedCredits)
	_, _ = fmt.Fprintf(tw, "fixedLimitEnabled\t%t\n", s.Plan.FixedLimitEnabled)
	_, _ = fmt.Fprintf(tw, "fixedLimitValue\t%d\n", s.Plan.FixedLimitValue)
	for _, k := range pace.DisplayKeys {
		_, _ = fmt.Fprintf(tw, "%s\t%t\n", k, shown(s.Display, k))
	}
	_ = tw.Flush()
}
