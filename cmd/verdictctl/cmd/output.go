package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

var (
	okColor    = color.New(color.FgGreen)
	badColor   = color.New(color.FgRed)
	warnColor  = color.New(color.FgYellow)
	idleColor  = color.New(color.FgCyan)
	faintColor = color.New(color.Faint)
)

// formatTimestamp renders a unix-millisecond wire timestamp as RFC 3339.
func formatTimestamp(ms string) string {
	if ms == "" {
		return "-"
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return ms
	}
	return time.UnixMilli(n).UTC().Format(time.RFC3339)
}

func colorState(state string) string {
	switch state {
	case "trusted":
		return okColor.Sprint(state)
	case "vulnerable":
		return badColor.Sprint(state)
	case "outdated":
		return warnColor.Sprint(state)
	case "new", "unseen":
		return idleColor.Sprint(state)
	case "retired", "resurrectable":
		return faintColor.Sprint(state)
	default:
		return state
	}
}

func colorVerdict(verdict bool) string {
	if verdict {
		return okColor.Sprint("trusted")
	}
	return badColor.Sprint("untrusted")
}

func listOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}

func sortedPairs(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + m[k]
	}
	return pairs
}

// sortedPCRs orders register keys numerically.
func sortedPCRs(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := strconv.Atoi(keys[i])
		b, _ := strconv.Atoi(keys[j])
		return a < b
	})
	return keys
}

func printDevices(devices []deviceResponse) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tHWID\tSTATE\tPOLICIES\tLAST QUOTE")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Name, d.HWID, colorState(d.State), listOrDash(d.Policies), formatTimestamp(d.LastQuoteAt))
	}
	w.Flush()
}

func printDevice(d *deviceResponse) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", d.ID)
	fmt.Fprintf(w, "Name:\t%s\n", d.Name)
	fmt.Fprintf(w, "HWID:\t%s\n", d.HWID)
	fmt.Fprintf(w, "State:\t%s\n", colorState(d.State))
	if d.Fingerprint != "" {
		fmt.Fprintf(w, "Key:\t%s\n", d.Fingerprint)
	}
	fmt.Fprintf(w, "Policies:\t%s\n", listOrDash(d.Policies))
	fmt.Fprintf(w, "Replaces:\t%s\n", listOrDash(d.Replaces))
	fmt.Fprintf(w, "Replaced by:\t%s\n", listOrDash(d.ReplacedBy))
	fmt.Fprintf(w, "Attributes:\t%s\n", listOrDash(sortedPairs(d.Attributes)))
	fmt.Fprintf(w, "Created:\t%s\n", formatTimestamp(d.CreatedAt))
	fmt.Fprintf(w, "Last quote:\t%s\n", formatTimestamp(d.LastQuoteAt))
	w.Flush()

	if n := len(d.Appraisals); n > 0 {
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Latest appraisal:")
		printAppraisal(&d.Appraisals[n-1])
	}
	if len(d.Changes) > 0 {
		fmt.Fprintln(stdout)
		printChanges(d.Changes)
	}
}

func printPolicies(policies []policyResponse) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tKIND\tDEVICES\tVALID FROM\tVALID UNTIL\tREVOKED")
	for _, p := range policies {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			p.ID, p.Name, p.Kind, listOrDash(p.Devices),
			formatTimestamp(p.ValidFrom), formatTimestamp(p.ValidUntil), p.Revoked)
	}
	w.Flush()
}

func printPolicy(p *policyResponse) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", p.ID)
	fmt.Fprintf(w, "Name:\t%s\n", p.Name)
	fmt.Fprintf(w, "Kind:\t%s\n", p.Kind)
	fmt.Fprintf(w, "Devices:\t%s\n", listOrDash(p.Devices))
	fmt.Fprintf(w, "Valid from:\t%s\n", formatTimestamp(p.ValidFrom))
	fmt.Fprintf(w, "Valid until:\t%s\n", formatTimestamp(p.ValidUntil))
	fmt.Fprintf(w, "Revoked:\t%t\n", p.Revoked)
	if len(p.PCRTemplate) > 0 {
		fmt.Fprintf(w, "PCR template:\t%s\n", strings.Join(p.PCRTemplate, ","))
	}
	if len(p.FWTemplate) > 0 {
		fmt.Fprintf(w, "FW template:\t%s\n", strings.Join(p.FWTemplate, ","))
	}
	for _, k := range sortedPCRs(p.PCRs) {
		fmt.Fprintf(w, "PCR %s:\t%s\n", k, p.PCRs[k])
	}
	for _, pair := range sortedPairs(p.Firmware) {
		fmt.Fprintf(w, "Firmware:\t%s\n", pair)
	}
	if len(p.FWOverrides) > 0 {
		fmt.Fprintf(w, "FW overrides:\t%s\n", strings.Join(p.FWOverrides, ","))
	}
	w.Flush()

	if len(p.Changes) > 0 {
		fmt.Fprintln(stdout)
		printChanges(p.Changes)
	}
}

func printAppraisal(a *appraisalResponse) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "  ID:\t%s\n", a.ID)
	fmt.Fprintf(w, "  Verdict:\t%s\n", colorVerdict(a.Verdict))
	policy := a.Policy
	if policy == "" {
		policy = "-"
	}
	fmt.Fprintf(w, "  Policy:\t%s\n", policy)
	fmt.Fprintf(w, "  Received:\t%s\n", formatTimestamp(a.Received))
	fmt.Fprintf(w, "  Expires:\t%s\n", formatTimestamp(a.Expires))
	for _, an := range a.Annotations {
		if an.Expected != "" {
			fmt.Fprintf(w, "  Annotation:\t%s %s (expected %s)\n", an.ID, an.Path, an.Expected)
		} else {
			fmt.Fprintf(w, "  Annotation:\t%s %s\n", an.ID, an.Path)
		}
	}
	w.Flush()
}

func printChanges(changes []changeResponse) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHANGE\tTIME\tACTOR\tCOMMENT")
	for _, c := range changes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Type, formatTimestamp(c.Timestamp), c.Actor, c.Comment)
	}
	w.Flush()
}

func printAudit(events []auditResponse) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tTYPE\tSEVERITY\tACTOR\tDETAILS")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, formatTimestamp(e.Timestamp), e.Type, e.Severity, e.Actor, strings.Join(sortedPairs(e.Details), " "))
	}
	w.Flush()
}

// printNext tells the user how to fetch the following page.
func printNext(cmdPath, next string) {
	if next != "" {
		fmt.Fprintf(stdout, "\nMore results: %s --cursor %s\n", cmdPath, next)
	}
}
