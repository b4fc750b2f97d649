package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"docmigrate/internal/domain"
	docmigratesdk "docmigrate/sdk/go"
)

// jobView is what the job tables print, built from either a workspace row
// or an API response.
type jobView struct {
	ID             string
	Name           string
	System         string
	Owner          string
	Status         string
	Running        bool
	Total          int64
	Processed      int64
	Failed         int64
	Skipped        int64
	TotalBytes     int64
	ProcessedBytes int64
	RetryOf        string
	ErrorCode      string
	ErrorMessage   string
	ErrorsByCode   map[string]int64
	Created        time.Time
	Started        *time.Time
	Finished       *time.Time
	Checkpoint     *time.Time
}

func jobFromDomain(j domain.MigrationJob, running bool) jobView {
	byCode := make(map[string]int64, len(j.ErrorSummary.ByCode))
	for k, v := range j.ErrorSummary.ByCode {
		byCode[string(k)] = v
	}
	return jobView{
		ID:             j.ID,
		Name:           j.Name,
		System:         string(j.SourceSystem),
		Owner:          j.OwnerUserID,
		Status:         string(j.Status),
		Running:        running,
		Total:          j.TotalItems,
		Processed:      j.ProcessedItems,
		Failed:         j.FailedItems,
		Skipped:        j.SkippedItems,
		TotalBytes:     j.TotalBytes,
		ProcessedBytes: j.ProcessedBytes,
		RetryOf:        j.RetryOf,
		ErrorCode:      string(j.ErrorCode),
		ErrorMessage:   j.ErrorMessage,
		ErrorsByCode:   byCode,
		Created:        j.CreatedAt,
		Started:        j.StartedAt,
		Finished:       j.FinishedAt,
		Checkpoint:     j.LastCheckpoint,
	}
}

func jobFromAPI(j docmigratesdk.Job) jobView {
	return jobView{
		ID:             j.ID,
		Name:           j.Name,
		System:         j.SourceSystem,
		Owner:          j.OwnerUserID,
		Status:         j.Status,
		Running:        j.Running,
		Total:          j.TotalItems,
		Processed:      j.ProcessedItems,
		Failed:         j.FailedItems,
		Skipped:        j.SkippedItems,
		TotalBytes:     j.TotalBytes,
		ProcessedBytes: j.ProcessedBytes,
		RetryOf:        j.RetryOf,
		ErrorCode:      j.ErrorCode,
		ErrorMessage:   j.ErrorMessage,
		ErrorsByCode:   j.ErrorSummary.ByCode,
		Created:        parseTS(j.CreatedAt),
		Started:        parseTSPtr(j.StartedAt),
		Finished:       parseTSPtr(j.FinishedAt),
		Checkpoint:     parseTSPtr(j.LastCheckpoint),
	}
}

func printJobs(jobs []jobView, next string) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Source", "Status", "Items", "Failed", "Bytes", "Created"})
	for _, j := range jobs {
		tw.AppendRow(table.Row{
			j.ID, j.Name, j.System, statusLabel(j),
			fmt.Sprintf("%s/%s", humanize.Comma(j.Processed), humanize.Comma(j.Total)),
			humanize.Comma(j.Failed),
			humanize.Bytes(uint64(j.ProcessedBytes)),
			humanize.Time(j.Created),
		})
	}
	tw.Render()
	if next != "" {
		fmt.Fprintf(os.Stderr, "more: --cursor %q\n", next)
	}
}

func printJob(j jobView, counts map[domain.ItemStatus]int64) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", j.ID},
		{"Name", j.Name},
		{"Source", j.System},
		{"Owner", j.Owner},
		{"Status", statusLabel(j)},
		{"Items", fmt.Sprintf("%s processed, %s failed, %s skipped of %s",
			humanize.Comma(j.Processed), humanize.Comma(j.Failed), humanize.Comma(j.Skipped), humanize.Comma(j.Total))},
		{"Bytes", fmt.Sprintf("%s of %s", humanize.Bytes(uint64(j.ProcessedBytes)), humanize.Bytes(uint64(j.TotalBytes)))},
		{"Created", humanize.Time(j.Created)},
		{"Started", timeOrDash(j.Started)},
		{"Finished", timeOrDash(j.Finished)},
		{"Checkpoint", timeOrDash(j.Checkpoint)},
	})
	if j.RetryOf != "" {
		tw.AppendRow(table.Row{"Retry of", j.RetryOf})
	}
	if j.ErrorCode != "" || j.ErrorMessage != "" {
		tw.AppendRow(table.Row{"Error", strings.TrimSpace(j.ErrorCode + " " + j.ErrorMessage)})
	}
	for _, code := range sortedKeys(j.ErrorsByCode) {
		tw.AppendRow(table.Row{"Errors " + code, humanize.Comma(j.ErrorsByCode[code])})
	}
	for _, st := range itemStatusOrder {
		if n, ok := counts[st]; ok {
			tw.AppendRow(table.Row{"Items " + string(st), humanize.Comma(n)})
		}
	}
	tw.Render()
}

var itemStatusOrder = []domain.ItemStatus{
	domain.ItemPending, domain.ItemDiscovered, domain.ItemDownloading, domain.ItemUploading, domain.ItemIndexing,
	domain.ItemApplyingPermissions, domain.ItemVerifying, domain.ItemCompleted, domain.ItemFailed, domain.ItemSkipped,
}

type itemView struct {
	ID       string
	Path     string
	Type     string
	Size     int64
	Status   string
	Stage    string
	Attempts int
	Error    string
}

func printItems(items []itemView, next string) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Path", "Type", "Size", "Status", "Stage", "Attempts", "Error"})
	for _, it := range items {
		size := ""
		if it.Type == string(domain.ItemFile) {
			size = humanize.Bytes(uint64(it.Size))
		}
		tw.AppendRow(table.Row{it.ID, it.Path, it.Type, size, it.Status, it.Stage, it.Attempts, truncate(it.Error, 60)})
	}
	tw.Render()
	if next != "" {
		fmt.Fprintf(os.Stderr, "more: --cursor %q\n", next)
	}
}

func itemError(code, msg, skip string) string {
	if skip != "" {
		return "skipped: " + skip
	}
	return strings.TrimSpace(code + " " + msg)
}

type auditView struct {
	ID      int64
	At      time.Time
	Type    string
	Stage   string
	Subject string
	Message string
}

func auditFromDomain(ev domain.AuditEvent) auditView {
	return auditView{
		ID:      ev.ID,
		At:      ev.CreatedAt,
		Type:    string(ev.EventType),
		Stage:   string(ev.Stage),
		Subject: firstNonEmpty(ev.SourceID, ev.ItemID),
		Message: auditMessage(ev.ErrorMessage, ev.Details),
	}
}

func auditFromAPI(ev docmigratesdk.AuditEvent) auditView {
	return auditView{
		ID:      ev.ID,
		At:      parseTS(ev.CreatedAt),
		Type:    ev.EventType,
		Stage:   ev.Stage,
		Subject: firstNonEmpty(ev.SourceID, ev.ItemID),
		Message: auditMessage(ev.ErrorMessage, ev.Details),
	}
}

func printAudit(events []auditView, header bool) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	if header {
		tw.AppendHeader(table.Row{"ID", "Time", "Event", "Stage", "Subject", "Detail"})
	}
	for _, ev := range events {
		tw.AppendRow(table.Row{ev.ID, ev.At.Local().Format(time.DateTime), ev.Type, ev.Stage, truncate(ev.Subject, 40), truncate(ev.Message, 80)})
	}
	if len(events) > 0 || header {
		tw.Render()
	}
}

func auditMessage(errMsg string, details map[string]any) string {
	if errMsg != "" {
		return errMsg
	}
	if len(details) == 0 {
		return ""
	}
	parts := make([]string, 0, len(details))
	for _, k := range sortedKeys(details) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, details[k]))
	}
	return strings.Join(parts, " ")
}

type metricsView struct {
	At             time.Time
	FilesPerMinute *float64
	BytesPerSecond *float64
	Throttles      int64
	Errors         int64
	Backlog        int
}

func printMetrics(samples []metricsView) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Recorded", "Files/min", "Throughput", "Throttled", "Errors", "Backlog"})
	for _, s := range samples {
		fpm, bps := "-", "-"
		if s.FilesPerMinute != nil {
			fpm = strconv.FormatFloat(*s.FilesPerMinute, 'f', 1, 64)
		}
		if s.BytesPerSecond != nil {
			bps = humanize.Bytes(uint64(*s.BytesPerSecond)) + "/s"
		}
		tw.AppendRow(table.Row{humanize.Time(s.At), fpm, bps, humanize.Comma(s.Throttles), humanize.Comma(s.Errors), s.Backlog})
	}
	tw.Render()
}

type identityView struct {
	System     string
	Source     string
	SourceType string
	Target     string
	TargetType string
	Verified   bool
	Fallback   string
	Roles      map[string]string
}

func printIdentities(maps []identityView, next string) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Source", "Principal", "Type", "Target", "Target type", "Verified", "Fallback", "Roles"})
	for _, m := range maps {
		roles := make([]string, 0, len(m.Roles))
		for _, k := range sortedKeys(m.Roles) {
			roles = append(roles, k+"->"+m.Roles[k])
		}
		tw.AppendRow(table.Row{m.System, m.Source, m.SourceType, m.Target, m.TargetType, m.Verified, m.Fallback, strings.Join(roles, ",")})
	}
	tw.Render()
	if next != "" {
		fmt.Fprintf(os.Stderr, "more: --cursor %q\n", next)
	}
}

func printJSONOrTable(v any, table func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	table()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusLabel(j jobView) string {
	if j.Running {
		return j.Status + "*"
	}
	return j.Status
}

func timeOrDash(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format(time.DateTime), humanize.Time(*t))
}

func parseTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTSPtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t := parseTS(*s)
	return &t
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
