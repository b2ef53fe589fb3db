package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/wbrown/janus-revstore/revstore"
	"github.com/wbrown/janus-revstore/revstore/history"
)

const maxValueWidth = 40

// formatRevisions renders revisions as a markdown table
func formatRevisions(revs []*history.Revision) string {
	if len(revs) == 0 {
		return "_No revisions_\n"
	}
	out := &strings.Builder{}
	table := tablewriter.NewTable(out,
		tablewriter.WithRenderer(renderer.NewMarkdown()),
		tablewriter.WithHeaderAutoFormat(tw.Off),
	)
	table.Header([]string{"revision", "artifact", "chain", "wcn", "flags", "attributes"})
	for _, r := range revs {
		table.Append([]string{
			fmt.Sprint(r.ID()),
			fmt.Sprint(r.ArtifactKey()),
			fmt.Sprint(r.ChainID()),
			r.WCN().String(),
			flags(r),
			attributes(r),
		})
	}
	table.Render()
	fmt.Fprintf(out, "\n_%d rows_\n", len(revs))
	return out.String()
}

func flags(r *history.Revision) string {
	var fs []string
	if r.Deleted() {
		fs = append(fs, "deleted")
	}
	switch {
	case r.IsRelinkedClosure():
		fs = append(fs, "relinked")
	case r.IsClosure():
		fs = append(fs, "closure")
	case r.CopiedFrom() != 0:
		fs = append(fs, fmt.Sprintf("copy of %d", r.CopiedFrom()))
	}
	return strings.Join(fs, " ")
}

func attributes(r *history.Revision) string {
	keys := r.Keys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, _ := r.Value(k)
		parts = append(parts, k.String()+"="+formatValue(v))
	}
	return strings.Join(parts, " ")
}

func formatValue(v revstore.Value) string {
	var s string
	switch x := v.(type) {
	case nil:
		s = "nil"
	case string:
		s = fmt.Sprintf("%q", x)
	case float64:
		s = fmt.Sprintf("%.2f", x)
	case time.Time:
		s = x.Format("2006-01-02 15:04:05")
	case []byte:
		s = fmt.Sprintf("<%d bytes>", len(x))
	case revstore.Ref:
		s = fmt.Sprintf("#%d", uint64(x))
	default:
		s = fmt.Sprint(x)
	}
	if len(s) > maxValueWidth {
		s = s[:maxValueWidth-3] + "..."
	}
	return s
}
