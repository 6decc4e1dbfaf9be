package summarizer

import (
	"fmt"
	"strings"
)

// MarkdownFormatter renders a Summary as a Markdown report.
type MarkdownFormatter struct{}

// NewMarkdownFormatter creates a new MarkdownFormatter.
func NewMarkdownFormatter() *MarkdownFormatter {
	return &MarkdownFormatter{}
}

// Format implements Formatter.
func (f *MarkdownFormatter) Format(s *Summary) string {
	var b strings.Builder

	b.WriteString("# Pipeline Summary\n\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", s.GeneratedAt.Format("2006-01-02 15:04:05 MST"))

	b.WriteString("## Files\n\n")
	b.WriteString("| Item | Value |\n|------|-------|\n")
	fmt.Fprintf(&b, "| Input | %s |\n", escapeCell(s.Input))
	fmt.Fprintf(&b, "| Output | %s |\n", escapeCell(s.Output))
	fmt.Fprintf(&b, "| Finalized | %s |\n", yesNo(s.Finalized))
	fmt.Fprintf(&b, "| Elapsed | %d ms |\n", s.Elapsed.Milliseconds())
	fmt.Fprintf(&b, "| Written | %s |\n", formatBytes(s.TotalBytes()))
	b.WriteString("\n")

	b.WriteString("## Streams\n\n")
	if len(s.Streams) == 0 {
		b.WriteString("No streams were processed.\n\n")
	} else {
		b.WriteString("| # | Type | Mode | Codec | State | Read | Written | Bytes | Skipped |\n")
		b.WriteString("|---|------|------|-------|-------|------|---------|-------|---------|\n")
		for _, st := range s.Streams {
			codec := st.InputCodec
			if st.OutputCodec != "" && st.OutputCodec != st.InputCodec {
				codec = st.InputCodec + " → " + st.OutputCodec
			}
			fmt.Fprintf(&b, "| %d | %s | %s | %s | %s | %d | %d | %s | %d |\n",
				st.Index, st.Type, st.Mode, codec, st.State,
				st.PacketsRead, st.PacketsWritten, formatBytes(st.BytesWritten), st.Skipped)
		}
		b.WriteString("\n")
	}

	if s.Failed() {
		b.WriteString("## Errors\n\n")
		for _, st := range s.Streams {
			if st.Error != "" {
				fmt.Fprintf(&b, "- Stream %d: %s\n", st.Index, st.Error)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("## Buffer Pool\n\n")
	b.WriteString("| Counter | Value |\n|---------|-------|\n")
	fmt.Fprintf(&b, "| Allocations | %d |\n", s.Pool.Allocations)
	fmt.Fprintf(&b, "| Reuses | %d |\n", s.Pool.Reuses)
	fmt.Fprintf(&b, "| Unpooled | %d |\n", s.Pool.Unpooled)
	fmt.Fprintf(&b, "| Outstanding | %d |\n", s.Pool.Outstanding)

	return b.String()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

// formatBytes renders a byte count with a binary unit.
func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

var _ Formatter = (*MarkdownFormatter)(nil)
