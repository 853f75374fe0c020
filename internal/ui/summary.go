package ui

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Summary is the exit report of a session.
type Summary struct {
	SessionID    string
	Duration     time.Duration
	ChatMessages int
	Peers        []PeerRow
}

// SummaryView renders s as a table.
func SummaryView(s Summary) string {
	tw := table.NewWriter()
	style := table.StyleRounded
	// Footer values are durations; upper-casing turns 1m30s into 1M30S.
	style.Format.Footer = text.FormatDefault
	tw.SetStyle(style)
	tw.SetTitle(fmt.Sprintf("%s Session %s", IconRoom, s.SessionID))
	tw.AppendHeader(table.Row{"Peer", "ID", "Role", "Status", "Connected", "RTT"})

	for _, p := range s.Peers {
		tw.AppendRow(table.Row{
			p.Nickname,
			p.ID,
			p.Role.String(),
			p.Status,
			connectedFor(p),
			formatRTT(p.RTT),
		})
	}
	if len(s.Peers) == 0 {
		tw.AppendRow(table.Row{"nobody joined", "", "", "", "", ""})
	}

	tw.AppendFooter(table.Row{
		"Duration", s.Duration.Round(time.Second).String(),
		"Chat", fmt.Sprintf("%d messages", s.ChatMessages),
		"", "",
	})
	return tw.Render()
}

func RenderSummary(s Summary) {
	fmt.Println(SummaryView(s))
}

func connectedFor(p PeerRow) string {
	if p.ConnectedAt.IsZero() {
		return "-"
	}
	end := p.LeftAt
	if end.IsZero() {
		return "until exit"
	}
	return end.Sub(p.ConnectedAt).Round(time.Second).String()
}

func formatRTT(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(100 * time.Microsecond).String()
}
