package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// PeerTableView renders the present participants.
func PeerTableView(peers []PeerRow) string {
	if len(peers) == 0 {
		return MutedStyle.Render(IconWaiting + " Waiting for someone to join...")
	}

	rows := make([][]string, 0, len(peers))
	for _, p := range peers {
		status := p.Status
		if p.LastError != "" {
			status = fmt.Sprintf("%s (%s)", status, truncateString(p.LastError, 30))
		}
		rows = append(rows, []string{
			p.Nickname,
			p.Role.String(),
			status,
			fmt.Sprintf("%d", p.Streams),
			formatRTT(p.RTT),
		})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("Peer", "Role", "Status", "Streams", "RTT").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

// ShareBoxView shows how others can join the session.
func ShareBoxView(sessionID, link string) string {
	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(Success).
		Padding(1, 2)

	content := fmt.Sprintf("%s Share this session\n\n%s Session:  %s\n%s Link:     %s",
		IconLink,
		IconCopy, BoldStyle.Foreground(Primary).Render(sessionID),
		IconWeb, MutedStyle.Render(link),
	)
	return boxStyle.Render(content)
}

func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
