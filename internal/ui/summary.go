package ui

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/BioHazard786/peerlink/internal/chat"
	"github.com/BioHazard786/peerlink/internal/negotiation"
)

// SessionSummaryView renders the table printed when a session ends.
func SessionSummaryView(room string, st negotiation.Stats, entries []chat.Entry) string {
	var sent, received int
	for _, e := range entries {
		switch e.Origin {
		case chat.Local:
			sent++
		case chat.Remote:
			received++
		}
	}

	status := IconSuccess + " " + st.State.String()
	if st.State == negotiation.Failed {
		status = IconError + " " + st.State.String()
	}

	duration := "-"
	if !st.ConnectedAt.IsZero() {
		duration = time.Since(st.ConnectedAt).Round(time.Second).String()
	}
	setup := "-"
	if !st.ConnectedAt.IsZero() && !st.StartedAt.IsZero() {
		setup = st.ConnectedAt.Sub(st.StartedAt).Round(time.Millisecond).String()
	}

	t := table.NewWriter()
	t.SetTitle("📊 Session Summary")
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Room", room},
		{"Role", st.Role},
		{"Status", status},
		{"Setup time", setup},
		{"Connected for", duration},
		{"Messages sent", sent},
		{"Messages received", received},
		{"Candidates (local/remote)", fmt.Sprintf("%d/%d", st.LocalCandidates, st.RemoteCandidates)},
		{"Envelopes (sent/received)", fmt.Sprintf("%d/%d", st.EnvelopesSent, st.EnvelopesReceived)},
		{"Remote tracks", st.RemoteTracks},
	})
	if st.Err != nil {
		t.AppendRow(table.Row{"Error", st.Err.Error()})
	}

	t.SetStyle(table.StyleRounded)
	t.Style().Title.Align = text.AlignCenter
	t.Style().Color.Header = text.Colors{text.Bold, text.FgHiMagenta}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: text.Colors{text.FgHiBlack}},
	})
	return t.Render()
}
