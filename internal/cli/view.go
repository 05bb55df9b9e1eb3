package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/carlosandia/crm-renove-sub007/internal/notify"
	"github.com/carlosandia/crm-renove-sub007/internal/section"
)

// sectionView is one section as printed by the CLI.
type sectionView struct {
	Name        section.Name `json:"name"`
	Display     string       `json:"display"`
	Status      string       `json:"status"`
	Revision    uint64       `json:"revision"`
	Failures    int          `json:"consecutive_failures,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	LastSavedAt *time.Time   `json:"last_saved_at,omitempty"`
}

func sectionViews(states []section.State) []sectionView {
	out := make([]sectionView, 0, len(states))
	for _, st := range states {
		v := sectionView{
			Name:      st.Name,
			Display:   st.Name.DisplayName(),
			Status:    st.Status.String(),
			Revision:  st.Revision,
			Failures:  st.ConsecutiveFailures,
			LastError: st.LastError,
		}
		if !st.LastSavedAt.IsZero() {
			t := st.LastSavedAt.UTC()
			v.LastSavedAt = &t
		}
		out = append(out, v)
	}
	return out
}

func printSections(w io.Writer, views []sectionView) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, v := range views {
		line := fmt.Sprintf("  %s\t%s\t%s", v.Name, v.Display, v.Status)
		if v.Failures > 0 {
			line += fmt.Sprintf("\t%d failed attempt(s): %s", v.Failures, v.LastError)
		}
		fmt.Fprintln(tw, line)
	}
	tw.Flush()
}

func printNotes(w io.Writer, notes []notify.Note) {
	for _, n := range notes {
		fmt.Fprintln(w, n.String())
	}
}
