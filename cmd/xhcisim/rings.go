package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ardnew/softxhci/mem"
	"github.com/ardnew/softxhci/xhci"
)

var (
	ringSize   int
	ringPushes int
	ringTable  bool
)

// ringsCmd represents the rings command
var ringsCmd = &cobra.Command{
	Use:   "rings",
	Short: "Trace producer ring wrap-around",
	Long: `Push No-Op TRBs into a producer ring and print where each one lands,
the cycle bit it was written with and where the Link TRB wrapped the ring.

Example:
  xhcisim rings --size 4 --pushes 8 --table`,
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, err := traceRing(ringSize, ringPushes)
		if err != nil {
			return err
		}
		if ringTable {
			renderRingTable(cmd.OutOrStdout(), steps)
		} else {
			renderRingSimple(cmd.OutOrStdout(), steps)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ringsCmd)

	ringsCmd.Flags().IntVar(&ringSize, "size", 8, "Ring size in TRBs, including the Link TRB")
	ringsCmd.Flags().IntVar(&ringPushes, "pushes", 16, "Number of TRBs to push")
	ringsCmd.Flags().BoolVar(&ringTable, "table", false, "Display output as a formatted table")
}

// ringStep records one push.
type ringStep struct {
	n       int
	index   int
	addr    uint64
	cycle   bool
	wrapped bool
}

func traceRing(size, pushes int) ([]ringStep, error) {
	pool := mem.NewPool(mem.DefaultBase, 0)
	var ring xhci.Ring
	if err := ring.Initialize(pool, size); err != nil {
		return nil, err
	}
	defer ring.Free()

	steps := make([]ringStep, 0, pushes)
	for n := range pushes {
		index, cycle := ring.WriteIndex(), ring.CycleBit()
		addr, err := ring.Push(xhci.NewNoOpCommandTRB())
		if err != nil {
			return nil, err
		}
		steps = append(steps, ringStep{
			n:       n,
			index:   index,
			addr:    addr,
			cycle:   cycle,
			wrapped: ring.WriteIndex() < index+1,
		})
	}
	return steps, nil
}

func cycleString(c bool) string {
	if c {
		return "1"
	}
	return "0"
}

func renderRingSimple(w io.Writer, steps []ringStep) {
	for _, s := range steps {
		line := fmt.Sprintf("%d %d 0x%08X %s", s.n, s.index, s.addr, cycleString(s.cycle))
		if s.wrapped {
			line += " link"
		}
		fmt.Fprintln(w, line)
	}
}

// renderRingTable renders the trace in a formatted table
func renderRingTable(w io.Writer, steps []ringStep) {
	fmt.Fprintf(w, "Pushed %d TRB(s):\n\n", len(steps))

	// Define column widths
	pushWidth := 6
	indexWidth := 6
	addrWidth := 12
	cycleWidth := 6

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("99")).
		Border(lipgloss.NormalBorder(), false, false, true, false).
		BorderForeground(lipgloss.Color("240")).
		PaddingBottom(1)

	cellStyle := lipgloss.NewStyle().
		PaddingRight(2)

	linkStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	header := fmt.Sprintf("%-*s %-*s %-*s %-*s %s",
		pushWidth, "Push",
		indexWidth, "Index",
		addrWidth, "Address",
		cycleWidth, "Cycle",
		"Link")
	fmt.Fprintln(w, headerStyle.Render(header))

	for _, s := range steps {
		link := ""
		if s.wrapped {
			link = linkStyle.Render("wrap")
		}
		row := fmt.Sprintf("%-*d %-*d %-*s %-*s %s",
			pushWidth, s.n,
			indexWidth, s.index,
			addrWidth, fmt.Sprintf("0x%08X", s.addr),
			cycleWidth, cycleString(s.cycle),
			link)
		fmt.Fprintln(w, cellStyle.Render(row))
	}
}
