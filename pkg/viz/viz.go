// Package viz draws rooms for humans: as text patterns for the terminal and as graphviz diagrams
// linking each room to its tracks and their pages.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/steprooms/pkg/grid"
)

// Pattern renders one page as a line per voice, 'x' for an active step and '.' otherwise. Every
// fourth step is separated by a space.
func Pattern(t grid.Track, page, steps int) []string {
	if page < 0 || page >= len(t.Pages) || steps <= 0 {
		return nil
	}
	cells := t.Pages[page]
	out := make([]string, 0, t.Voices())
	for y := 0; y < t.Voices(); y++ {
		var sb strings.Builder
		for x := 0; x < steps; x++ {
			if x > 0 && x%4 == 0 {
				sb.WriteByte(' ')
			}
			if i := y*steps + x; i < len(cells) && cells[i] != 0 {
				sb.WriteByte('x')
			} else {
				sb.WriteByte('.')
			}
		}
		out = append(out, sb.String())
	}
	return out
}

// ActiveSteps counts the cells that are switched on in a page.
func ActiveSteps(t grid.Track, page int) int {
	if page < 0 || page >= len(t.Pages) {
		return 0
	}
	n := 0
	for _, c := range t.Pages[page] {
		if c != 0 {
			n++
		}
	}
	return n
}

// WriteText prints every room with the pattern of each non-empty page.
func WriteText(w io.Writer, rooms []*grid.Room) error {
	var buff bytes.Buffer
	for _, r := range rooms {
		fmt.Fprintf(&buff, "%s %q %d bpm %s %s, %d bars\n", r.ID, r.Name, r.BPM, r.Root, r.Scale, r.Bars)
		for ti, t := range r.Tracks {
			fmt.Fprintf(&buff, "  track %d: %s, %d voices, page %d\n", ti, t.Kind, t.Voices(), t.Page)
			for pi := range t.Pages {
				if ActiveSteps(t, pi) == 0 {
					continue
				}
				fmt.Fprintf(&buff, "    page %d\n", pi)
				for _, line := range Pattern(t, pi, r.Steps()) {
					fmt.Fprintf(&buff, "      %s\n", line)
				}
			}
		}
	}
	_, err := w.Write(buff.Bytes())
	return err
}

// Render draws rooms, tracks and pages as a graph in the given format.
func Render(rooms []*grid.Room, format graphviz.Format, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	var edgeCounter int
	edge := func(from, to *cgraph.Node) error {
		edgeCounter++
		if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), from, to); err != nil {
			return fmt.Errorf("failed to create edge: %w", err)
		}
		return nil
	}

	for _, r := range rooms {
		rn, err := graph.CreateNode(r.ID)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		rn.SetShape(cgraph.BoxShape)
		rn.SetLabel(fmt.Sprintf("%s\n%d bpm %s %s", r.Name, r.BPM, r.Root, r.Scale))

		for ti, t := range r.Tracks {
			tn, err := graph.CreateNode(fmt.Sprintf("%s/%d", r.ID, ti))
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}
			tn.SetLabel(fmt.Sprintf("%s %d", t.Kind, ti))
			if err := edge(rn, tn); err != nil {
				return err
			}
			for pi := range t.Pages {
				pn, err := graph.CreateNode(fmt.Sprintf("%s/%d/%d", r.ID, ti, pi))
				if err != nil {
					return fmt.Errorf("failed to create node: %w", err)
				}
				pn.SetShape(cgraph.BoxShape)
				label := fmt.Sprintf("page %d (%d on)\\l%s\\l", pi, ActiveSteps(t, pi), strings.Join(Pattern(t, pi, r.Steps()), "\\l"))
				if pi == t.Page {
					label = "* " + label
				}
				pn.SetLabel(label)
				if err := edge(tn, pn); err != nil {
					return err
				}
			}
		}
	}

	if err := g.Render(graph, format, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

// RenderToTemp writes an SVG into the temp dir and returns its path.
func RenderToTemp(rooms []*grid.Room) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	f, err := os.Create(tf)
	if err != nil {
		return "", fmt.Errorf("failed to create output: %w", err)
	}
	defer f.Close()
	if err := Render(rooms, graphviz.SVG, f); err != nil {
		return "", err
	}
	return tf, nil
}
