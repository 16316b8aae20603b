// Command imcachetop is a live terminal dashboard over a running cache's
// statistics, in the spirit of top(1). It drives a set of worker goroutines
// reading random patches from the given files and redraws a Bubble Tea view
// once per tick, styled with lipgloss.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pspoerri/imagecache/internal/cache"
	"github.com/pspoerri/imagecache/internal/imageio"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
)

type tickMsg time.Time

type model struct {
	c       *cache.Cache
	started time.Time
	last    cache.Snapshot
	lastAt  time.Time
}

func (m model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.last = m.c.Statistics()
		m.lastAt = time.Time(msg)
		return m, tick()
	}
	return m, nil
}

func (m model) View() string {
	s := m.last
	elapsed := time.Since(m.started)

	row := func(label string, value string) string {
		return fmt.Sprintf("%s %s\n", labelStyle.Render(label+":"), valueStyle.Render(value))
	}

	var b string
	b += titleStyle.Render("imcachetop") + labelStyle.Render("  (q to quit)") + "\n\n"
	b += row("uptime", elapsed.Truncate(time.Second).String())
	b += row("mem used", fmt.Sprintf("%.1f MiB", float64(m.c.MemUsed())/(1<<20)))
	b += row("find_tile calls", fmt.Sprint(s.FindTileCalls))
	b += row("microcache hit rate", hitRate(s))
	b += row("tiles read", fmt.Sprint(s.TilesRead))
	b += row("bytes read", fmt.Sprintf("%.1f MiB", float64(s.BytesRead)/(1<<20)))
	b += row("tile io time", time.Duration(s.TileIOTime).String())
	b += row("get_pixels calls", fmt.Sprint(s.GetPixelsCalls))
	return b
}

func hitRate(s cache.Snapshot) string {
	if s.FindTileCalls == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", 100*float64(s.FindTileMicrocacheHits)/float64(s.FindTileCalls))
}

func main() {
	var workers = flag.Int("workers", 4, "background worker goroutines generating load")
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "usage: imcachetop [-workers N] <file> [file...]\n")
		os.Exit(1)
	}

	c := cache.New(imageio.Open)
	defer c.Close()

	specs := make(map[string]cache.ImageSpec)
	for _, p := range paths {
		spec, err := c.GetImageSpec(p, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", p, err)
			os.Exit(1)
		}
		specs[p] = spec
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < *workers; i++ {
		go generateLoad(ctx, c, paths, specs, int64(i))
	}

	p := tea.NewProgram(model{c: c, started: time.Now()})
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "imcachetop: %v\n", err)
		os.Exit(1)
	}
}

func generateLoad(ctx context.Context, c *cache.Cache, paths []string, specs map[string]cache.ImageSpec, seed int64) {
	pti := c.NewClient()
	defer c.ReleaseClient(pti)

	rng := rand.New(rand.NewSource(seed))
	const patch = 16
	buf := make([]byte, patch*patch*4*4)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		path := paths[rng.Intn(len(paths))]
		spec := specs[path]
		if spec.Width <= patch || spec.Height <= patch {
			continue
		}
		x := rng.Intn(spec.Width - patch)
		y := rng.Intn(spec.Height - patch)
		n := spec.NChannels * spec.Format.Size()
		c.GetPixels(pti, path, 0, x, x+patch, y, y+patch, 0, 1, spec.Format, buf[:patch*patch*n])
	}
}
