package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"
	"gonum.org/v1/gonum/stat"

	"github.com/BrickPiGuy/dissertationScripts/pkg/analysis"
	"github.com/BrickPiGuy/dissertationScripts/pkg/config"
	"github.com/BrickPiGuy/dissertationScripts/pkg/runlog"
	"github.com/BrickPiGuy/dissertationScripts/pkg/status"
	"github.com/BrickPiGuy/dissertationScripts/pkg/thermal"
)

const (
	tabGrid = iota
	tabSystem
	tabLog
	tabAnalysis
)

const (
	maxLogLines  = 5000
	seriesWindow = 600
)

type styles struct {
	title      lipgloss.Style
	tab        lipgloss.Style
	tabActive  lipgloss.Style
	panel      lipgloss.Style
	panelTitle lipgloss.Style
	selected   lipgloss.Style
	dim        lipgloss.Style
	ok         lipgloss.Style
	warn       lipgloss.Style
	bad        lipgloss.Style
	graphPEL   lipgloss.Style
	graphTemp  lipgloss.Style
	graphCPU   lipgloss.Style
	graphMem   lipgloss.Style
	splash     lipgloss.Style
	splashText lipgloss.Style
}

func defaultStyles() styles {
	brand := lipgloss.AdaptiveColor{Light: "26", Dark: "81"}
	subtle := lipgloss.AdaptiveColor{Light: "245", Dark: "244"}
	border := lipgloss.AdaptiveColor{Light: "250", Dark: "238"}
	return styles{
		title:      lipgloss.NewStyle().Bold(true).Foreground(brand),
		tab:        lipgloss.NewStyle().Padding(0, 1).Foreground(subtle),
		tabActive:  lipgloss.NewStyle().Padding(0, 1).Bold(true).Foreground(lipgloss.Color("15")).Background(brand),
		panel:      lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border).Padding(0, 1),
		panelTitle: lipgloss.NewStyle().Bold(true).Foreground(brand),
		selected:   lipgloss.NewStyle().Bold(true).Foreground(brand),
		dim:        lipgloss.NewStyle().Foreground(subtle),
		ok:         lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		warn:       lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		bad:        lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
		graphPEL:   lipgloss.NewStyle().Foreground(lipgloss.Color("86")),
		graphTemp:  lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		graphCPU:   lipgloss.NewStyle().Foreground(lipgloss.Color("111")),
		graphMem:   lipgloss.NewStyle().Foreground(lipgloss.Color("69")),
		splash:     lipgloss.NewStyle().Border(lipgloss.DoubleBorder()).BorderForeground(brand).Padding(1, 3),
		splashText: lipgloss.NewStyle().Bold(true).Foreground(brand),
	}
}

type keyMap struct {
	Start    key.Binding
	Stop     key.Binding
	Quit     key.Binding
	TabNext  key.Binding
	TabPrev  key.Binding
	Refresh  key.Binding
	Analyze  key.Binding
	Filter   key.Binding
	Cancel   key.Binding
	ClearLog key.Binding
	Help     key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Start, k.Stop, k.TabNext, k.Analyze, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Start, k.Stop, k.Refresh, k.Quit},
		{k.TabNext, k.TabPrev, k.Help},
		{k.Filter, k.Cancel, k.ClearLog, k.Analyze},
	}
}

func defaultKeys() keyMap {
	return keyMap{
		Start:    key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "start grid")),
		Stop:     key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "stop grid")),
		Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		TabNext:  key.NewBinding(key.WithKeys("tab", "l"), key.WithHelp("tab/l", "next tab")),
		TabPrev:  key.NewBinding(key.WithKeys("shift+tab", "h"), key.WithHelp("shift+tab/h", "prev tab")),
		Refresh:  key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		Analyze:  key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "run analysis")),
		Filter:   key.NewBinding(key.WithKeys("/"), key.WithHelp("/", "filter log")),
		Cancel:   key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "leave filter")),
		ClearLog: key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "clear log")),
		Help:     key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "more keys")),
	}
}

// "running trial tokens=1000 trial=3" as written by the scheduler's logger.
var runningRE = regexp.MustCompile(`running trial\s+tokens=(\d+)\s+trial=(\d+)`)

type lineMsg string
type doneMsg struct{ err error }
type refreshMsg struct{}
type animTickMsg struct{ ts time.Time }
type sysTickMsg struct {
	stats sysStats
	next  cpuSample
	ts    time.Time
}
type analysisMsg struct {
	text string
	err  error
}

// tokenMeans are per token count means over the Run Log.
type tokenMeans struct {
	tokenCount int
	n          int
	pel        float64
	accuracy   float64
}

type model struct {
	width  int
	height int
	styles styles
	keys   keyMap
	help   help.Model
	tabs   []string
	tabIdx int

	cfg        config.Config
	configPath string
	binary     string
	sensor     thermal.Sensor
	gpuInfo    string

	cmd       *exec.Cmd
	pid       int
	running   bool
	status    string
	lastError string
	current   string
	lineCh    chan string
	doneCh    chan error

	progress  status.Progress
	means     []tokenMeans
	gridErr   string
	doneSince []float64

	stats      sysStats
	prevCPU    cpuSample
	tempSeries []float64
	cpuSeries  []float64
	ramSeries  []float64

	graphSpring    harmonica.Spring
	tempAnim       float64
	tempVel        float64
	cpuAnim        float64
	cpuVel         float64
	tempAnimSeries []float64
	cpuAnimSeries  []float64

	logLines  []string
	logView   viewport.Model
	filter    textinput.Model
	filtering bool

	spin         spinner.Model
	analyzing    bool
	analysisView viewport.Model
	analysisErr  string
	analyzedAt   time.Time

	splashActive      bool
	splashStarted     time.Time
	splashMinDuration time.Duration
	splashSpring      harmonica.Spring
	splashProgress    float64
	splashVel         float64
}

func initialModel(cfg config.Config, configPath, binary string, sensor thermal.Sensor) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	fi := textinput.New()
	fi.Placeholder = "substring, e.g. tokens=1000 or WARN"
	fi.Prompt = "filter> "
	fi.CharLimit = 120

	logVP := viewport.New(100, 20)
	logVP.SetContent("start the grid with s; output of tokensweep run appears here")
	anVP := viewport.New(100, 20)
	anVP.SetContent("press a to analyze " + cfg.RunLogPath())

	m := model{
		styles:            defaultStyles(),
		keys:              defaultKeys(),
		help:              help.New(),
		tabs:              []string{"Grid", "System", "Log", "Analysis"},
		cfg:               cfg,
		configPath:        configPath,
		binary:            binary,
		sensor:            sensor,
		gpuInfo:           detectGPU(cfg.Thermal.NvidiaSMI),
		status:            "idle",
		lineCh:            make(chan string, 4096),
		doneCh:            make(chan error, 1),
		logView:           logVP,
		filter:            fi,
		spin:              sp,
		analysisView:      anVP,
		graphSpring:       harmonica.NewSpring(harmonica.FPS(30), 6.0, 1.0),
		splashActive:      true,
		splashStarted:     time.Now(),
		splashMinDuration: 1500 * time.Millisecond,
		splashSpring:      harmonica.NewSpring(harmonica.FPS(30), 8.0, 0.72),
	}
	m.refreshGrid()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spin.Tick,
		waitLineCmd(m.lineCh),
		waitDoneCmd(m.doneCh),
		sysTickCmd(m.sensor, m.pid, m.prevCPU),
		refreshCmd(),
		animTickCmd(),
	)
}

func waitLineCmd(ch <-chan string) tea.Cmd {
	return func() tea.Msg {
		return lineMsg(<-ch)
	}
}

func waitDoneCmd(ch <-chan error) tea.Cmd {
	return func() tea.Msg {
		return doneMsg{err: <-ch}
	}
}

func sysTickCmd(sensor thermal.Sensor, pid int, prev cpuSample) tea.Cmd {
	return tea.Tick(time.Second, func(now time.Time) tea.Msg {
		stats, next := sampleSystem(context.Background(), sensor, pid, prev)
		return sysTickMsg{stats: stats, next: next, ts: now}
	})
}

func refreshCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg { return refreshMsg{} })
}

func animTickCmd() tea.Cmd {
	return tea.Tick(time.Second/30, func(ts time.Time) tea.Msg { return animTickMsg{ts: ts} })
}

func analyzeCmd(path string, opts analysis.Options) tea.Cmd {
	return func() tea.Msg {
		rep, err := analysis.AnalyzeFile(path, opts)
		if err != nil {
			return analysisMsg{err: err}
		}
		var b strings.Builder
		if err := analysis.WriteText(&b, rep); err != nil {
			return analysisMsg{err: err}
		}
		return analysisMsg{text: b.String()}
	}
}

// runArgs is the command line of the child grid run.
func (m *model) runArgs() []string {
	args := []string{}
	if m.configPath != "" {
		args = append(args, "--config", m.configPath)
	}
	return append(args, "--results-dir", m.cfg.ResultsDir, "run")
}

func (m *model) startRun() {
	if m.running {
		m.appendLog("[system] grid already running")
		return
	}
	cmd := exec.Command(m.binary, m.runArgs()...)
	cmd.Env = os.Environ()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.fail("stdout pipe", err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.fail("stderr pipe", err)
		return
	}
	m.appendLog("[system] " + m.binary + " " + strings.Join(m.runArgs(), " "))
	if err := cmd.Start(); err != nil {
		m.fail("start", err)
		return
	}
	m.cmd = cmd
	m.pid = cmd.Process.Pid
	m.running = true
	m.status = "running"
	m.lastError = ""
	m.current = ""
	m.appendLog(fmt.Sprintf("[system] pid=%d", m.pid))

	pump := func(sc *bufio.Scanner) {
		for sc.Scan() {
			m.lineCh <- sc.Text()
		}
	}
	go pump(bufio.NewScanner(stdout))
	go pump(bufio.NewScanner(stderr))
	go func() { m.doneCh <- cmd.Wait() }()
}

// stopRun interrupts the child so the current trial is abandoned without a
// result file. It is killed if still alive after the grace period.
func (m *model) stopRun() {
	if !m.running || m.cmd == nil || m.cmd.Process == nil {
		m.appendLog("[system] no active grid run")
		return
	}
	m.appendLog("[system] stop requested")
	m.status = "stopping"
	_ = m.cmd.Process.Signal(syscall.SIGINT)
	go func(proc *os.Process) {
		time.Sleep(5 * time.Second)
		_ = proc.Kill()
	}(m.cmd.Process)
}

func (m *model) fail(what string, err error) {
	m.lastError = what + ": " + err.Error()
	m.appendLog("[system] " + m.lastError)
}

func (m *model) appendLog(line string) {
	m.logLines = append(m.logLines, line)
	if len(m.logLines) > maxLogLines {
		m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
	}
	if sub := runningRE.FindStringSubmatch(line); sub != nil {
		m.current = "tokens=" + sub[1] + " trial=" + sub[2]
	}
	m.rebuildLogView()
}

func (m *model) rebuildLogView() {
	atBottom := m.logView.AtBottom()
	m.logView.SetContent(strings.Join(filterLines(m.logLines, m.filter.Value()), "\n"))
	if atBottom {
		m.logView.GotoBottom()
	}
}

// filterLines keeps lines containing every whitespace separated term of q,
// case-insensitively.
func filterLines(lines []string, q string) []string {
	terms := strings.Fields(strings.ToLower(q))
	if len(terms) == 0 {
		return lines
	}
	out := make([]string, 0, len(lines))
	for _, ln := range lines {
		lower := strings.ToLower(ln)
		keep := true
		for _, t := range terms {
			if !strings.Contains(lower, t) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, ln)
		}
	}
	return out
}

// refreshGrid rereads result files and the Run Log.
func (m *model) refreshGrid() {
	m.gridErr = ""
	rows, err := runlog.ReadFile(m.cfg.RunLogPath())
	if err != nil {
		m.gridErr = err.Error()
	}
	p, err := status.ComputeProgress(m.cfg.ResultsDir, m.cfg.ScheduleGrid(), rows)
	if err != nil {
		m.gridErr = err.Error()
		return
	}
	if len(m.doneSince) == 0 || m.doneSince[len(m.doneSince)-1] != float64(p.Completed) {
		m.doneSince = appendSeries(m.doneSince, float64(p.Completed), seriesWindow)
	}
	m.progress = p
	m.means = meansByToken(rows)
}

func meansByToken(rows []runlog.Row) []tokenMeans {
	pel := map[int][]float64{}
	acc := map[int][]float64{}
	for _, r := range rows {
		pel[r.TokenCount] = append(pel[r.TokenCount], r.ParameterEfficiencyLoss)
		acc[r.TokenCount] = append(acc[r.TokenCount], r.Accuracy)
	}
	out := make([]tokenMeans, 0, len(pel))
	for tc, xs := range pel {
		out = append(out, tokenMeans{
			tokenCount: tc,
			n:          len(xs),
			pel:        stat.Mean(xs, nil),
			accuracy:   stat.Mean(acc[tc], nil),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].tokenCount < out[j].tokenCount })
	return out
}

func (m *model) animateMetrics() {
	animate := func(src []float64, cur, vel *float64, dst *[]float64) {
		if len(src) == 0 {
			return
		}
		target := src[len(src)-1]
		if len(*dst) == 0 {
			*cur = target
			*vel = 0
		}
		*cur, *vel = m.graphSpring.Update(*cur, *vel, target)
		*dst = appendSeries(*dst, *cur, seriesWindow*30)
	}
	animate(m.tempSeries, &m.tempAnim, &m.tempVel, &m.tempAnimSeries)
	animate(m.cpuSeries, &m.cpuAnim, &m.cpuVel, &m.cpuAnimSeries)
}
