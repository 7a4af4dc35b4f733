package main

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

func (m model) View() string {
	if m.width == 0 {
		return "loading..."
	}
	if m.splashActive {
		return m.viewSplash()
	}
	header := lipgloss.JoinHorizontal(lipgloss.Center,
		m.styles.title.Render("tokensweep"), "  ", m.renderTabs(), "  ", m.statusBadge())
	footer := m.help.View(m.keys)
	contentW := max(60, m.width-4)
	contentH := max(8, m.height-lipgloss.Height(header)-lipgloss.Height(footer)-2)

	var content string
	switch m.tabIdx {
	case tabGrid:
		content = m.viewGridTab(contentW)
	case tabSystem:
		content = m.viewSystemTab(contentW)
	case tabLog:
		content = m.viewLogTab(contentW)
	default:
		content = m.viewAnalysisTab(contentW)
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, "", fitHeight(content, contentH), footer)
}

func (m model) renderTabs() string {
	parts := make([]string, len(m.tabs))
	for i, t := range m.tabs {
		if i == m.tabIdx {
			parts[i] = m.styles.tabActive.Render(t)
		} else {
			parts[i] = m.styles.tab.Render(t)
		}
	}
	return strings.Join(parts, " ")
}

func (m model) statusBadge() string {
	switch m.status {
	case "running":
		return m.styles.ok.Render(m.spin.View() + " running")
	case "stopping":
		return m.styles.warn.Render("stopping")
	case "failed":
		return m.styles.bad.Render("failed")
	}
	return m.styles.dim.Render(m.status)
}

func (m model) panel(title string, lines []string, w int) string {
	return m.styles.panel.Width(panelInnerWidth(w)).Render(m.styles.panelTitle.Render(title) + "\n" + strings.Join(lines, "\n"))
}

func panelInnerWidth(total int) int {
	// rounded border and horizontal padding take two columns each
	return max(8, total-4)
}

func (m model) graphPanel(title string, series []float64, w int, st lipgloss.Style, unit string) string {
	graph := lineChart(series, max(16, w-16), 5)
	for i := range graph {
		graph[i] = st.Render(graph[i])
	}
	latest, minV, maxV, ok := seriesStats(series)
	if !ok {
		return m.panel(title, append(graph, m.styles.dim.Render("waiting for data...")), w)
	}
	sub := fmt.Sprintf("latest %.1f%s | min %.1f | max %.1f", latest, unit, minV, maxV)
	return m.panel(title, append(graph, m.styles.dim.Render(sub)), w)
}

func (m model) viewGridTab(w int) string {
	p := m.progress
	ratio := 0.0
	if p.Total > 0 {
		ratio = float64(p.Completed) / float64(p.Total)
	}
	overview := []string{
		fmt.Sprintf("%s %d/%d trials", bar(ratio, max(10, w-30)), p.Completed, p.Total),
		"results: " + m.cfg.ResultsDir,
		"current: " + nz(m.current, "-"),
		"history: " + sparkline(m.doneSince, max(10, w-20)),
	}
	if m.gridErr != "" {
		overview = append(overview, m.styles.bad.Render("error: "+m.gridErr))
	}
	if m.lastError != "" {
		overview = append(overview, m.styles.bad.Render("last error: "+truncateWithEllipsis(m.lastError, w-20)))
	}

	means := map[int]tokenMeans{}
	for _, tm := range m.means {
		means[tm.tokenCount] = tm
	}
	table := []string{m.styles.dim.Render(fmt.Sprintf("%10s  %-14s %6s  %10s  %8s", "tokens", "trials", "logged", "mean PEL", "accuracy"))}
	var pel []float64
	for _, tp := range p.TokenCounts {
		cell := fmt.Sprintf("%d/%d", tp.Completed, tp.Expected)
		pelCol, accCol := "-", "-"
		if tm, ok := means[tp.TokenCount]; ok && tm.n > 0 {
			pelCol = fmt.Sprintf("%.4f", tm.pel)
			accCol = fmt.Sprintf("%.3f", tm.accuracy)
			pel = append(pel, tm.pel)
		}
		line := fmt.Sprintf("%10d  %-14s %6d  %10s  %8s", tp.TokenCount, cell, tp.Logged, pelCol, accCol)
		if tp.Completed == tp.Expected {
			line = m.styles.ok.Render(line)
		}
		table = append(table, line)
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.panel("Grid", overview, w),
		m.panel("Token counts", table, w),
		m.graphPanel("Mean parameter efficiency loss by token count", pel, w, m.styles.graphPEL, ""),
	)
}

func (m model) viewSystemTab(w int) string {
	s := m.stats
	tempLine := "temperature: unavailable"
	if s.tempErr != nil {
		tempLine = "temperature: " + truncateWithEllipsis(s.tempErr.Error(), w-20)
	} else if len(m.tempSeries) > 0 {
		tempLine = fmt.Sprintf("temperature: %.1f°C (throttle at %.1f°C)", s.temp, m.cfg.Thermal.MaxTemp)
		if s.temp >= m.cfg.Thermal.MaxTemp {
			tempLine = m.styles.warn.Render(tempLine + " cooling down")
		}
	}
	info := []string{
		tempLine,
		fmt.Sprintf("sensor: %s | cooldown %s", m.cfg.Thermal.Sensor, m.cfg.Thermal.Cooldown),
		m.gpuInfo,
		fmt.Sprintf("memory: %d/%d MB used | %d MB free | ram %s", s.memUsedMB, s.memTotalMB, s.memFreeMB, sparkline(m.ramSeries, 20)),
	}
	if s.pid > 0 {
		info = append(info, fmt.Sprintf("run pid %d rss %.1f MB", s.pid, float64(s.procRSSKB)/1024))
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.panel("System", info, w),
		m.graphPanel("Temperature", m.tempAnimSeries, w, m.styles.graphTemp, "°C"),
		m.graphPanel("CPU", m.cpuAnimSeries, w, m.styles.graphCPU, "%"),
	)
}

func (m model) viewLogTab(w int) string {
	filterLine := m.styles.dim.Render("/ to filter")
	if m.filtering || m.filter.Value() != "" {
		filterLine = m.filter.View()
	}
	shown := len(filterLines(m.logLines, m.filter.Value()))
	head := fmt.Sprintf("%s  %s", filterLine, m.styles.dim.Render(fmt.Sprintf("%d/%d lines", shown, len(m.logLines))))
	return m.panel("Run log", []string{head, m.logView.View()}, w)
}

func (m model) viewAnalysisTab(w int) string {
	head := m.styles.dim.Render("a to analyze " + m.cfg.RunLogPath())
	switch {
	case m.analyzing:
		head = m.spin.View() + " analyzing..."
	case m.analysisErr != "":
		head = m.styles.bad.Render(truncateWithEllipsis(m.analysisErr, w-8))
	case !m.analyzedAt.IsZero():
		head = m.styles.dim.Render("analyzed at " + m.analyzedAt.Format(time.Kitchen))
	}
	return m.panel("Analysis", []string{head, m.analysisView.View()}, w)
}

func (m model) viewSplash() string {
	title := "tokensweep"
	reveal := min(max(int(math.Round(float64(len(title))*clamp01(m.splashProgress))), 0), len(title))
	head := m.styles.splashText.Render(title[:reveal]) + m.styles.dim.Render(title[reveal:])

	barW := max(24, min(56, m.width-20))
	done := min(max(int(math.Round(float64(barW)*clamp01(m.splashProgress))), 0), barW)
	loading := "[" + strings.Repeat("=", done) + strings.Repeat(" ", barW-done) + "]"

	t := time.Since(m.splashStarted).Seconds()
	var wb strings.Builder
	for i := 0; i < barW; i++ {
		y := math.Sin(float64(i)*0.42 + t*3.2)
		switch {
		case y > 0.60:
			wb.WriteRune('█')
		case y > 0.25:
			wb.WriteRune('▓')
		case y > -0.1:
			wb.WriteRune('▒')
		default:
			wb.WriteRune('░')
		}
	}
	wave := lipgloss.NewStyle().Foreground(lipgloss.Color("81")).Render(wb.String())

	body := lipgloss.JoinVertical(lipgloss.Center,
		head,
		m.styles.dim.Render(fmt.Sprintf("%d token counts × %d trials", len(m.cfg.Grid.TokenCounts), m.cfg.Grid.Trials)),
		"",
		wave,
		loading,
		m.styles.dim.Render("Press Enter to skip"),
	)
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, m.styles.splash.Render(body))
}

func nz(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
