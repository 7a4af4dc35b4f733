package main

import (
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
)

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	m.spin, cmd = m.spin.Update(msg)
	cmds = append(cmds, cmd)
	if m.filtering {
		before := m.filter.Value()
		m.filter, cmd = m.filter.Update(msg)
		cmds = append(cmds, cmd)
		if m.filter.Value() != before {
			m.rebuildLogView()
		}
	}
	switch m.tabIdx {
	case tabLog:
		m.logView, cmd = m.logView.Update(msg)
		cmds = append(cmds, cmd)
	case tabAnalysis:
		m.analysisView, cmd = m.analysisView.Update(msg)
		cmds = append(cmds, cmd)
	}

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		m.logView.Width = max(40, m.width-8)
		m.logView.Height = max(6, m.height-14)
		m.analysisView.Width = max(40, m.width-8)
		m.analysisView.Height = max(6, m.height-12)
		m.filter.Width = max(24, min(72, m.width/2))

	case tea.KeyMsg:
		if m.splashActive {
			if msg.String() == "enter" || msg.String() == " " {
				m.splashActive = false
			}
			if key.Matches(msg, m.keys.Quit) {
				return m, tea.Quit
			}
			return m, tea.Batch(cmds...)
		}
		if m.filtering {
			switch msg.String() {
			case "esc", "enter":
				m.filtering = false
				m.filter.Blur()
			case "ctrl+c":
				return m.quit()
			}
			return m, tea.Batch(cmds...)
		}
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m.quit()
		case key.Matches(msg, m.keys.TabNext):
			m.tabIdx = (m.tabIdx + 1) % len(m.tabs)
		case key.Matches(msg, m.keys.TabPrev):
			m.tabIdx = (m.tabIdx - 1 + len(m.tabs)) % len(m.tabs)
		case key.Matches(msg, m.keys.Start):
			m.startRun()
		case key.Matches(msg, m.keys.Stop):
			m.stopRun()
		case key.Matches(msg, m.keys.Refresh):
			m.refreshGrid()
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
		case key.Matches(msg, m.keys.Analyze):
			if !m.analyzing {
				m.analyzing = true
				m.analysisErr = ""
				cmds = append(cmds, analyzeCmd(m.cfg.RunLogPath(), m.cfg.AnalysisOptions()))
			}
		case key.Matches(msg, m.keys.Filter):
			if m.tabIdx == tabLog {
				m.filtering = true
				cmds = append(cmds, m.filter.Focus())
			}
		case key.Matches(msg, m.keys.ClearLog):
			if m.tabIdx == tabLog {
				m.logLines = nil
				m.rebuildLogView()
			}
		}

	case lineMsg:
		m.appendLog(string(msg))
		cmds = append(cmds, waitLineCmd(m.lineCh))

	case doneMsg:
		m.running = false
		m.cmd = nil
		m.pid = 0
		var exitErr *exec.ExitError
		switch {
		case msg.err == nil:
			m.status = "finished"
			m.appendLog("[system] grid run finished")
		case errors.As(msg.err, &exitErr) && m.status == "stopping":
			m.status = "stopped"
			m.appendLog("[system] grid run stopped")
		default:
			m.status = "failed"
			m.fail("grid run", msg.err)
		}
		m.current = ""
		m.refreshGrid()
		cmds = append(cmds, waitDoneCmd(m.doneCh))

	case refreshMsg:
		m.refreshGrid()
		cmds = append(cmds, refreshCmd())

	case sysTickMsg:
		m.stats = msg.stats
		m.prevCPU = msg.next
		m.cpuSeries = appendSeries(m.cpuSeries, msg.stats.cpuPct, seriesWindow)
		if msg.stats.memTotalMB > 0 {
			m.ramSeries = appendSeries(m.ramSeries, 100*float64(msg.stats.memUsedMB)/float64(msg.stats.memTotalMB), seriesWindow)
		}
		if msg.stats.tempErr == nil {
			m.tempSeries = appendSeries(m.tempSeries, msg.stats.temp, seriesWindow)
		}
		cmds = append(cmds, sysTickCmd(m.sensor, m.pid, m.prevCPU))

	case animTickMsg:
		if m.splashActive {
			m.splashProgress, m.splashVel = m.splashSpring.Update(m.splashProgress, m.splashVel, 1.0)
			if time.Since(m.splashStarted) >= m.splashMinDuration && m.splashProgress > 0.98 {
				m.splashActive = false
			}
		} else {
			m.animateMetrics()
		}
		cmds = append(cmds, animTickCmd())

	case analysisMsg:
		m.analyzing = false
		m.analyzedAt = time.Now()
		if msg.err != nil {
			m.analysisErr = msg.err.Error()
			m.analysisView.SetContent("analysis failed: " + msg.err.Error())
		} else {
			m.analysisView.SetContent(msg.text)
		}
		m.analysisView.GotoTop()
	}
	return m, tea.Batch(cmds...)
}

// quit interrupts a running grid and waits briefly so no child outlives the
// dashboard. The pending waitDoneCmd may take the exit first, in which case
// the kill after the timeout is a no-op.
func (m model) quit() (tea.Model, tea.Cmd) {
	if m.running && m.cmd != nil && m.cmd.Process != nil {
		_ = m.cmd.Process.Signal(syscall.SIGINT)
		select {
		case <-m.doneCh:
		case <-time.After(5 * time.Second):
			_ = m.cmd.Process.Kill()
		}
	}
	return m, tea.Quit
}
