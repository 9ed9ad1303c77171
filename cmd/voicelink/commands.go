package main

import (
	"bufio"
	"log/slog"
	"strconv"
	"strings"
)

// controls is the part of call.Controller the command line drives.
type controls interface {
	SetMuted(bool)
	Muted() bool
	SetDeafened(bool)
	Deafened() bool
	SetVADThreshold(float32)
	SendReaction(string) bool
}

type talker interface {
	ToggleTalking() bool
}

// runCommands executes stdin lines until /quit or EOF.
func runCommands(sc *bufio.Scanner, c controls, t talker, logger *slog.Logger) {
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !runCommand(line, c, t, logger) {
			return
		}
	}
}

// runCommand reports false when the line asks to quit.
func runCommand(line string, c controls, t talker, logger *slog.Logger) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return false
	case "/talk":
		logger.Info("test tone", "talking", t.ToggleTalking())
	case "/mute":
		c.SetMuted(!c.Muted())
		logger.Info("microphone", "muted", c.Muted())
	case "/deafen":
		c.SetDeafened(!c.Deafened())
		logger.Info("speaker", "deafened", c.Deafened())
	case "/vad":
		v, err := strconv.ParseFloat(strings.TrimSpace(arg), 32)
		if err != nil || v < 0 || v > 1 {
			logger.Warn("usage: /vad <threshold between 0 and 1>", "arg", arg)
			return true
		}
		c.SetVADThreshold(float32(v))
		logger.Info("vad threshold", "threshold", v)
	default:
		if strings.HasPrefix(cmd, "/") {
			logger.Warn("unknown command", "command", cmd)
			return true
		}
		if !c.SendReaction(line) {
			logger.Warn("reaction not sent", "reaction", line)
		}
	}
	return true
}
