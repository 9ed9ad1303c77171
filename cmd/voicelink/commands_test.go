package main

import (
	"bufio"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeControls struct {
	muted     bool
	deafened  bool
	threshold float32
	reactions []string
}

func (f *fakeControls) SetMuted(m bool)           { f.muted = m }
func (f *fakeControls) Muted() bool               { return f.muted }
func (f *fakeControls) SetDeafened(d bool)        { f.deafened = d }
func (f *fakeControls) Deafened() bool            { return f.deafened }
func (f *fakeControls) SetVADThreshold(t float32) { f.threshold = t }

func (f *fakeControls) SendReaction(e string) bool {
	f.reactions = append(f.reactions, e)
	return true
}

type fakeTalker struct{ talking bool }

func (f *fakeTalker) ToggleTalking() bool {
	f.talking = !f.talking
	return f.talking
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunCommands(t *testing.T) {
	c := &fakeControls{}
	tk := &fakeTalker{}
	input := strings.Join([]string{
		"/mute",
		"/deafen",
		"",
		"/vad 0.2",
		"/vad nope",
		"/vad 3",
		"/talk",
		"/bogus",
		"👍",
		"/quit",
		"never reached",
	}, "\n")

	runCommands(bufio.NewScanner(strings.NewReader(input)), c, tk, discardLogger())

	require.True(t, c.muted)
	require.True(t, c.deafened)
	require.Equal(t, float32(0.2), c.threshold)
	require.True(t, tk.talking)
	require.Equal(t, []string{"👍"}, c.reactions)
}

func TestRunCommand_TogglesBack(t *testing.T) {
	c := &fakeControls{muted: true, deafened: true}
	log := discardLogger()

	require.True(t, runCommand("/mute", c, &fakeTalker{}, log))
	require.True(t, runCommand("/deafen", c, &fakeTalker{}, log))
	require.False(t, c.muted)
	require.False(t, c.deafened)
	require.False(t, runCommand("/exit", c, &fakeTalker{}, log))
}
