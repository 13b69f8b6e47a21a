package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

const spinnerFrameDelay = 80 * time.Millisecond

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// runWithSpinner runs operation while animating message on w. Without a
// terminal the message is printed once instead.
func runWithSpinner(w io.Writer, message string, operation func() error) error {
	if !isTTY() {
		fmt.Fprintf(w, "%s...\n", message)
		return operation()
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		style := lipgloss.NewStyle().Foreground(colorPrimary)
		ticker := time.NewTicker(spinnerFrameDelay)
		defer ticker.Stop()
		for i := 0; ; i++ {
			fmt.Fprintf(w, "\r%s %s", style.Render(spinnerFrames[i%len(spinnerFrames)]), message)
			select {
			case <-done:
				// Frame glyphs render two columns wide.
				fmt.Fprint(w, "\r"+strings.Repeat(" ", len(message)+8)+"\r")
				return
			case <-ticker.C:
			}
		}
	}()

	err := operation()
	close(done)
	<-stopped
	return err
}
