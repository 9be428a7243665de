// Package console provides the operator-facing surface the core treats
// as an external collaborator: a colorized startup banner and log
// prefixes, and an interactive quit key read from stdin.
package console

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
)

var (
	success = color.New(color.FgGreen, color.Bold)
	warn    = color.New(color.FgYellow, color.Bold)
	fail    = color.New(color.FgRed, color.Bold)
	banner  = color.New(color.FgCyan, color.Bold)
)

// Banner prints a colorized startup banner line.
func Banner(format string, args ...interface{}) {
	banner.Println(fmt.Sprintf(format, args...))
}

// Success prints a green status line.
func Success(format string, args ...interface{}) {
	success.Println(fmt.Sprintf(format, args...))
}

// Warn prints a yellow status line.
func Warn(format string, args ...interface{}) {
	warn.Println(fmt.Sprintf(format, args...))
}

// Fail prints a red status line.
func Fail(format string, args ...interface{}) {
	fail.Println(fmt.Sprintf(format, args...))
}

// WaitForQuitKey scans stdin line by line and sends once on quit when the
// operator types "q" or "quit" followed by Enter. It returns after that
// send or when stdin is closed, so callers should launch it in its own
// goroutine.
func WaitForQuitKey(quit chan<- struct{}) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if line == "q" || line == "quit" {
			select {
			case quit <- struct{}{}:
			default:
			}
			return
		}
	}
}
