package logger

import (
	"fmt"
	"time"

	"github.com/fatih/color"
)

var (
	tagColor     = color.New(color.FgCyan, color.Bold)
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
	dimColor     = color.New(color.Faint)
)

func stamp() string {
	return time.Now().Format("15:04:05")
}

// Info prints an informational line under the given component tag.
func Info(tag, msg string) {
	fmt.Printf("%s %s %s\n", dimColor.Sprint(stamp()), tagColor.Sprintf("[%s]", tag), msg)
}

// Success prints a green confirmation line.
func Success(tag, msg string) {
	fmt.Printf("%s %s %s\n", dimColor.Sprint(stamp()), tagColor.Sprintf("[%s]", tag), successColor.Sprint(msg))
}

// Warn prints a yellow warning line.
func Warn(tag, msg string) {
	fmt.Printf("%s %s %s\n", dimColor.Sprint(stamp()), tagColor.Sprintf("[%s]", tag), warnColor.Sprint(msg))
}

// Error prints a red error line.
func Error(tag, msg string) {
	fmt.Printf("%s %s %s\n", dimColor.Sprint(stamp()), tagColor.Sprintf("[%s]", tag), errorColor.Sprint(msg))
}

// Debug prints a faint diagnostic line.
func Debug(tag, msg string) {
	fmt.Printf("%s %s %s\n", dimColor.Sprint(stamp()), tagColor.Sprintf("[%s]", tag), dimColor.Sprint(msg))
}

// Banner prints the startup banner with the build version.
func Banner(version string) {
	if version == "" {
		version = "dev"
	}
	tagColor.Println("  ___  ___  ___ _  _____ ___ ___ ___ ___ ___")
	tagColor.Println(" | _ \\/ _ \\/ __| |/ / __| __| _ \\ __| _ \\ __|")
	tagColor.Println(" |  _/ (_) \\__ \\ ' <| _|| _||  _/ _||   / _|")
	tagColor.Println(" |_|  \\___/|___/_|\\_\\___|___|_| |___|_|_\\___|")
	fmt.Printf("        position keeper %s\n\n", dimColor.Sprint(version))
}

// Section prints a section divider.
func Section(title string) {
	fmt.Println()
	tagColor.Printf("── %s ", title)
	dimColor.Println("──────────────────────────")
}

// Stats prints a key/value stat line.
func Stats(key string, value interface{}) {
	fmt.Printf("    %s %v\n", dimColor.Sprintf("%s:", key), value)
}

// Server prints the listen address once the HTTP server is up.
func Server(addr string) {
	fmt.Printf("%s %s listening on %s\n", dimColor.Sprint(stamp()), tagColor.Sprint("[API]"), successColor.Sprintf("http://%s", addr))
}
