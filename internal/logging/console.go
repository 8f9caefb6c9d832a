package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

func newConsoleWriter() *zerolog.ConsoleWriter {
	out := io.Writer(os.Stdout)
	noColor := true
	if f, ok := out.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	if !noColor {
		out = colorable.NewColorableStdout()
	}
	cw := &zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}
	cw.FormatLevel = levelFormatter(cw)
	return cw
}

const (
	colorRed     = 31
	colorGreen   = 32
	colorYellow  = 33
	colorBlue    = 34
	colorMagenta = 35
	colorCyan    = 36
	colorBold    = 1
)

func colorize(s interface{}, c int, disabled bool) string {
	if disabled {
		return fmt.Sprintf("%s", s)
	}
	return fmt.Sprintf("\x1b[%dm%v\x1b[0m", c, s)
}

func levelFormatter(cw *zerolog.ConsoleWriter) zerolog.Formatter {
	return func(i interface{}) string {
		ll, ok := i.(string)
		if !ok {
			return "[???]"
		}
		var l string
		switch ll {
		case "trace":
			l = colorize("TRC", colorCyan, cw.NoColor)
		case "debug":
			l = colorize("DBG", colorBlue, cw.NoColor)
		case "info":
			l = colorize("INF", colorGreen, cw.NoColor)
		case "warn":
			l = colorize("WRN", colorYellow, cw.NoColor)
		case "error":
			l = colorize(colorize("ERR", colorRed, cw.NoColor), colorBold, cw.NoColor)
		default:
			l = colorize(strings.ToUpper(ll), colorMagenta, cw.NoColor)
		}
		return "[" + l + "]"
	}
}
