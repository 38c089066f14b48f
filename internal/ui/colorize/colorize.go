package colorize

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"golang.org/x/term"
)

var (
	enabledOnce sync.Once
	enabled     bool

	lexerOnce sync.Once
	lexer     chroma.Lexer
)

// Enabled reports whether output is colored: stdout is a terminal and
// neither SEEMU_NO_COLOR nor NO_COLOR is set.
func Enabled() bool {
	enabledOnce.Do(func() {
		enabled = os.Getenv("SEEMU_NO_COLOR") == "" && os.Getenv("NO_COLOR") == "" &&
			term.IsTerminal(int(os.Stdout.Fd()))
	})
	return enabled
}

// SetEnabled overrides terminal detection.
func SetEnabled(on bool) {
	enabledOnce.Do(func() {})
	enabled = on
}

// asmLexer prefers the ARM lexer; GNU as and nasm are close enough otherwise.
func asmLexer() chroma.Lexer {
	lexerOnce.Do(func() {
		for _, name := range []string{"armasm", "gas", "nasm"} {
			if l := lexers.Get(name); l != nil {
				lexer = chroma.Coalesce(l)
				return
			}
		}
	})
	return lexer
}

func disasmStyle() *chroma.Style {
	for _, name := range []string{"disasm-dark", "dracula", "monokai"} {
		if s := styles.Get(name); s != nil {
			return s
		}
	}
	return styles.Fallback
}

func terminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if f := formatters.Get(name); f != nil {
			return f
		}
	}
	return formatters.Fallback
}

// Instruction highlights one disassembled Thumb instruction.
func Instruction(insn string) string {
	if !Enabled() {
		return insn
	}
	l := asmLexer()
	if l == nil {
		return insn
	}
	it, err := l.Tokenise(nil, insn)
	if err != nil {
		return insn
	}
	var b strings.Builder
	if err := terminalFormatter().Format(&b, disasmStyle(), it); err != nil {
		return insn
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func rgb(r, g, b uint8, s string) string {
	if !Enabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", r, g, b, s)
}

// Address formats a guest address in yellow.
func Address(addr uint32) string { return rgb(255, 200, 0, fmt.Sprintf("%08X", addr)) }

// Tag formats a hashtag in light pink.
func Tag(tag string) string { return rgb(255, 180, 200, tag) }

// FuncName formats a symbol in yellow.
func FuncName(name string) string { return rgb(255, 200, 0, name) }

// Detail formats secondary text in light gray.
func Detail(s string) string { return rgb(180, 180, 180, s) }

// Border formats rules and box drawing in dark gray.
func Border(s string) string { return rgb(80, 80, 80, s) }

// Comment formats trailing comments in white.
func Comment(s string) string { return rgb(255, 255, 255, s) }

// Header formats headings in blue.
func Header(s string) string { return rgb(86, 156, 214, s) }

// HexBytes formats opcode bytes in light gray.
func HexBytes(s string) string { return rgb(180, 180, 180, s) }

// Error formats errors in pink.
func Error(s string) string { return rgb(255, 128, 192, s) }

// String formats quoted values in pink.
func String(s string) string { return rgb(255, 128, 192, s) }

// Crash formats a crash report in red.
func Crash(s string) string { return rgb(255, 80, 80, s) }
