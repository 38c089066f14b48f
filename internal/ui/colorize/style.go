// Package colorize colors trace output for terminals.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

const (
	white  = "#FFFFFF"
	cyan   = "#87CEEB"
	pink   = "#FF80C0"
	yellow = "#FFC800"
	orange = "#FF8000"
	green  = "#00FF00"
)

// DisasmDark is the trace disassembly style: white mnemonics, cyan
// registers, pink immediates.
var DisasmDark = styles.Register(chroma.MustNewStyle("disasm-dark", chroma.StyleEntries{
	chroma.Text:           white,
	chroma.Background:     "bg:#000000",
	chroma.Comment:        orange,
	chroma.CommentPreproc: orange,

	chroma.Keyword:       white,
	chroma.KeywordPseudo: white,
	chroma.NameFunction:  white,
	chroma.Name:          cyan,
	chroma.NameBuiltin:   cyan,
	chroma.NameVariable:  cyan,
	chroma.NameLabel:     yellow,

	// "#imm" and bare immediates
	chroma.LiteralNumber:        pink,
	chroma.LiteralNumberHex:     pink,
	chroma.LiteralNumberBin:     pink,
	chroma.LiteralNumberInteger: pink,

	chroma.Operator:    white,
	chroma.Punctuation: white,
	chroma.String:      green,
}))
