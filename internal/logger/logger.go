package logger

// Logging is designed to look and feel like clang's error format. Messages
// are collected as they happen, each message may carry the line it refers
// to, and the error count written to the terminal is limited by default.

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

type Log struct {
	AddMsg    func(Msg)
	HasErrors func() bool
	Done      func() []Msg
}

type LogLevel int8

const (
	LevelNone LogLevel = iota
	LevelVerbose
	LevelDebug
	LevelInfo
	LevelWarning
	LevelError
	LevelSilent
)

type MsgKind uint8

const (
	Error MsgKind = iota
	Warning
	Info
)

func (kind MsgKind) String() string {
	switch kind {
	case Error:
		return "error"
	case Warning:
		return "warning"
	case Info:
		return "info"
	default:
		panic("Internal error")
	}
}

type Msg struct {
	Kind       MsgKind
	PluginName string
	Text       string
	Location   *MsgLocation
	Notes      []string

	// Optional user-specified data that is passed through unmodified
	Detail interface{}
}

type MsgLocation struct {
	File      string
	Namespace string
	Line      int // 1-based
	Column    int // 0-based, in bytes
	Length    int // in bytes
	LineText  string
}

// This is used to represent both file system paths (Namespace == "file") and
// abstract module paths (Namespace != "file"). Abstract module paths represent
// "virtual modules" when used for an input file and "package paths" when used
// to represent an external module.
type Path struct {
	Text      string
	Namespace string
}

// This type is just so we can use Go's native sort function
type msgsArray []Msg

func (a msgsArray) Len() int          { return len(a) }
func (a msgsArray) Swap(i int, j int) { a[i], a[j] = a[j], a[i] }

func (a msgsArray) Less(i int, j int) bool {
	ai := a[i]
	aj := a[j]

	li := ai.Location
	lj := aj.Location

	// Location
	if li == nil && lj != nil {
		return true
	}
	if li != nil && lj == nil {
		return false
	}

	if li != nil && lj != nil {
		// File
		if li.File < lj.File {
			return true
		}
		if li.File > lj.File {
			return false
		}

		// Line
		if li.Line < lj.Line {
			return true
		}
		if li.Line > lj.Line {
			return false
		}

		// Column
		if li.Column < lj.Column {
			return true
		}
		if li.Column > lj.Column {
			return false
		}
	}

	// Kind
	if ai.Kind < aj.Kind {
		return true
	}
	if ai.Kind > aj.Kind {
		return false
	}

	// Text
	return ai.Text < aj.Text
}

func plural(prefix string, count int) string {
	if count == 1 {
		return fmt.Sprintf("%d %s", count, prefix)
	}
	return fmt.Sprintf("%d %ss", count, prefix)
}

func errorAndWarningSummary(errors int, warnings int) string {
	switch {
	case errors == 0:
		return plural("warning", warnings)
	case warnings == 0:
		return plural("error", errors)
	default:
		return fmt.Sprintf("%s and %s",
			plural("warning", warnings),
			plural("error", errors))
	}
}

type TerminalInfo struct {
	IsTTY           bool
	UseColorEscapes bool
	Width           int
	Height          int
}

type Colors struct {
	Reset     string
	Bold      string
	Dim       string
	Underline string

	Red     string
	Green   string
	Blue    string
	Cyan    string
	Magenta string
	Yellow  string
}

var TerminalColors = Colors{
	Reset:     "\033[0m",
	Bold:      "\033[1m",
	Dim:       "\033[37m",
	Underline: "\033[4m",

	Red:     "\033[31m",
	Green:   "\033[32m",
	Blue:    "\033[34m",
	Cyan:    "\033[36m",
	Magenta: "\033[35m",
	Yellow:  "\033[33m",
}

type StderrColor uint8

const (
	ColorIfTerminal StderrColor = iota
	ColorNever
	ColorAlways
)

type OutputOptions struct {
	IncludeSource bool
	MessageLimit  int
	Color         StderrColor
	LogLevel      LogLevel
}

func hasNoColorEnvironmentVariable() bool {
	// https://no-color.org/
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return true
	}
	return false
}

// NewStderrLog prints messages to stderr as they are added.
func NewStderrLog(options OutputOptions) Log {
	return NewWriterLog(os.Stderr, GetTerminalInfo(os.Stderr), options)
}

// NewWriterLog prints messages to w as they are added. The terminal info
// decides about colors and the width that long source lines are cut to.
func NewWriterLog(w io.Writer, terminalInfo TerminalInfo, options OutputOptions) Log {
	var mutex sync.Mutex
	var msgs msgsArray
	errors := 0
	warnings := 0
	limitWasHit := false

	switch options.Color {
	case ColorNever:
		terminalInfo.UseColorEscapes = false
	case ColorAlways:
		terminalInfo.UseColorEscapes = SupportsColorEscapes
	}

	shouldPrint := func(kind MsgKind) bool {
		switch kind {
		case Error:
			return options.LogLevel <= LevelError
		case Warning:
			return options.LogLevel <= LevelWarning
		default:
			return options.LogLevel <= LevelInfo
		}
	}

	return Log{
		AddMsg: func(msg Msg) {
			mutex.Lock()
			defer mutex.Unlock()
			msgs = append(msgs, msg)

			// Be silent if we're past the limit so we don't flood the terminal
			if limitWasHit {
				return
			}

			switch msg.Kind {
			case Error:
				errors++
			case Warning:
				warnings++
			}
			if shouldPrint(msg.Kind) {
				io.WriteString(w, msg.String(options, terminalInfo))
			}

			if options.MessageLimit != 0 && errors >= options.MessageLimit {
				limitWasHit = true
				if options.LogLevel <= LevelError {
					fmt.Fprintf(w, "%s shown (disable the message limit with --log-limit=0)\n", errorAndWarningSummary(errors, warnings))
				}
			}
		},
		HasErrors: func() bool {
			mutex.Lock()
			defer mutex.Unlock()
			return errors > 0
		},
		Done: func() []Msg {
			mutex.Lock()
			defer mutex.Unlock()

			if !limitWasHit && options.LogLevel <= LevelInfo && (warnings != 0 || errors != 0) {
				fmt.Fprintf(w, "%s\n", errorAndWarningSummary(errors, warnings))
			}

			sort.Stable(msgs)
			return msgs
		},
	}
}

func PrintErrorToStderr(osArgs []string, text string) {
	PrintMessageToStderr(osArgs, Msg{Kind: Error, Text: text})
}

func PrintMessageToStderr(osArgs []string, msg Msg) {
	options := OutputOptions{IncludeSource: true}

	// Implement a mini argument parser so these options always work even if we
	// haven't yet gotten to the general-purpose argument parsing code
	for _, arg := range osArgs {
		switch arg {
		case "--color=false":
			options.Color = ColorNever
		case "--color=true":
			options.Color = ColorAlways
		case "--log-level=info":
			options.LogLevel = LevelInfo
		case "--log-level=warning":
			options.LogLevel = LevelWarning
		case "--log-level=error":
			options.LogLevel = LevelError
		case "--log-level=silent":
			options.LogLevel = LevelSilent
		}
	}

	log := NewStderrLog(options)
	log.AddMsg(msg)
	log.Done()
}

func NewDeferLog() Log {
	var msgs msgsArray
	var mutex sync.Mutex
	var hasErrors bool

	return Log{
		AddMsg: func(msg Msg) {
			mutex.Lock()
			defer mutex.Unlock()
			if msg.Kind == Error {
				hasErrors = true
			}
			msgs = append(msgs, msg)
		},
		HasErrors: func() bool {
			mutex.Lock()
			defer mutex.Unlock()
			return hasErrors
		},
		Done: func() []Msg {
			mutex.Lock()
			defer mutex.Unlock()
			sort.Stable(msgs)
			return msgs
		},
	}
}

func (msg Msg) String(options OutputOptions, terminalInfo TerminalInfo) string {
	colors := Colors{}
	if terminalInfo.UseColorEscapes {
		colors = TerminalColors
	}
	return msg.headline(options, terminalInfo, colors) + renderNotes(msg.Notes, colors)
}

func (msg Msg) headline(options OutputOptions, terminalInfo TerminalInfo, colors Colors) string {
	kind := msg.Kind.String()
	kindColor := colors.Red
	switch msg.Kind {
	case Warning:
		kindColor = colors.Magenta
	case Info:
		kindColor = colors.Green
	}

	text := msg.Text
	if msg.PluginName != "" && !strings.HasPrefix(text, "["+msg.PluginName+"] ") {
		text = fmt.Sprintf("[%s] %s", msg.PluginName, text)
	}

	if msg.Location == nil {
		return fmt.Sprintf("%s%s%s: %s%s%s\n",
			colors.Bold, kindColor, kind,
			colors.Reset+colors.Bold, text,
			colors.Reset)
	}

	if !options.IncludeSource {
		return fmt.Sprintf("%s%s: %s%s: %s%s%s\n",
			colors.Bold, msg.Location.File,
			kindColor, kind,
			colors.Reset+colors.Bold, text,
			colors.Reset)
	}

	d := detailStruct(msg, terminalInfo)
	return fmt.Sprintf("%s%s:%d:%d: %s%s: %s%s%s\n%s%s%s%s%s\n%s%s%s%s\n",
		colors.Bold, d.Path, d.Line, d.Column,
		kindColor, kind,
		colors.Reset+colors.Bold, text, colors.Reset,
		d.SourceBefore, colors.Green, d.SourceMarked, colors.Reset, d.SourceAfter,
		colors.Green, d.Indent, d.Marker, colors.Reset)
}

// Notes such as a plugin's stack trace go below the message, indented.
func renderNotes(notes []string, colors Colors) string {
	sb := strings.Builder{}
	for _, note := range notes {
		for _, line := range strings.Split(strings.TrimRight(note, "\n"), "\n") {
			fmt.Fprintf(&sb, "%s  %s%s\n", colors.Dim, line, colors.Reset)
		}
	}
	return sb.String()
}

type MsgDetail struct {
	Path   string
	Line   int
	Column int

	SourceBefore string
	SourceMarked string
	SourceAfter  string

	Indent string
	Marker string
}

func detailStruct(msg Msg, terminalInfo TerminalInfo) MsgDetail {
	// Only highlight the first line of the line text
	loc := *msg.Location
	endOfFirstLine := len(loc.LineText)
	for i, c := range loc.LineText {
		if c == '\r' || c == '\n' || c == '\u2028' || c == '\u2029' {
			endOfFirstLine = i
			break
		}
	}
	lineText := renderTabStops(loc.LineText[:endOfFirstLine], 2)

	// Clamp values in range
	if loc.Line < 0 {
		loc.Line = 0
	}
	if loc.Column < 0 {
		loc.Column = 0
	}
	if loc.Length < 0 {
		loc.Length = 0
	}
	if loc.Column > len(lineText) {
		loc.Column = len(lineText)
	}
	if loc.Length > len(lineText)-loc.Column {
		loc.Length = len(lineText) - loc.Column
	}

	markerStart := loc.Column
	markerEnd := loc.Column + loc.Length
	marker := "^"
	if markerEnd-markerStart > 1 {
		marker = strings.Repeat("~", markerEnd-markerStart)
	}

	// Trim the line to fit the terminal width
	width := terminalInfo.Width
	if width < 1 {
		width = 80
	}
	if len(lineText) > width && markerEnd <= width-3 {
		lineText = lineText[:width-3] + "..."
	}
	if markerEnd > len(lineText) {
		markerEnd = len(lineText)
	}
	if markerStart > markerEnd {
		markerStart = markerEnd
	}

	return MsgDetail{
		Path:   loc.File,
		Line:   loc.Line,
		Column: loc.Column,

		SourceBefore: lineText[:markerStart],
		SourceMarked: lineText[markerStart:markerEnd],
		SourceAfter:  lineText[markerEnd:],

		Indent: strings.Repeat(" ", markerStart),
		Marker: marker,
	}
}

func renderTabStops(withTabs string, spacesPerTab int) string {
	if !strings.ContainsRune(withTabs, '\t') {
		return withTabs
	}

	withoutTabs := strings.Builder{}
	count := 0

	for _, c := range withTabs {
		if c == '\t' {
			spaces := spacesPerTab - count%spacesPerTab
			for i := 0; i < spaces; i++ {
				withoutTabs.WriteRune(' ')
				count++
			}
		} else {
			withoutTabs.WriteRune(c)
			count++
		}
	}

	return withoutTabs.String()
}

func (log Log) AddError(location *MsgLocation, text string) {
	log.AddMsg(Msg{
		Kind:     Error,
		Text:     text,
		Location: location,
	})
}

func (log Log) AddWarning(location *MsgLocation, text string) {
	log.AddMsg(Msg{
		Kind:     Warning,
		Text:     text,
		Location: location,
	})
}
