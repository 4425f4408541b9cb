package security

import (
	"bytes"
	"path"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// CommandAnalysis is the structural breakdown of a shell command string.
// It carries no policy; see Gate.FilterCommand.
type CommandAnalysis struct {
	BaseCommand    string   `json:"base_command"`
	Arguments      []string `json:"arguments"`
	TargetPaths    []string `json:"target_paths"`
	HasRedirection bool     `json:"has_redirection"`
	HasPipe        bool     `json:"has_pipe"`
	IsChained      bool     `json:"is_chained"`
	// SubCommands are the chained segments after the first, as shell source.
	SubCommands []string `json:"sub_commands,omitempty"`
	// Nested holds command substitutions, interpreter -c strings, eval bodies
	// and the bodies of compound commands, as shell source.
	Nested []string `json:"nested,omitempty"`
	// Commands lists every command name the input runs, at any depth: pipe
	// stages, compound bodies and substitutions included.
	Commands []string `json:"commands,omitempty"`
	// DynamicCommand is set when some command name is only known after
	// expansion, as in "$x id" or "/bin/su?o".
	DynamicCommand bool `json:"dynamic_command,omitempty"`
	// ParseError is set when the input is not valid shell. The other fields
	// then come from a heuristic split.
	ParseError string `json:"parse_error,omitempty"`
}

// wrapperCommands run their arguments as a command.
var wrapperCommands = map[string]bool{
	"env": true, "command": true, "builtin": true, "exec": true,
	"nice": true, "time": true, "stdbuf": true, "timeout": true, "ionice": true,
}

// shellInterpreters accept a -c flag with a command string to execute.
var shellInterpreters = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true, "fish": true,
}

// AnalyzeCommand parses cmd. Only the first pipeline stage of the first
// segment is broken into base command and arguments; later pipe stages are
// left to the whole-string blocklist.
func AnalyzeCommand(cmd string) CommandAnalysis {
	if strings.TrimSpace(cmd) == "" {
		return CommandAnalysis{}
	}

	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(cmd), "")
	if err != nil {
		a := heuristicAnalyze(cmd)
		a.ParseError = err.Error()
		return a
	}

	var segments []*syntax.Stmt
	for _, stmt := range file.Stmts {
		segments = flattenChain(stmt, segments)
	}
	if len(segments) == 0 {
		return CommandAnalysis{}
	}

	var a CommandAnalysis
	a.IsChained = len(segments) > 1
	for _, seg := range segments[1:] {
		a.SubCommands = append(a.SubCommands, printNode(seg))
	}

	first := segments[0]
	head := first
	for {
		bin, ok := head.Cmd.(*syntax.BinaryCmd)
		if !ok || (bin.Op != syntax.Pipe && bin.Op != syntax.PipeAll) {
			break
		}
		a.HasPipe = true
		head = bin.X
	}

	syntax.Walk(first, func(node syntax.Node) bool {
		if r, ok := node.(*syntax.Redirect); ok {
			a.HasRedirection = true
			if isFileRedirect(r.Op) && r.Word != nil {
				a.TargetPaths = append(a.TargetPaths, wordValue(r.Word))
			}
		}
		return true
	})

	nested := newStringSet()
	switch c := head.Cmd.(type) {
	case nil:
		// redirections only, e.g. "> file"
	case *syntax.CallExpr:
		words := make([]string, 0, len(c.Args))
		for _, w := range c.Args {
			words = append(words, wordValue(w))
		}
		a.BaseCommand, a.Arguments = splitBase(words)
	case *syntax.DeclClause:
		a.BaseCommand = c.Variant.Value
		for _, as := range c.Args {
			a.Arguments = append(a.Arguments, assignValue(as))
		}
	default:
		// Compound command: every simple command inside is analyzed on its own.
		syntax.Walk(head.Cmd, func(node syntax.Node) bool {
			stmt, ok := node.(*syntax.Stmt)
			if !ok {
				return true
			}
			if call, ok := stmt.Cmd.(*syntax.CallExpr); ok {
				if a.BaseCommand == "" && len(call.Args) > 0 {
					words := make([]string, 0, len(call.Args))
					for _, w := range call.Args {
						words = append(words, wordValue(w))
					}
					a.BaseCommand, _ = splitBase(words)
				}
				nested.add(printNode(stmt))
				return false
			}
			return true
		})
		if a.BaseCommand == "" {
			a.BaseCommand = compoundName(head.Cmd)
		}
	}

	for _, arg := range a.Arguments {
		if p, ok := pathArgument(arg); ok {
			a.TargetPaths = append(a.TargetPaths, p)
		}
	}

	if shellInterpreters[a.BaseCommand] {
		for i, arg := range a.Arguments {
			if strings.HasPrefix(arg, "-") && strings.Contains(arg, "c") && !strings.HasPrefix(arg, "--") && i+1 < len(a.Arguments) {
				nested.add(a.Arguments[i+1])
				break
			}
		}
	}
	if a.BaseCommand == "eval" && len(a.Arguments) > 0 {
		nested.add(strings.Join(a.Arguments, " "))
	}

	commands := newStringSet()
	syntax.Walk(file, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok {
			return true
		}
		words := make([]string, 0, len(call.Args))
		for _, w := range call.Args {
			words = append(words, wordValue(w))
		}
		if i := baseIndex(words); i >= 0 {
			if !staticWord(call.Args[i]) {
				a.DynamicCommand = true
			}
			commands.add(path.Base(words[i]))
		}
		return true
	})
	a.Commands = commands.list()

	syntax.Walk(file, func(node syntax.Node) bool {
		var stmts []*syntax.Stmt
		switch n := node.(type) {
		case *syntax.CmdSubst:
			stmts = n.Stmts
		case *syntax.ProcSubst:
			stmts = n.Stmts
		default:
			return true
		}
		for _, s := range stmts {
			nested.add(printNode(s))
		}
		// deeper substitutions are found when the body itself is analyzed
		return false
	})
	a.Nested = nested.list()

	return a
}

// flattenChain splits && and || lists into their operand statements.
func flattenChain(stmt *syntax.Stmt, out []*syntax.Stmt) []*syntax.Stmt {
	if bin, ok := stmt.Cmd.(*syntax.BinaryCmd); ok && (bin.Op == syntax.AndStmt || bin.Op == syntax.OrStmt) && len(stmt.Redirs) == 0 {
		out = flattenChain(bin.X, out)
		return flattenChain(bin.Y, out)
	}
	return append(out, stmt)
}

func isFileRedirect(op syntax.RedirOperator) bool {
	switch op {
	case syntax.DplIn, syntax.DplOut, syntax.Hdoc, syntax.DashHdoc, syntax.WordHdoc:
		return false
	}
	return true
}

// splitBase strips wrapper commands and leading assignments, returning the
// effective base command (basename only) and its arguments.
func splitBase(words []string) (string, []string) {
	i := baseIndex(words)
	if i < 0 {
		return "", nil
	}
	return path.Base(words[i]), append([]string(nil), words[i+1:]...)
}

// baseIndex is the index of the word naming the command that actually runs,
// or -1 for a bare assignment list.
func baseIndex(words []string) int {
	i := 0
	for i < len(words) {
		w := words[i]
		switch {
		case isAssignment(w):
			i++
		case wrapperCommands[path.Base(w)]:
			i++
			// flags, VAR=value, and numeric operands such as timeout's duration
			for i < len(words) && (strings.HasPrefix(words[i], "-") || isAssignment(words[i]) || numericArgRe.MatchString(words[i])) {
				i++
			}
		default:
			return i
		}
	}
	return -1
}

// staticWord reports whether w reads the same before and after expansion:
// no parameter, command or arithmetic expansion, no $'...' escapes, no
// globbing and no brace expansion.
func staticWord(w *syntax.Word) bool {
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			if hasExpansionMeta(p.Value) {
				return false
			}
		case *syntax.SglQuoted:
			if p.Dollar {
				return false
			}
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				if _, ok := inner.(*syntax.Lit); !ok {
					return false
				}
			}
		default:
			return false
		}
	}
	return true
}

// hasExpansionMeta finds unescaped glob or brace characters. A lone '[' is
// the test builtin and stays literal.
func hasExpansionMeta(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '*', '?':
			return true
		case '[':
			if strings.IndexByte(s[i+1:], ']') >= 0 {
				return true
			}
		case '{':
			if strings.IndexByte(s[i+1:], '}') >= 0 {
				return true
			}
		}
	}
	return false
}

var (
	assignmentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)
	numericArgRe = regexp.MustCompile(`^[0-9][0-9.]*[smhd]?$`)
)

func isAssignment(w string) bool { return assignmentRe.MatchString(w) }

// pathArgument reports whether arg names a filesystem location. Flags are
// skipped, but a flag's "=value" is inspected.
func pathArgument(arg string) (string, bool) {
	if strings.HasPrefix(arg, "-") {
		_, val, ok := strings.Cut(arg, "=")
		if !ok {
			return "", false
		}
		arg = val
	}
	if arg == "" {
		return "", false
	}
	switch arg[0] {
	case '/', '~', '.':
		return arg, true
	}
	return "", false
}

// wordValue renders a word as the shell would see it before expansion:
// quotes and escapes removed, $HOME spelled as ~, other expansions left as
// source.
func wordValue(w *syntax.Word) string {
	var b strings.Builder
	writeParts(&b, w.Parts, false)
	return b.String()
}

func writeParts(b *strings.Builder, parts []syntax.WordPart, quoted bool) {
	for _, part := range parts {
		switch p := part.(type) {
		case *syntax.Lit:
			b.WriteString(unescape(p.Value, quoted))
		case *syntax.SglQuoted:
			b.WriteString(p.Value)
		case *syntax.DblQuoted:
			writeParts(b, p.Parts, true)
		case *syntax.ParamExp:
			if p.Param != nil && p.Param.Value == "HOME" && p.Exp == nil && p.Repl == nil && p.Slice == nil && p.Index == nil && !p.Length && !p.Excl {
				b.WriteString("~")
				continue
			}
			b.WriteString(printNode(p))
		default:
			b.WriteString(printNode(p))
		}
	}
}

// unescape drops the backslashes the shell removes. Inside double quotes
// only \$, \`, \", \\ and an escaped newline lose theirs.
func unescape(s string, quoted bool) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		next := s[i+1]
		switch {
		case next == '\n':
			i++
		case !quoted || strings.IndexByte("$`\"\\", next) >= 0:
			b.WriteByte(next)
			i++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func assignValue(as *syntax.Assign) string {
	var name, value string
	if as.Name != nil {
		name = as.Name.Value
	}
	if as.Value != nil {
		value = wordValue(as.Value)
	}
	switch {
	case as.Naked && name != "":
		return name
	case as.Naked:
		return value
	}
	return name + "=" + value
}

func compoundName(cmd syntax.Command) string {
	switch cmd.(type) {
	case *syntax.Subshell:
		return "("
	case *syntax.Block:
		return "{"
	case *syntax.IfClause:
		return "if"
	case *syntax.WhileClause:
		return "while"
	case *syntax.ForClause:
		return "for"
	case *syntax.CaseClause:
		return "case"
	case *syntax.FuncDecl:
		return "function"
	case *syntax.TestClause:
		return "[["
	case *syntax.ArithmCmd:
		return "(("
	case *syntax.LetClause:
		return "let"
	case *syntax.TimeClause:
		return "time"
	case *syntax.CoprocClause:
		return "coproc"
	}
	return "?"
}

func printNode(n syntax.Node) string {
	var buf bytes.Buffer
	if err := syntax.NewPrinter().Print(&buf, n); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}

var (
	chainSplitRe = regexp.MustCompile(`&&|\|\||;|\n`)
	redirectRe   = regexp.MustCompile(`[<>]`)
)

// heuristicAnalyze is the fallback for input the shell parser rejects.
func heuristicAnalyze(cmd string) CommandAnalysis {
	var a CommandAnalysis

	var segments []string
	for _, s := range chainSplitRe.Split(cmd, -1) {
		if s = strings.TrimSpace(s); s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) == 0 {
		return a
	}
	a.IsChained = len(segments) > 1
	a.SubCommands = append(a.SubCommands, segments[1:]...)

	first := segments[0]
	a.HasRedirection = redirectRe.MatchString(first)
	stages := strings.Split(first, "|")
	a.HasPipe = len(stages) > 1

	tokens := strings.Fields(stages[0])
	for i, t := range tokens {
		tokens[i] = strings.Trim(t, `"'`)
	}
	a.BaseCommand, a.Arguments = splitBase(tokens)

	afterRedirect := false
	for _, tok := range strings.Fields(first) {
		tok = strings.Trim(tok, `"'`)
		if afterRedirect {
			a.TargetPaths = append(a.TargetPaths, tok)
			afterRedirect = false
			continue
		}
		if strings.HasPrefix(tok, ">") || strings.HasPrefix(tok, "<") || strings.HasSuffix(tok, ">") {
			rest := strings.TrimLeft(tok, "0123456789&<>")
			if rest == "" {
				afterRedirect = true
			} else {
				a.TargetPaths = append(a.TargetPaths, rest)
			}
		}
	}
	for _, arg := range a.Arguments {
		if p, ok := pathArgument(arg); ok {
			a.TargetPaths = append(a.TargetPaths, p)
		}
	}
	return a
}

// stringSet keeps insertion order and drops duplicates and empty strings.
type stringSet struct {
	seen  map[string]bool
	items []string
}

func newStringSet() *stringSet { return &stringSet{seen: make(map[string]bool)} }

func (s *stringSet) add(v string) {
	if v == "" || s.seen[v] {
		return
	}
	s.seen[v] = true
	s.items = append(s.items, v)
}

func (s *stringSet) list() []string { return s.items }
