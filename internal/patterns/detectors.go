package patterns

import (
	"regexp"

	"github.com/khanghh/kguard/model"
)

type Category string

const (
	CategorySQLInjection     Category = "sql_injection"
	CategoryXSS              Category = "xss"
	CategoryPathTraversal    Category = "path_traversal"
	CategoryCommandInjection Category = "command_injection"
)

var Categories = []Category{CategorySQLInjection, CategoryXSS, CategoryPathTraversal, CategoryCommandInjection}

// Action is the audit action recorded when a value matches the category.
func (c Category) Action() string {
	switch c {
	case CategorySQLInjection:
		return model.ActionSQLInjectionAttempt
	case CategoryXSS:
		return model.ActionXSSAttempt
	case CategoryPathTraversal:
		return model.ActionPathTraversalAttempt
	case CategoryCommandInjection:
		return model.ActionCommandInjectionAttempt
	}
	return ""
}

// RiskScore is the risk assigned to audit entries synthesized for the category.
func (c Category) RiskScore() float64 {
	switch c {
	case CategorySQLInjection:
		return 8
	case CategoryXSS:
		return 7
	case CategoryPathTraversal:
		return 7
	case CategoryCommandInjection:
		return 9
	}
	return 7
}

// patterns run against normalized, lowercased input
var (
	sqlInjectionPatterns = compile(
		`'\s*(or|and)\s+'?[\w-]*'?\s*(=|<|>|like\b)`,
		`\b(or|and)\s+\d+\s*=\s*\d+`,
		`\bunion\b(\s+all)?\s+select\b`,
		`;\s*(drop|delete|insert|update|alter|create|truncate|exec|shutdown)\b`,
		`'\s*(--|#|;)`,
		`/\*.*\*/`,
		`\b(sleep|benchmark|pg_sleep)\s*\(\s*\d`,
		`\bwaitfor\s+delay\b`,
		`\b(information_schema|xp_cmdshell|sysobjects|load_file)\b`,
		`\bselect\b.+\bfrom\b.+\bwhere\b`,
	)

	xssPatterns = compile(
		`<\s*/?\s*script\b`,
		`\b(javascript|vbscript|livescript)\s*:`,
		`<[^>]*\bon[a-z]+\s*=`,
		`<\s*(iframe|object|embed|applet|meta|base|form|svg|math)\b`,
		`\bexpression\s*\(`,
		`\bdocument\s*\.\s*(cookie|domain|write|location)\b`,
		`\bdata\s*:\s*text/html\b`,
		`\bsrcdoc\s*=`,
	)

	pathTraversalPatterns = compile(
		`(^|[/=])\.\.(/|$)`,
		`\.\.;/`,
		`/etc/(passwd|shadow|group|hosts)\b`,
		`/proc/self/`,
		`\b[a-z]:/(windows|winnt|boot\.ini)`,
		`\b(boot|win)\.ini\b`,
		`^/?(root|home/[^/]+)/\.(ssh|bash_history)`,
	)

	commandInjectionPatterns = compile(
		// a command word must end the token: "&id=5" is a form field, "&id" is not
		`(;|&&?|\|\|?|\n)\s*(cat|ls|id|whoami|uname|wget|curl|nc|ncat|netcat|bash|sh|zsh|python[0-9.]*|perl|ruby|php|rm|chmod|chown|ping|nslookup|dig|powershell|cmd|sleep|echo)(\s|$|[;&|<>()'"$`+"`"+`])`,
		`\$\([^)]*\)`,
		"`[^`]+`",
		`\$\{ifs\}`,
		`/bin/(ba|z|da)?sh\b`,
		`\bcmd(\.exe)?\s+/c\b`,
		`/dev/(tcp|udp)/`,
	)
)

func compile(exprs ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(exprs))
	for i, expr := range exprs {
		res[i] = regexp.MustCompile(expr)
	}
	return res
}

func matchAny(res []*regexp.Regexp, normalized string) bool {
	if normalized == "" {
		return false
	}
	for _, re := range res {
		if re.MatchString(normalized) {
			return true
		}
	}
	return false
}

func DetectInjection(input string) bool {
	return matchAny(sqlInjectionPatterns, Normalize(input))
}

func DetectXSS(input string) bool {
	return matchAny(xssPatterns, Normalize(input))
}

func DetectPathTraversal(input string) bool {
	return matchAny(pathTraversalPatterns, Normalize(input))
}

func DetectCommandInjection(input string) bool {
	return matchAny(commandInjectionPatterns, Normalize(input))
}

// Detect returns every category the input matches.
func Detect(input string) []Category {
	normalized := Normalize(input)
	var matched []Category
	if matchAny(sqlInjectionPatterns, normalized) {
		matched = append(matched, CategorySQLInjection)
	}
	if matchAny(xssPatterns, normalized) {
		matched = append(matched, CategoryXSS)
	}
	if matchAny(pathTraversalPatterns, normalized) {
		matched = append(matched, CategoryPathTraversal)
	}
	if matchAny(commandInjectionPatterns, normalized) {
		matched = append(matched, CategoryCommandInjection)
	}
	return matched
}
