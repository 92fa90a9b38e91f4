package scan

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/khanghh/kguard/model"
)

const maxSourceFileSize = 1 << 20

type CodePattern struct {
	ID             string
	Title          string
	Severity       model.Severity
	OWASPCategory  string
	Recommendation string
	Expr           *regexp.Regexp
}

var DefaultCodePatterns = []CodePattern{
	{
		ID:             "hardcoded-secret",
		Title:          "Hardcoded credential",
		Severity:       model.SeverityHigh,
		OWASPCategory:  model.OWASPAuthenticationFailures,
		Recommendation: "Load credentials from the environment or a secret manager",
		Expr:           regexp.MustCompile(`(?i)(password|passwd|secret|api_?key|token)\s*[:=]+\s*["'][^"'\s]{6,}["']`),
	},
	{
		ID:             "aws-access-key",
		Title:          "AWS access key id in source",
		Severity:       model.SeverityCritical,
		OWASPCategory:  model.OWASPCryptographicFailures,
		Recommendation: "Revoke the key and load credentials at runtime",
		Expr:           regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`),
	},
	{
		ID:             "private-key",
		Title:          "Private key in source",
		Severity:       model.SeverityCritical,
		OWASPCategory:  model.OWASPCryptographicFailures,
		Recommendation: "Remove the key from the repository and rotate it",
		Expr:           regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`),
	},
	{
		ID:             "sql-concatenation",
		Title:          "SQL statement built by string concatenation",
		Severity:       model.SeverityHigh,
		OWASPCategory:  model.OWASPInjection,
		Recommendation: "Use parameterized queries",
		Expr:           regexp.MustCompile(`(?i)("(select|insert|update|delete)\s[^"]*"|'(select|insert|update|delete)\s[^']*')\s*\+`),
	},
	{
		ID:             "shell-exec",
		Title:          "Command executed through a shell",
		Severity:       model.SeverityHigh,
		OWASPCategory:  model.OWASPInjection,
		Recommendation: "Invoke binaries directly with an argument list",
		Expr:           regexp.MustCompile(`(exec\.Command\(\s*"(ba)?sh"\s*,\s*"-c"|os\.system\(|subprocess\.[a-z_]+\([^)]*shell\s*=\s*True)`),
	},
	{
		ID:             "dynamic-eval",
		Title:          "Dynamic code evaluation",
		Severity:       model.SeverityMedium,
		OWASPCategory:  model.OWASPInjection,
		Recommendation: "Avoid eval of untrusted input",
		Expr:           regexp.MustCompile(`\beval\s*\(`),
	},
	{
		ID:             "tls-verify-disabled",
		Title:          "TLS certificate verification disabled",
		Severity:       model.SeverityMedium,
		OWASPCategory:  model.OWASPSecurityMisconfig,
		Recommendation: "Keep certificate verification enabled",
		Expr:           regexp.MustCompile(`(InsecureSkipVerify:\s*true|verify\s*=\s*False)`),
	},
	{
		ID:             "weak-hash",
		Title:          "Weak hash algorithm",
		Severity:       model.SeverityLow,
		OWASPCategory:  model.OWASPCryptographicFailures,
		Recommendation: "Use SHA-256 or a password hash such as bcrypt",
		Expr:           regexp.MustCompile(`(md5\.New\(|sha1\.New\(|hashlib\.(md5|sha1)\()`),
	},
}

var defaultSourceExtensions = []string{".go", ".py", ".js", ".ts", ".php", ".rb", ".java"}

var skippedDirs = map[string]bool{
	".git":         true,
	"vendor":       true,
	"node_modules": true,
	"testdata":     true,
}

// CodeScanner looks for insecure source patterns under Root.
type CodeScanner struct {
	Root       string
	Patterns   []CodePattern
	Extensions []string
}

func (s *CodeScanner) Name() string {
	return ScanTypeCode
}

func (s *CodeScanner) wanted(path string) bool {
	ext := filepath.Ext(path)
	for _, e := range s.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

func (s *CodeScanner) Scan(ctx context.Context) ([]model.Vulnerability, error) {
	if _, err := os.Stat(s.Root); err != nil {
		return nil, err
	}
	var vulns []model.Vulnerability
	err := filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != s.Root && (skippedDirs[d.Name()] || strings.HasPrefix(d.Name(), "_")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !s.wanted(path) || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		found, err := s.scanFile(path)
		if err != nil {
			return err
		}
		vulns = append(vulns, found...)
		return nil
	})
	return vulns, err
}

func (s *CodeScanner) scanFile(path string) ([]model.Vulnerability, error) {
	info, err := os.Stat(path)
	if err != nil || info.Size() > maxSourceFileSize {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rel, err := filepath.Rel(s.Root, path)
	if err != nil {
		rel = path
	}
	var vulns []model.Vulnerability
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxSourceFileSize)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := scanner.Text()
		for _, p := range s.Patterns {
			if !p.Expr.MatchString(line) {
				continue
			}
			location := fmt.Sprintf("%s:%d", filepath.ToSlash(rel), lineNo)
			vulns = append(vulns, model.Vulnerability{
				ID:             p.ID + "@" + location,
				Title:          p.Title,
				Description:    fmt.Sprintf("Pattern %s matched in %s", p.ID, location),
				Severity:       p.Severity,
				SourceTool:     ScanTypeCode,
				OWASPCategory:  p.OWASPCategory,
				Recommendation: p.Recommendation,
				Location:       location,
			})
		}
	}
	return vulns, scanner.Err()
}

func NewCodeScanner(root string) *CodeScanner {
	return &CodeScanner{
		Root:       root,
		Patterns:   DefaultCodePatterns,
		Extensions: defaultSourceExtensions,
	}
}
