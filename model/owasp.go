package model

import "strings"

// OWASP Top 10 (2021) categories referenced by scan findings.
const (
	OWASPBrokenAccessControl      = "A01:2021-Broken Access Control"
	OWASPCryptographicFailures    = "A02:2021-Cryptographic Failures"
	OWASPInjection                = "A03:2021-Injection"
	OWASPInsecureDesign           = "A04:2021-Insecure Design"
	OWASPSecurityMisconfig        = "A05:2021-Security Misconfiguration"
	OWASPVulnerableComponents     = "A06:2021-Vulnerable and Outdated Components"
	OWASPAuthenticationFailures   = "A07:2021-Identification and Authentication Failures"
	OWASPIntegrityFailures        = "A08:2021-Software and Data Integrity Failures"
	OWASPLoggingFailures          = "A09:2021-Security Logging and Monitoring Failures"
	OWASPServerSideRequestForgery = "A10:2021-Server-Side Request Forgery"
)

var OWASPTop10 = []string{
	OWASPBrokenAccessControl,
	OWASPCryptographicFailures,
	OWASPInjection,
	OWASPInsecureDesign,
	OWASPSecurityMisconfig,
	OWASPVulnerableComponents,
	OWASPAuthenticationFailures,
	OWASPIntegrityFailures,
	OWASPLoggingFailures,
	OWASPServerSideRequestForgery,
}

// OWASPCode returns the short code ("A03") of a category label, or "" when the
// label is not one of the ten.
func OWASPCode(category string) string {
	code, _, _ := strings.Cut(strings.TrimSpace(category), ":")
	code = strings.ToUpper(code)
	for _, c := range OWASPTop10 {
		if strings.HasPrefix(c, code+":") {
			return code
		}
	}
	return ""
}
