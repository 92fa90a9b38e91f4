package scan

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/khanghh/kguard/model"
)

type headerCheck struct {
	Header         string
	Severity       model.Severity
	HTTPSOnly      bool
	Recommendation string
}

var requiredHeaders = []headerCheck{
	{"Strict-Transport-Security", model.SeverityMedium, true, "Send Strict-Transport-Security with a max-age of at least one year"},
	{"Content-Security-Policy", model.SeverityMedium, false, "Define a Content-Security-Policy"},
	{"X-Content-Type-Options", model.SeverityLow, false, "Send X-Content-Type-Options: nosniff"},
	{"X-Frame-Options", model.SeverityLow, false, "Send X-Frame-Options or a frame-ancestors directive"},
	{"Referrer-Policy", model.SeverityInfo, false, "Send a Referrer-Policy"},
}

var versionDisclosure = regexp.MustCompile(`\d+\.\d+`)

// WebScanner checks the security headers of HTTP endpoints.
type WebScanner struct {
	URLs   []string
	Client *http.Client
}

func (s *WebScanner) Name() string {
	return ScanTypeWeb
}

func (s *WebScanner) Scan(ctx context.Context) ([]model.Vulnerability, error) {
	if len(s.URLs) == 0 {
		return nil, fmt.Errorf("no target urls configured")
	}
	var vulns []model.Vulnerability
	for _, target := range s.URLs {
		found, err := s.check(ctx, target)
		if err != nil {
			return vulns, err
		}
		vulns = append(vulns, found...)
	}
	return vulns, nil
}

func (s *WebScanner) check(ctx context.Context, target string) ([]model.Vulnerability, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	finding := func(id, title string, severity model.Severity, recommendation string) model.Vulnerability {
		return model.Vulnerability{
			ID:             id + "@" + target,
			Title:          title,
			Severity:       severity,
			SourceTool:     ScanTypeWeb,
			OWASPCategory:  model.OWASPSecurityMisconfig,
			Recommendation: recommendation,
			Location:       target,
		}
	}

	var vulns []model.Vulnerability
	isHTTPS := strings.HasPrefix(strings.ToLower(target), "https://")
	csp := resp.Header.Get("Content-Security-Policy")
	for _, hc := range requiredHeaders {
		if hc.HTTPSOnly && !isHTTPS {
			continue
		}
		if hc.Header == "X-Frame-Options" && strings.Contains(csp, "frame-ancestors") {
			continue
		}
		if resp.Header.Get(hc.Header) == "" {
			id := "missing-" + strings.ToLower(hc.Header)
			vulns = append(vulns, finding(id, "Missing "+hc.Header+" header", hc.Severity, hc.Recommendation))
		}
	}
	if v := resp.Header.Get("X-Content-Type-Options"); v != "" && !strings.EqualFold(v, "nosniff") {
		vulns = append(vulns, finding("invalid-x-content-type-options", "X-Content-Type-Options is not nosniff", model.SeverityLow, "Send X-Content-Type-Options: nosniff"))
	}
	for _, h := range []string{"Server", "X-Powered-By"} {
		if v := resp.Header.Get(h); v != "" && versionDisclosure.MatchString(v) {
			vulns = append(vulns, finding("version-disclosure-"+strings.ToLower(h), h+" header discloses version "+v, model.SeverityLow, "Strip version details from the "+h+" header"))
		}
	}
	for _, c := range resp.Cookies() {
		if !c.HttpOnly || (isHTTPS && !c.Secure) {
			vulns = append(vulns, model.Vulnerability{
				ID:             "insecure-cookie-" + c.Name + "@" + target,
				Title:          "Cookie " + c.Name + " lacks Secure or HttpOnly",
				Severity:       model.SeverityMedium,
				SourceTool:     ScanTypeWeb,
				OWASPCategory:  model.OWASPAuthenticationFailures,
				Recommendation: "Set Secure, HttpOnly and SameSite on session cookies",
				Location:       target,
			})
		}
	}
	return vulns, nil
}

func NewWebScanner(urls []string, timeout time.Duration) *WebScanner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebScanner{
		URLs: urls,
		Client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}
