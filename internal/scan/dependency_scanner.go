package scan

import (
	"context"
	"fmt"
	"os"

	"github.com/khanghh/kguard/model"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// Advisory marks module versions in [Introduced, Fixed) as vulnerable. An empty
// Introduced means every version before Fixed.
type Advisory struct {
	ID         string         `yaml:"id"`
	Module     string         `yaml:"module"`
	Introduced string         `yaml:"introduced"`
	Fixed      string         `yaml:"fixed"`
	Severity   model.Severity `yaml:"severity"`
	Title      string         `yaml:"title"`
}

func (a *Advisory) Affects(version string) bool {
	if !semver.IsValid(version) {
		return false
	}
	if a.Introduced != "" && semver.Compare(version, a.Introduced) < 0 {
		return false
	}
	return a.Fixed == "" || semver.Compare(version, a.Fixed) < 0
}

type advisoryFile struct {
	Advisories []Advisory `yaml:"advisories"`
}

func ParseAdvisories(data []byte) ([]Advisory, error) {
	var file advisoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	for i := range file.Advisories {
		adv := &file.Advisories[i]
		if adv.Module == "" || adv.ID == "" {
			return nil, fmt.Errorf("advisory %d: id and module are required", i)
		}
		if adv.Fixed != "" && !semver.IsValid(adv.Fixed) {
			return nil, fmt.Errorf("advisory %s: invalid fixed version %q", adv.ID, adv.Fixed)
		}
		if adv.Severity == "" {
			adv.Severity = model.SeverityMedium
		}
	}
	return file.Advisories, nil
}

func LoadAdvisories(filename string) ([]Advisory, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseAdvisories(data)
}

// DependencyScanner checks the requirements of a go.mod file against a list of
// known advisories.
type DependencyScanner struct {
	GoModPath  string
	Advisories []Advisory
}

func (s *DependencyScanner) Name() string {
	return ScanTypeDependency
}

func (s *DependencyScanner) Scan(ctx context.Context) ([]model.Vulnerability, error) {
	data, err := os.ReadFile(s.GoModPath)
	if err != nil {
		return nil, err
	}
	mf, err := modfile.Parse(s.GoModPath, data, nil)
	if err != nil {
		return nil, err
	}
	byModule := make(map[string][]*Advisory)
	for i := range s.Advisories {
		adv := &s.Advisories[i]
		byModule[adv.Module] = append(byModule[adv.Module], adv)
	}

	var vulns []model.Vulnerability
	for _, req := range mf.Require {
		if err := ctx.Err(); err != nil {
			return vulns, err
		}
		for _, adv := range byModule[req.Mod.Path] {
			if !adv.Affects(req.Mod.Version) {
				continue
			}
			recommendation := "Upgrade " + req.Mod.Path
			if adv.Fixed != "" {
				recommendation += " to " + adv.Fixed + " or later"
			}
			vulns = append(vulns, model.Vulnerability{
				ID:             adv.ID,
				Title:          adv.Title,
				Description:    fmt.Sprintf("%s@%s is affected by %s", req.Mod.Path, req.Mod.Version, adv.ID),
				Severity:       adv.Severity,
				SourceTool:     ScanTypeDependency,
				OWASPCategory:  model.OWASPVulnerableComponents,
				Recommendation: recommendation,
				Location:       req.Mod.Path + "@" + req.Mod.Version,
			})
		}
	}
	return vulns, nil
}

func NewDependencyScanner(goModPath string, advisories []Advisory) *DependencyScanner {
	return &DependencyScanner{GoModPath: goModPath, Advisories: advisories}
}
