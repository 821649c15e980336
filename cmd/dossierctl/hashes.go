package main

import (
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/i4g/dossiers/pkg/config"
	"github.com/i4g/dossiers/pkg/signatures"
)

// Exit codes of verify-hashes.
const (
	exitNoManifests = 1
	exitUnverified  = 2
	exitWarnings    = 3
)

const signaturesSuffix = ".signatures.json"

// findManifests expands targets into signature manifest files. Directories
// are walked recursively and their matches sorted.
func findManifests(targets []string) ([]string, error) {
	var manifests []string
	for _, target := range targets {
		info, err := os.Stat(target)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		if !info.IsDir() {
			if strings.HasSuffix(info.Name(), signaturesSuffix) {
				manifests = append(manifests, target)
			}
			continue
		}
		var found []string
		err = filepath.WalkDir(target, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), signaturesSuffix) {
				found = append(found, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		sort.Strings(found)
		manifests = append(manifests, found...)
	}
	return manifests, nil
}

// verifyHashes checks every manifest under targets and returns the exit code.
func verifyHashes(targets []string, failOnWarn bool, stdout io.Writer) int {
	r := lipgloss.NewRenderer(stdout)
	okStyle := r.NewStyle().Bold(true).Foreground(lipgloss.Color("#3FB950"))
	failStyle := r.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	warnStyle := r.NewStyle().Foreground(lipgloss.Color("#D29922"))

	manifests, err := findManifests(targets)
	if err != nil {
		fmt.Fprintf(stdout, "%s %v\n", failStyle.Render("FAIL"), err)
		return exitUnverified
	}
	if len(manifests) == 0 {
		fmt.Fprintf(stdout, "No signature manifests found under %s\n", strings.Join(targets, ", "))
		return exitNoManifests
	}

	code := 0
	for _, path := range manifests {
		report, err := signatures.VerifyFile(path)
		if err != nil {
			fmt.Fprintf(stdout, "%s %s error=%v\n", failStyle.Render("FAIL"), path, err)
			code = max(code, exitUnverified)
			continue
		}
		label := okStyle.Render("OK")
		if !report.AllVerified {
			label = failStyle.Render("FAIL")
		}
		warnings := fmt.Sprintf("warnings=%d", len(report.Warnings))
		if len(report.Warnings) > 0 {
			warnings = warnStyle.Render(warnings)
		}
		fmt.Fprintf(stdout, "%s %s missing=%d mismatch=%d %s\n",
			label, path, report.MissingCount, report.MismatchCount, warnings)

		if !report.AllVerified {
			code = max(code, exitUnverified)
		}
		if failOnWarn && len(report.Warnings) > 0 {
			code = max(code, exitWarnings)
		}
	}
	return code
}

func runVerifyHashes(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("verify-hashes", flag.ContinueOnError)
	flags.SetOutput(stderr)
	failOnWarn := flags.Bool("fail-on-warn", false, "exit 3 when any manifest carries warnings")
	if err := flags.Parse(args); err != nil {
		return exitUsage
	}
	targets := flags.Args()
	if len(targets) == 0 {
		cfg, err := config.Load()
		if err != nil {
			cfg = config.Default()
		}
		targets = []string{cfg.ArtifactRoot}
	}
	return verifyHashes(targets, *failOnWarn, stdout)
}
