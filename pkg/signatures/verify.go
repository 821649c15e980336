package signatures

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactVerification is the outcome of re-hashing one artifact.
type ArtifactVerification struct {
	Label        string `json:"label"`
	Path         string `json:"path"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash,omitempty"`
	Exists       bool   `json:"exists"`
	Matches      bool   `json:"matches"`
	SizeBytes    int64  `json:"size_bytes,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Report aggregates the verification of every artifact in a manifest.
type Report struct {
	Algorithm     string                 `json:"algorithm"`
	Artifacts     []ArtifactVerification `json:"artifacts"`
	MissingCount  int                    `json:"missing_count"`
	MismatchCount int                    `json:"mismatch_count"`
	AllVerified   bool                   `json:"all_verified"`
	Warnings      []string               `json:"warnings"`
}

// VerifyOptions controls path resolution during verification.
type VerifyOptions struct {
	BasePath string
	// RootOnly resolves relative paths against BasePath alone, skipping the
	// working-directory lookup.
	RootOnly bool
}

// Verify re-hashes every artifact of m. Relative paths resolve in order:
// absolute paths as stored, then an existing file at the relative path from
// the working directory, then the path joined onto basePath.
// Verify never modifies m or the files it reads.
func Verify(m SignatureManifest, basePath string) Report {
	return VerifyWithOptions(m, VerifyOptions{BasePath: basePath})
}

// VerifyWithOptions is Verify with explicit resolution options.
func VerifyWithOptions(m SignatureManifest, opts VerifyOptions) Report {
	algorithm := normalize(m.Algorithm)
	report := Report{
		Algorithm: algorithm,
		Artifacts: make([]ArtifactVerification, 0, len(m.Artifacts)),
		Warnings:  append([]string{}, m.Warnings...),
	}

	for _, artifact := range m.Artifacts {
		result := ArtifactVerification{
			Label:        artifact.Label,
			Path:         resolvePath(artifact.Path, opts),
			ExpectedHash: artifact.Hash,
		}
		if artifact.Hash == "" {
			report.Warnings = append(report.Warnings, fmt.Sprintf("Artifact %s missing expected hash value", artifact.Label))
		}

		info, err := os.Stat(result.Path)
		switch {
		case result.Path == "" || err != nil:
			report.MissingCount++
		case info.IsDir():
			result.Exists = true
			result.Error = "path is a directory"
			report.MismatchCount++
		default:
			result.Exists = true
			digest, size, hashErr := HashFile(result.Path, algorithm)
			if hashErr != nil {
				result.Error = hashErr.Error()
			} else {
				result.ActualHash = digest
				result.SizeBytes = size
			}
			result.Matches = result.ActualHash != "" && artifact.Hash != "" &&
				strings.EqualFold(result.ActualHash, artifact.Hash)
			if !result.Matches {
				report.MismatchCount++
			}
		}
		report.Artifacts = append(report.Artifacts, result)
	}

	report.AllVerified = report.MissingCount == 0 && report.MismatchCount == 0
	return report
}

// VerifyFile loads the manifest at path and verifies it against the
// directory that contains it.
func VerifyFile(path string) (Report, error) {
	m, err := Load(path)
	if err != nil {
		return Report{}, err
	}
	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return Report{}, err
	}
	return Verify(m, base), nil
}

func resolvePath(stored string, opts VerifyOptions) string {
	if stored == "" {
		return ""
	}
	native := filepath.FromSlash(stored)
	if filepath.IsAbs(native) {
		return native
	}
	if !opts.RootOnly {
		if _, err := os.Stat(native); err == nil {
			return native
		}
	}
	if opts.BasePath == "" {
		return native
	}
	return filepath.Join(opts.BasePath, native)
}
