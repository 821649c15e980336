package signatures

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ManifestLabel is the label the signature manifest itself is uploaded
// under. It never has a local signature row since a file cannot contain its
// own digest.
const ManifestLabel = "signature_manifest"

// Entry names one artifact to sign.
type Entry struct {
	Label string
	Path  string
}

// ArtifactSignature is the stored digest of one local artifact.
type ArtifactSignature struct {
	Label     string `json:"label"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Hash      string `json:"hash"`
}

// UploadedArtifactSignature records the digest of an artifact copy held remotely.
type UploadedArtifactSignature struct {
	Label     string `json:"label"`
	RemoteRef string `json:"remote_ref"`
	Hash      string `json:"hash"`
	Algorithm string `json:"algorithm"`
	SizeBytes *int64 `json:"size_bytes"`
}

// SignatureManifest is the hash ledger written next to a dossier.
type SignatureManifest struct {
	Algorithm   string                      `json:"algorithm"`
	GeneratedAt time.Time                   `json:"generated_at"`
	Artifacts   []ArtifactSignature         `json:"artifacts"`
	Uploads     []UploadedArtifactSignature `json:"uploads"`
	Warnings    []string                    `json:"warnings"`
}

// GenerateOptions controls Generate.
type GenerateOptions struct {
	Algorithm   string
	GeneratedAt time.Time
	// RelativeTo is the artifact root. Paths under it are stored relative
	// to it; anything else is stored absolute.
	RelativeTo string
}

// Artifact returns the signature stored under label.
func (m SignatureManifest) Artifact(label string) (ArtifactSignature, bool) {
	for _, a := range m.Artifacts {
		if a.Label == label {
			return a, true
		}
	}
	return ArtifactSignature{}, false
}

// Generate hashes every entry whose file exists. Missing or unset paths and
// repeated labels are skipped with a warning; the only error is an
// unsupported algorithm.
func Generate(entries []Entry, opts GenerateOptions) (SignatureManifest, error) {
	algorithm := normalize(opts.Algorithm)
	if !Supported(algorithm) {
		_, err := NewHash(algorithm)
		return SignatureManifest{}, err
	}
	generatedAt := opts.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now().UTC()
	}

	manifest := SignatureManifest{
		Algorithm:   algorithm,
		GeneratedAt: generatedAt,
		Artifacts:   []ArtifactSignature{},
		Uploads:     []UploadedArtifactSignature{},
		Warnings:    []string{},
	}
	base := ""
	if opts.RelativeTo != "" {
		base = canonical(opts.RelativeTo)
	}

	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		label := entry.Label
		if strings.TrimSpace(entry.Path) == "" {
			manifest.Warnings = append(manifest.Warnings, fmt.Sprintf("Artifact %s missing path; skipping signature", label))
			continue
		}
		if _, dup := seen[label]; dup {
			manifest.Warnings = append(manifest.Warnings, fmt.Sprintf("Artifact %s already signed; skipping duplicate", label))
			continue
		}
		info, err := os.Stat(entry.Path)
		if err != nil || info.IsDir() {
			manifest.Warnings = append(manifest.Warnings, fmt.Sprintf("Artifact %s missing on disk at %s", label, entry.Path))
			continue
		}
		digest, size, err := HashFile(entry.Path, algorithm)
		if err != nil {
			manifest.Warnings = append(manifest.Warnings, fmt.Sprintf("Artifact %s could not be hashed: %v", label, err))
			continue
		}
		seen[label] = struct{}{}
		manifest.Artifacts = append(manifest.Artifacts, ArtifactSignature{
			Label:     label,
			Path:      storedPath(entry.Path, base),
			SizeBytes: size,
			Hash:      digest,
		})
	}
	return manifest, nil
}

// storedPath returns path relative to base when it lies under base,
// otherwise the absolute path.
func storedPath(path, base string) string {
	resolved := canonical(path)
	if base == "" {
		return resolved
	}
	rel, err := filepath.Rel(base, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return resolved
	}
	return filepath.ToSlash(rel)
}

// canonical makes path absolute and resolves symlinks where possible.
func canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return abs
}

// UploadRow is the raw result an Uploader reports for one remote copy.
type UploadRow struct {
	Label     string `json:"label"`
	RemoteRef string `json:"remote_ref,omitempty"`
	ID        string `json:"id,omitempty"`
	Hash      string `json:"hash"`
	Algorithm string `json:"algorithm,omitempty"`
	SizeBytes *int64 `json:"size_bytes,omitempty"`
}

// BuildUploadedSignatures converts uploader rows into manifest rows. Rows
// without a remote reference or hash are dropped with a warning; an
// algorithm other than defaultAlgorithm is kept and warned about.
func BuildUploadedSignatures(rows []UploadRow, defaultAlgorithm string) ([]UploadedArtifactSignature, []string) {
	defaultAlgorithm = normalize(defaultAlgorithm)
	out := make([]UploadedArtifactSignature, 0, len(rows))
	var warnings []string
	for _, row := range rows {
		label := row.Label
		if label == "" {
			label = "upload"
		}
		ref := row.RemoteRef
		if ref == "" {
			ref = row.ID
		}
		if ref == "" || row.Hash == "" {
			warnings = append(warnings, fmt.Sprintf("Upload %s missing remote_ref or hash; skipping", label))
			continue
		}
		algorithm := defaultAlgorithm
		if row.Algorithm != "" {
			algorithm = normalize(row.Algorithm)
		}
		if algorithm != defaultAlgorithm {
			warnings = append(warnings, algorithmMismatch(label, algorithm, defaultAlgorithm))
		}
		out = append(out, UploadedArtifactSignature{
			Label:     label,
			RemoteRef: ref,
			Hash:      row.Hash,
			Algorithm: algorithm,
			SizeBytes: row.SizeBytes,
		})
	}
	return out, warnings
}

// WithUploads returns a copy of m with uploads appended and warnings merged.
// Rows are never rejected: algorithm mismatches and uploads of labels that
// carry no local signature are surfaced as warnings.
func WithUploads(m SignatureManifest, uploads []UploadedArtifactSignature, warnings []string) SignatureManifest {
	out := m
	out.Artifacts = append([]ArtifactSignature{}, m.Artifacts...)
	out.Uploads = append(append([]UploadedArtifactSignature{}, m.Uploads...), uploads...)
	out.Warnings = append([]string{}, m.Warnings...)

	add := func(w string) {
		for _, existing := range out.Warnings {
			if existing == w {
				return
			}
		}
		out.Warnings = append(out.Warnings, w)
	}
	for _, w := range warnings {
		add(w)
	}
	for _, u := range uploads {
		if u.Algorithm != "" && normalize(u.Algorithm) != normalize(m.Algorithm) {
			add(algorithmMismatch(u.Label, normalize(u.Algorithm), normalize(m.Algorithm)))
		}
		if u.Label == ManifestLabel {
			continue
		}
		if _, ok := m.Artifact(u.Label); !ok {
			add(fmt.Sprintf("Upload %s has no local artifact signature", u.Label))
		}
	}
	return out
}

func algorithmMismatch(label, algorithm, manifestAlgorithm string) string {
	return fmt.Sprintf("Upload %s hash algorithm %s differs from manifest algorithm %s", label, algorithm, manifestAlgorithm)
}

// Load reads a signature manifest from disk.
func Load(path string) (SignatureManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return SignatureManifest{}, err
	}
	var m SignatureManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return SignatureManifest{}, fmt.Errorf("decode signature manifest %s: %w", path, err)
	}
	if m.Algorithm == "" {
		m.Algorithm = DefaultAlgorithm
	}
	return m, nil
}

// Write persists m as indented JSON. The file is replaced atomically so a
// concurrent reader never sees a partial manifest.
func Write(path string, m SignatureManifest) error {
	return WriteJSON(path, m)
}

// WriteJSON marshals v with indentation and atomically replaces path.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
