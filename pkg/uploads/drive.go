package uploads

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/i4g/dossiers/pkg/logging"
	"github.com/i4g/dossiers/pkg/retry"
	"github.com/i4g/dossiers/pkg/signatures"
	"github.com/i4g/dossiers/pkg/types"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// DriveAPI is the subset of the Drive v3 API the uploader needs.
type DriveAPI interface {
	CreateFile(ctx context.Context, name, parentID, mimeType string, media io.Reader) (*drive.File, error)
	GetFile(ctx context.Context, fileID string) (*drive.File, error)
	ListPermissions(ctx context.Context, fileID string) ([]*drive.Permission, error)
}

type driveService struct {
	svc *drive.Service
}

// NewDriveAPI builds a Drive client from application default credentials,
// or from credentialsFile when one is given.
func NewDriveAPI(ctx context.Context, credentialsFile string) (DriveAPI, error) {
	opts := []option.ClientOption{option.WithScopes(drive.DriveFileScope, cloudPlatformScope)}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Drive client: %w", err)
	}
	return &driveService{svc: svc}, nil
}

func (d *driveService) CreateFile(ctx context.Context, name, parentID, mimeType string, media io.Reader) (*drive.File, error) {
	return d.svc.Files.Create(&drive.File{Name: name, Parents: []string{parentID}}).
		Media(media, googleapi.ContentType(mimeType)).
		Fields("id,webViewLink,webContentLink,md5Checksum,size").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
}

func (d *driveService) GetFile(ctx context.Context, fileID string) (*drive.File, error) {
	return d.svc.Files.Get(fileID).
		Fields("id,name,webViewLink,driveId,parents").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
}

func (d *driveService) ListPermissions(ctx context.Context, fileID string) ([]*drive.Permission, error) {
	list, err := d.svc.Permissions.List(fileID).
		Fields("permissions(id,type,role,displayName,domain,emailAddress)").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	return list.Permissions, nil
}

// DriveOptions configures a DriveUploader.
type DriveOptions struct {
	// ParentID is the default folder; a plan's shared_drive_parent_id wins.
	ParentID        string
	Algorithm       string
	CredentialsFile string
	Retry           retry.Config
}

// DriveUploader uploads artifacts into a Google Drive folder and reconciles
// Drive's md5Checksum against a locally computed digest.
type DriveUploader struct {
	opts    DriveOptions
	connect func(ctx context.Context) (DriveAPI, error)
	logger  *slog.Logger

	mu  sync.Mutex
	api DriveAPI
}

// NewDriveUploader creates an uploader that builds its Drive client on first use.
func NewDriveUploader(opts DriveOptions, logger *slog.Logger) *DriveUploader {
	u := newDriveUploader(opts, logger)
	u.connect = func(ctx context.Context) (DriveAPI, error) {
		return NewDriveAPI(ctx, opts.CredentialsFile)
	}
	return u
}

// NewDriveUploaderWithAPI creates an uploader around an existing client.
func NewDriveUploaderWithAPI(api DriveAPI, opts DriveOptions, logger *slog.Logger) *DriveUploader {
	u := newDriveUploader(opts, logger)
	u.api = api
	return u
}

func newDriveUploader(opts DriveOptions, logger *slog.Logger) *DriveUploader {
	if opts.Algorithm == "" {
		opts.Algorithm = signatures.DefaultAlgorithm
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfigs.Standard
	}
	return &DriveUploader{opts: opts, logger: logging.OrDefault(logger)}
}

func (u *DriveUploader) client(ctx context.Context) DriveAPI {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.api != nil || u.connect == nil {
		return u.api
	}
	api, err := u.connect(ctx)
	if err != nil {
		u.logger.Warn("Drive client unavailable", "error", err)
		return nil
	}
	u.api = api
	return u.api
}

// Upload sends each entry to the plan's Drive folder.
func (u *DriveUploader) Upload(ctx context.Context, entries []signatures.Entry, plan types.Plan) ([]signatures.UploadRow, []string, error) {
	rows := []signatures.UploadRow{}
	parent := plan.SharedDriveParentID
	if parent == "" {
		parent = u.opts.ParentID
	}
	if parent == "" {
		return rows, []string{fmt.Sprintf("Drive upload skipped for plan %s: no destination folder configured", plan.PlanID)}, nil
	}
	if len(entries) == 0 {
		return rows, []string{}, nil
	}

	api := u.client(ctx)
	if api == nil {
		warning := fmt.Sprintf("Drive upload skipped for plan %s: Drive client unavailable", plan.PlanID)
		u.logger.Warn(warning)
		return rows, []string{warning}, nil
	}

	warnings := []string{}
	for _, entry := range entries {
		if entry.Path == "" {
			warnings = append(warnings, fmt.Sprintf("Artifact %s missing for upload", entry.Label))
			continue
		}
		if info, err := os.Stat(entry.Path); err != nil || info.IsDir() {
			warnings = append(warnings, fmt.Sprintf("Artifact %s missing for upload", entry.Label))
			continue
		}

		file, err := u.create(ctx, api, entry.Path, parent)
		if err != nil {
			u.logger.Warn("Drive upload failed", "label", entry.Label, "error", err)
			warnings = append(warnings, fmt.Sprintf("Drive upload failed for %s: %v", entry.Label, err))
			continue
		}

		link := file.WebViewLink
		if link == "" {
			link = file.WebContentLink
		}
		if link == "" && file.Id != "" {
			link = fmt.Sprintf("https://drive.google.com/file/d/%s/view", file.Id)
		}
		if link == "" {
			warnings = append(warnings, fmt.Sprintf("Drive upload returned no link for %s", entry.Label))
			continue
		}

		digest, localMD5, size, err := localDigests(entry.Path, u.opts.Algorithm)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("Artifact %s could not be hashed: %v", entry.Label, err))
			continue
		}
		if file.Md5Checksum != "" && !strings.EqualFold(file.Md5Checksum, localMD5) {
			warnings = append(warnings, fmt.Sprintf("Drive MD5 mismatch for %s: remote=%s local=%s", entry.Label, file.Md5Checksum, localMD5))
		}
		if file.Size > 0 {
			size = file.Size
		}

		rows = append(rows, signatures.UploadRow{
			Label:     entry.Label,
			RemoteRef: link,
			ID:        file.Id,
			Hash:      digest,
			Algorithm: u.opts.Algorithm,
			SizeBytes: &size,
		})
	}
	return rows, warnings, nil
}

func (u *DriveUploader) create(ctx context.Context, api DriveAPI, path, parent string) (*drive.File, error) {
	name := filepath.Base(path)
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return retry.ExecuteWithRetry(ctx, func() (*drive.File, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		file, err := api.CreateFile(ctx, name, parent, contentType, f)
		if err != nil {
			return nil, classify(err, "drive create")
		}
		return file, nil
	}, u.opts.Retry)
}

// Permission is one principal's access to a Drive folder.
type Permission struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Role      string `json:"role"`
	Principal string `json:"principal"`
}

// ACLSummary describes a Drive folder and who can see it.
type ACLSummary struct {
	FolderID    string       `json:"folder_id"`
	Name        string       `json:"name,omitempty"`
	Link        string       `json:"link,omitempty"`
	DriveID     string       `json:"drive_id,omitempty"`
	Permissions []Permission `json:"permissions"`
}

// FetchACL loads folder metadata and permissions for folderID (or the
// default parent). A nil summary means nothing could be loaded; the
// warnings say why.
func (u *DriveUploader) FetchACL(ctx context.Context, folderID string) (*ACLSummary, []string) {
	target := folderID
	if target == "" {
		target = u.opts.ParentID
	}
	if target == "" {
		return nil, []string{"Drive folder id not provided"}
	}
	api := u.client(ctx)
	if api == nil {
		return nil, []string{"Drive client unavailable"}
	}

	warnings := []string{}
	folder, err := api.GetFile(ctx, target)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("Unable to load folder metadata: %v", err))
		folder = nil
	}

	perms := []Permission{}
	list, err := api.ListPermissions(ctx, target)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("Unable to load folder permissions: %v", err))
	}
	for _, p := range list {
		principal := p.DisplayName
		if principal == "" {
			principal = p.Domain
		}
		if principal == "" {
			principal = p.EmailAddress
		}
		perms = append(perms, Permission{ID: p.Id, Type: p.Type, Role: p.Role, Principal: principal})
	}

	if folder == nil && len(perms) == 0 {
		if len(warnings) == 0 {
			warnings = append(warnings, "Drive ACL unavailable")
		}
		return nil, warnings
	}

	summary := &ACLSummary{FolderID: target, Permissions: perms}
	if folder != nil {
		if folder.Id != "" {
			summary.FolderID = folder.Id
		}
		summary.Name = folder.Name
		summary.Link = folder.WebViewLink
		summary.DriveID = folder.DriveId
	}
	return summary, warnings
}
