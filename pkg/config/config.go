package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/i4g/dossiers/pkg/signatures"
)

const (
	configPathEnv     = "DOSSIER_CONFIG"
	artifactRootEnv   = "DOSSIER_ARTIFACT_ROOT"
	hashAlgorithmEnv  = "DOSSIER_HASH_ALGORITHM"
	toolTimeoutEnv    = "DOSSIER_TOOL_TIMEOUT"
	queueBackendEnv   = "DOSSIER_QUEUE_BACKEND"
	sqlitePathEnv     = "DOSSIER_SQLITE_PATH"
	postgresDSNEnv    = "DOSSIER_POSTGRES_DSN"
	leaseTTLEnv       = "DOSSIER_LEASE_TTL"
	uploadBackendEnv  = "DOSSIER_UPLOAD_BACKEND"
	driveParentEnv    = "DOSSIER_DRIVE_PARENT_ID"
	credentialsEnv    = "GOOGLE_APPLICATION_CREDENTIALS"
	s3BucketEnv       = "DOSSIER_S3_BUCKET"
	projectEnv        = "GOOGLE_CLOUD_PROJECT"
	regionEnv         = "GOOGLE_CLOUD_REGION"
	pubsubTopicEnv    = "DOSSIER_STATUS_TOPIC"
	taskIDEnv         = "I4G_TASK_ID"
	taskStatusURLEnv  = "I4G_TASK_STATUS_URL"
	logLevelEnv       = "DOSSIER_LOG_LEVEL"
	caseSourceDirEnv  = "DOSSIER_CASE_DIR"
	workerAddrEnv     = "DOSSIER_WORKER_ADDR"
	defaultRegion     = "us-central1"
	defaultAlgorithm  = "sha256"
	defaultCollection = "dossier_queue"
)

// Queue backends
const (
	BackendSQLite    = "sqlite"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
)

// Upload backends
const (
	UploadNone  = "none"
	UploadDrive = "drive"
	UploadS3    = "s3"
)

// Config is the explicit configuration value handed to every component.
type Config struct {
	ArtifactRoot  string         `yaml:"artifactRoot"`
	HashAlgorithm string         `yaml:"hashAlgorithm"`
	ToolTimeout   time.Duration  `yaml:"toolTimeout"`
	Template      string         `yaml:"template"`
	Queue         QueueConfig    `yaml:"queue"`
	Upload        UploadConfig   `yaml:"upload"`
	Context       ContextConfig  `yaml:"context"`
	GCP           GCPConfig      `yaml:"gcp"`
	Reporter      ReporterConfig `yaml:"reporter"`
	Worker        WorkerConfig   `yaml:"worker"`
	LogLevel      string         `yaml:"logLevel"`
}

// QueueConfig selects and configures the plan queue store.
type QueueConfig struct {
	Backend             string        `yaml:"backend"`
	SQLitePath          string        `yaml:"sqlitePath"`
	PostgresDSN         string        `yaml:"postgresDsn"`
	FirestoreCollection string        `yaml:"firestoreCollection"`
	LeaseTTL            time.Duration `yaml:"leaseTTL"`
}

// UploadConfig describes the default remote destination.
type UploadConfig struct {
	Backend         string `yaml:"backend"`
	DriveParentID   string `yaml:"driveParentId"`
	CredentialsFile string `yaml:"credentialsFile"`
	S3Bucket        string `yaml:"s3Bucket"`
	S3Prefix        string `yaml:"s3Prefix"`
	S3Region        string `yaml:"s3Region"`
}

// ContextConfig points the context loader at case records.
type ContextConfig struct {
	CaseDir             string `yaml:"caseDir"`
	FirestoreCollection string `yaml:"firestoreCollection"`
}

// GCPConfig holds project level settings.
type GCPConfig struct {
	ProjectID string `yaml:"projectId"`
	Region    string `yaml:"region"`
}

// ReporterConfig configures task status reporting.
type ReporterConfig struct {
	TaskID      string `yaml:"taskId"`
	StatusURL   string `yaml:"statusUrl"`
	PubSubTopic string `yaml:"pubsubTopic"`
}

// WorkerConfig drives the polling worker.
type WorkerConfig struct {
	BatchSize    int           `yaml:"batchSize"`
	PollInterval time.Duration `yaml:"pollInterval"`
	// HTTPAddr, when set, serves /health and /task next to the poll loop.
	HTTPAddr string `yaml:"httpAddr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ArtifactRoot:  filepath.Join("data", "reports", "dossiers"),
		HashAlgorithm: defaultAlgorithm,
		ToolTimeout:   30 * time.Second,
		Template:      "lea_dossier",
		Queue: QueueConfig{
			Backend:             BackendSQLite,
			SQLitePath:          filepath.Join("data", "dossier_queue.db"),
			FirestoreCollection: defaultCollection,
		},
		Upload: UploadConfig{
			Backend:  UploadDrive,
			S3Prefix: "dossiers",
		},
		Context: ContextConfig{
			FirestoreCollection: "cases",
		},
		GCP: GCPConfig{
			Region: defaultRegion,
		},
		Worker: WorkerConfig{
			BatchSize:    5,
			PollInterval: 30 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration: defaults, then .env, then the YAML file
// named by DOSSIER_CONFIG, then environment overrides.
func Load() (Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv(configPathEnv); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile is Load with an explicit YAML path instead of DOSSIER_CONFIG.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	// Decoding over the defaults keeps every key the file leaves out.
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	setString := func(env string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			*dst = v
		}
	}

	setString(artifactRootEnv, &c.ArtifactRoot)
	setString(hashAlgorithmEnv, &c.HashAlgorithm)
	setString(queueBackendEnv, &c.Queue.Backend)
	setString(sqlitePathEnv, &c.Queue.SQLitePath)
	setString(postgresDSNEnv, &c.Queue.PostgresDSN)
	setString(uploadBackendEnv, &c.Upload.Backend)
	setString(driveParentEnv, &c.Upload.DriveParentID)
	setString(credentialsEnv, &c.Upload.CredentialsFile)
	setString(s3BucketEnv, &c.Upload.S3Bucket)
	setString(projectEnv, &c.GCP.ProjectID)
	setString(regionEnv, &c.GCP.Region)
	setString(pubsubTopicEnv, &c.Reporter.PubSubTopic)
	setString(taskIDEnv, &c.Reporter.TaskID)
	setString(taskStatusURLEnv, &c.Reporter.StatusURL)
	setString(logLevelEnv, &c.LogLevel)
	setString(caseSourceDirEnv, &c.Context.CaseDir)
	setString(workerAddrEnv, &c.Worker.HTTPAddr)

	if v := strings.TrimSpace(os.Getenv(toolTimeoutEnv)); v != "" {
		d, err := parseSecondsOrDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", toolTimeoutEnv, err)
		}
		c.ToolTimeout = d
	}
	if v := strings.TrimSpace(os.Getenv(leaseTTLEnv)); v != "" {
		d, err := parseSecondsOrDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", leaseTTLEnv, err)
		}
		c.Queue.LeaseTTL = d
	}
	return nil
}

// parseSecondsOrDuration accepts "30s"/"1m" style durations or a bare number of seconds.
func parseSecondsOrDuration(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

// Validate checks the configuration for values no component can work with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ArtifactRoot) == "" {
		return fmt.Errorf("config: artifactRoot is required")
	}
	if !signatures.Supported(c.HashAlgorithm) {
		return fmt.Errorf("config: unsupported hashAlgorithm %q", c.HashAlgorithm)
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("config: toolTimeout must be positive")
	}
	if c.Queue.LeaseTTL < 0 {
		return fmt.Errorf("config: queue.leaseTTL must not be negative")
	}
	switch c.Queue.Backend {
	case BackendSQLite:
		if c.Queue.SQLitePath == "" {
			return fmt.Errorf("config: queue.sqlitePath is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Queue.PostgresDSN == "" {
			return fmt.Errorf("config: queue.postgresDsn is required for the postgres backend")
		}
	case BackendFirestore:
		if c.GCP.ProjectID == "" {
			return fmt.Errorf("config: gcp.projectId is required for the firestore backend")
		}
	default:
		return fmt.Errorf("config: unknown queue backend %q", c.Queue.Backend)
	}
	switch c.Upload.Backend {
	case UploadNone, UploadDrive, UploadS3, "":
	default:
		return fmt.Errorf("config: unknown upload backend %q", c.Upload.Backend)
	}
	if c.Worker.BatchSize < 1 {
		return fmt.Errorf("config: worker.batchSize must be at least 1")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("config: worker.pollInterval must be positive")
	}
	return nil
}

// ResolvedArtifactRoot returns the artifact root as an absolute, cleaned path.
func (c Config) ResolvedArtifactRoot() (string, error) {
	return filepath.Abs(c.ArtifactRoot)
}
