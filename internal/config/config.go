package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Chichichkin/SnowpipeAgent/internal/logging/buffer"
)

const (
	DefaultFile = "SnowpipeSettings.json"

	StageInternal = "internal"
	StageS3       = "s3"
)

type Settings struct {
	BufferCountRecords    int64    `json:"BufferCountRecords" yaml:"BufferCountRecords"`
	BufferFlushTime       int64    `json:"BufferFlushTime" yaml:"BufferFlushTime"` // seconds
	BufferSizeBytes       ByteSize `json:"BufferSizeBytes" yaml:"BufferSizeBytes"`
	MemoryBufferFlushTime int64    `json:"MemoryBufferFlushTime" yaml:"MemoryBufferFlushTime"` // milliseconds
	CurrentLogFilename    string   `json:"CurrentLogFilename" yaml:"CurrentLogFilename"`
	TempFilePrefix        string   `json:"TempFilePrefix" yaml:"TempFilePrefix"`

	Account              string `json:"Account" yaml:"Account"`
	Host                 string `json:"Host" yaml:"Host"`
	User                 string `json:"User" yaml:"User"`
	Role                 string `json:"Role" yaml:"Role"`
	Warehouse            string `json:"Warehouse" yaml:"Warehouse"`
	PrivateKeyFilename   string `json:"PrivateKeyFilename" yaml:"PrivateKeyFilename"`
	PrivateKeyPassphrase string `json:"PrivateKeyPassphrase" yaml:"PrivateKeyPassphrase"`
	DatabaseName         string `json:"DatabaseName" yaml:"DatabaseName"`
	SchemaName           string `json:"SchemaName" yaml:"SchemaName"`
	PipeName             string `json:"PipeName" yaml:"PipeName"`
	StageName            string `json:"StageName" yaml:"StageName"`

	NotifyTimeout  Duration      `json:"NotifyTimeout" yaml:"NotifyTimeout"`
	TickInterval   Duration      `json:"TickInterval" yaml:"TickInterval"`
	MetricsAddress string        `json:"MetricsAddress" yaml:"MetricsAddress"`
	Stage          StageSettings `json:"Stage" yaml:"Stage"`
	Input          InputSettings `json:"Input" yaml:"Input"`
}

type StageSettings struct {
	Kind string     `json:"Kind" yaml:"Kind"`
	S3   S3Settings `json:"S3" yaml:"S3"`
}

type S3Settings struct {
	Bucket          string `json:"Bucket" yaml:"Bucket"`
	Prefix          string `json:"Prefix" yaml:"Prefix"`
	Region          string `json:"Region" yaml:"Region"`
	Endpoint        string `json:"Endpoint" yaml:"Endpoint"`
	AccessKeyID     string `json:"AccessKeyID" yaml:"AccessKeyID"`
	SecretAccessKey string `json:"SecretAccessKey" yaml:"SecretAccessKey"`
	UsePathStyle    bool   `json:"UsePathStyle" yaml:"UsePathStyle"`
}

// InputSettings configures the file tailing daemon. An empty RootPath disables it.
type InputSettings struct {
	RootPath           string   `json:"RootPath" yaml:"RootPath"`
	Pattern            string   `json:"Pattern" yaml:"Pattern"`
	MinWorkers         int      `json:"MinWorkers" yaml:"MinWorkers"`
	MaxWorkers         int      `json:"MaxWorkers" yaml:"MaxWorkers"`
	QueueSize          int      `json:"QueueSize" yaml:"QueueSize"`
	ScanInterval       Duration `json:"ScanInterval" yaml:"ScanInterval"`
	FileIdleTimeout    Duration `json:"FileIdleTimeout" yaml:"FileIdleTimeout"`
	ScaleUpThreshold   float64  `json:"ScaleUpThreshold" yaml:"ScaleUpThreshold"`
	ScaleDownThreshold float64  `json:"ScaleDownThreshold" yaml:"ScaleDownThreshold"`
	ScaleCheckInterval Duration `json:"ScaleCheckInterval" yaml:"ScaleCheckInterval"`
	FromBeginning      bool     `json:"FromBeginning" yaml:"FromBeginning"`
}

func Default() *Settings {
	return &Settings{
		BufferCountRecords:    1_000_000,
		BufferFlushTime:       120,
		BufferSizeBytes:       NewByteSize(100_000_000),
		MemoryBufferFlushTime: 10_000,
		CurrentLogFilename:    "SnowpipeMessages.tmp.gz",
		TempFilePrefix:        buffer.DefaultTempPrefix,
		Host:                  "snowflakecomputing.com",
		NotifyTimeout:         NewDuration(30 * time.Second),
		TickInterval:          NewDuration(time.Second),
		MetricsAddress:        ":9090",
		Stage: StageSettings{
			Kind: StageInternal,
		},
		Input: InputSettings{
			Pattern:            "**.json",
			MinWorkers:         2,
			MaxWorkers:         10,
			QueueSize:          50,
			ScanInterval:       NewDuration(30 * time.Second),
			FileIdleTimeout:    NewDuration(5 * time.Minute),
			ScaleUpThreshold:   0.9,
			ScaleDownThreshold: 0.3,
			ScaleCheckInterval: NewDuration(15 * time.Second),
		},
	}
}

// Load reads the settings file, applies SNOWPIPE_* environment overrides and
// validates the result. If path is empty, SNOWPIPE_CONFIG or DefaultFile is
// used, and a missing default file is not an error.
//
// Variables from a .env file in the working directory are loaded first; they
// never replace variables already set in the environment.
func Load(path string) (*Settings, error) {
	_ = godotenv.Load()

	explicit := path != ""
	if !explicit {
		path = getEnv("SNOWPIPE_CONFIG", DefaultFile)
		explicit = path != DefaultFile
	}

	settings := Default()
	err := settings.readFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case err != nil:
		return nil, err
	}

	settings.applyEnv()
	settings.expandPaths()

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func (s *Settings) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, s)
	default:
		err = json.Unmarshal(data, s)
	}
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func (s *Settings) applyEnv() {
	s.BufferCountRecords = getEnvAsInt64("SNOWPIPE_BUFFER_COUNT_RECORDS", s.BufferCountRecords)
	s.BufferFlushTime = getEnvAsInt64("SNOWPIPE_BUFFER_FLUSH_TIME", s.BufferFlushTime)
	s.BufferSizeBytes = getEnvAsByteSize("SNOWPIPE_BUFFER_SIZE_BYTES", s.BufferSizeBytes)
	s.MemoryBufferFlushTime = getEnvAsInt64("SNOWPIPE_MEMORY_BUFFER_FLUSH_TIME", s.MemoryBufferFlushTime)
	s.CurrentLogFilename = getEnv("SNOWPIPE_CURRENT_LOG_FILENAME", s.CurrentLogFilename)
	s.TempFilePrefix = getEnv("SNOWPIPE_TEMP_FILE_PREFIX", s.TempFilePrefix)

	s.Account = getEnv("SNOWPIPE_ACCOUNT", s.Account)
	s.Host = getEnv("SNOWPIPE_HOST", s.Host)
	s.User = getEnv("SNOWPIPE_USER", s.User)
	s.Role = getEnv("SNOWPIPE_ROLE", s.Role)
	s.Warehouse = getEnv("SNOWPIPE_WAREHOUSE", s.Warehouse)
	s.PrivateKeyFilename = getEnv("SNOWPIPE_PRIVATE_KEY_FILENAME", s.PrivateKeyFilename)
	s.PrivateKeyPassphrase = getEnv("SNOWPIPE_PRIVATE_KEY_PASSPHRASE", s.PrivateKeyPassphrase)
	s.DatabaseName = getEnv("SNOWPIPE_DATABASE_NAME", s.DatabaseName)
	s.SchemaName = getEnv("SNOWPIPE_SCHEMA_NAME", s.SchemaName)
	s.PipeName = getEnv("SNOWPIPE_PIPE_NAME", s.PipeName)
	s.StageName = getEnv("SNOWPIPE_STAGE_NAME", s.StageName)

	s.NotifyTimeout.Duration = getEnvAsDuration("SNOWPIPE_NOTIFY_TIMEOUT", s.NotifyTimeout.Duration)
	s.TickInterval.Duration = getEnvAsDuration("SNOWPIPE_TICK_INTERVAL", s.TickInterval.Duration)
	s.MetricsAddress = getEnv("SNOWPIPE_METRICS_ADDRESS", s.MetricsAddress)

	s.Stage.Kind = getEnv("SNOWPIPE_STAGE_KIND", s.Stage.Kind)
	s.Stage.S3.Bucket = getEnv("SNOWPIPE_S3_BUCKET", s.Stage.S3.Bucket)
	s.Stage.S3.Prefix = getEnv("SNOWPIPE_S3_PREFIX", s.Stage.S3.Prefix)
	s.Stage.S3.Region = getEnv("SNOWPIPE_S3_REGION", s.Stage.S3.Region)
	s.Stage.S3.Endpoint = getEnv("SNOWPIPE_S3_ENDPOINT", s.Stage.S3.Endpoint)
	s.Stage.S3.AccessKeyID = getEnv("SNOWPIPE_S3_ACCESS_KEY_ID", s.Stage.S3.AccessKeyID)
	s.Stage.S3.SecretAccessKey = getEnv("SNOWPIPE_S3_SECRET_ACCESS_KEY", s.Stage.S3.SecretAccessKey)
	s.Stage.S3.UsePathStyle = getEnvAsBool("SNOWPIPE_S3_USE_PATH_STYLE", s.Stage.S3.UsePathStyle)

	s.Input.RootPath = getEnv("SNOWPIPE_INPUT_ROOT_PATH", s.Input.RootPath)
	s.Input.Pattern = getEnv("SNOWPIPE_INPUT_PATTERN", s.Input.Pattern)
	s.Input.MinWorkers = getEnvAsInt("SNOWPIPE_INPUT_MIN_WORKERS", s.Input.MinWorkers)
	s.Input.MaxWorkers = getEnvAsInt("SNOWPIPE_INPUT_MAX_WORKERS", s.Input.MaxWorkers)
	s.Input.QueueSize = getEnvAsInt("SNOWPIPE_INPUT_QUEUE_SIZE", s.Input.QueueSize)
	s.Input.ScanInterval.Duration = getEnvAsDuration("SNOWPIPE_INPUT_SCAN_INTERVAL", s.Input.ScanInterval.Duration)
	s.Input.FileIdleTimeout.Duration = getEnvAsDuration("SNOWPIPE_INPUT_FILE_IDLE_TIMEOUT", s.Input.FileIdleTimeout.Duration)
	s.Input.ScaleUpThreshold = getEnvAsFloat("SNOWPIPE_INPUT_SCALE_UP_THRESHOLD", s.Input.ScaleUpThreshold)
	s.Input.ScaleDownThreshold = getEnvAsFloat("SNOWPIPE_INPUT_SCALE_DOWN_THRESHOLD", s.Input.ScaleDownThreshold)
	s.Input.ScaleCheckInterval.Duration = getEnvAsDuration("SNOWPIPE_INPUT_SCALE_CHECK_INTERVAL", s.Input.ScaleCheckInterval.Duration)
	s.Input.FromBeginning = getEnvAsBool("SNOWPIPE_INPUT_FROM_BEGINNING", s.Input.FromBeginning)
}

func (s *Settings) expandPaths() {
	s.CurrentLogFilename = os.ExpandEnv(s.CurrentLogFilename)
	s.PrivateKeyFilename = os.ExpandEnv(s.PrivateKeyFilename)
	s.Input.RootPath = os.ExpandEnv(s.Input.RootPath)
}

// Validate reports every missing or invalid field at once.
func (s *Settings) Validate() error {
	var errs []error
	required := []struct {
		name, value string
	}{
		{"Account", s.Account},
		{"User", s.User},
		{"PrivateKeyFilename", s.PrivateKeyFilename},
		{"DatabaseName", s.DatabaseName},
		{"SchemaName", s.SchemaName},
		{"PipeName", s.PipeName},
		{"CurrentLogFilename", s.CurrentLogFilename},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			errs = append(errs, fmt.Errorf("%s is unspecified", field.name))
		}
	}

	if s.BufferCountRecords <= 0 {
		errs = append(errs, fmt.Errorf("BufferCountRecords must be positive"))
	}
	if s.BufferFlushTime <= 0 {
		errs = append(errs, fmt.Errorf("BufferFlushTime must be positive"))
	}
	if s.BufferSizeBytes.Bytes() == 0 {
		errs = append(errs, fmt.Errorf("BufferSizeBytes must be positive"))
	} else if s.BufferSizeBytes.Bytes() > math.MaxInt64 {
		errs = append(errs, fmt.Errorf("BufferSizeBytes %s is too large", s.BufferSizeBytes.HumanReadable()))
	}
	if s.MemoryBufferFlushTime <= 0 {
		errs = append(errs, fmt.Errorf("MemoryBufferFlushTime must be positive"))
	}

	switch s.Stage.Kind {
	case StageInternal:
		if s.StageName == "" {
			errs = append(errs, fmt.Errorf("StageName is unspecified"))
		}
	case StageS3:
		if s.Stage.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("Stage.S3.Bucket is unspecified"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown Stage.Kind %q", s.Stage.Kind))
	}

	if s.Input.RootPath != "" && s.Input.MinWorkers > s.Input.MaxWorkers {
		errs = append(errs, fmt.Errorf("Input.MinWorkers exceeds Input.MaxWorkers"))
	}

	return errors.Join(errs...)
}

func (s *Settings) Thresholds() buffer.Thresholds {
	return buffer.Thresholds{
		RecordCountLimit:    s.BufferCountRecords,
		ByteSizeLimit:       int64(s.BufferSizeBytes.Bytes()),
		DiskFlushInterval:   time.Duration(s.BufferFlushTime) * time.Second,
		MemoryFlushInterval: time.Duration(s.MemoryBufferFlushTime) * time.Millisecond,
	}
}
