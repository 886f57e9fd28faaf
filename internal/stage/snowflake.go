package stage

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/relex/gotils/logger"
	"github.com/snowflakedb/gosnowflake"

	"github.com/Chichichkin/SnowpipeAgent/internal/logging"
)

type InternalConfig struct {
	Account   string
	Host      string
	User      string
	Role      string
	Warehouse string
	Database  string
	Schema    string
	// Stage is the stage name without the leading @.
	Stage      string
	PrivateKey *rsa.PrivateKey
}

// InternalStage uploads files with a PUT statement over a Snowflake connection.
type InternalStage struct {
	db     *sql.DB
	stage  string
	logger logger.Logger
}

// OpenInternalStage opens a key-pair authenticated connection. The connection
// is established lazily by database/sql on the first upload.
func OpenInternalStage(parentLogger logger.Logger, config InternalConfig) (*InternalStage, error) {
	dsn, err := gosnowflake.DSN(&gosnowflake.Config{
		Account:       config.Account,
		Host:          config.Host,
		User:          config.User,
		Role:          config.Role,
		Warehouse:     config.Warehouse,
		Database:      config.Database,
		Schema:        config.Schema,
		Authenticator: gosnowflake.AuthTypeJwt,
		PrivateKey:    config.PrivateKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build snowflake DSN: %w", err)
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open snowflake connection: %w", err)
	}
	return NewInternalStage(parentLogger, db, config.Stage), nil
}

func NewInternalStage(parentLogger logger.Logger, db *sql.DB, stage string) *InternalStage {
	return &InternalStage{
		db:    db,
		stage: strings.TrimPrefix(stage, "@"),
		logger: parentLogger.WithFields(logger.Fields{
			logging.LabelComponent: "InternalStage",
			"stage":                stage,
		}),
	}
}

// PutStatement builds the PUT for one local gzip file. The file is already
// compressed, so the server must not compress it again.
func (s *InternalStage) PutStatement(localPath string) (string, error) {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	uri := "file://" + filepath.ToSlash(abs)
	return fmt.Sprintf("PUT '%s' @%s OVERWRITE = TRUE AUTO_COMPRESS = FALSE SOURCE_COMPRESSION = GZIP",
		strings.ReplaceAll(uri, "'", `\'`), s.stage), nil
}

func (s *InternalStage) Upload(ctx context.Context, localPath string) (logging.UploadResult, error) {
	statement, err := s.PutStatement(localPath)
	if err != nil {
		return logging.UploadResult{}, fmt.Errorf("failed to resolve %s: %w", localPath, err)
	}

	rows, err := s.db.QueryContext(ctx, statement)
	if err != nil {
		return logging.UploadResult{}, fmt.Errorf("failed to run PUT: %w", err)
	}
	defer rows.Close()

	row, err := readPutRow(rows)
	if err != nil {
		return logging.UploadResult{}, err
	}

	if status := row["status"]; status != "" && !strings.EqualFold(status, "UPLOADED") && !strings.EqualFold(status, "SKIPPED") {
		return logging.UploadResult{}, fmt.Errorf("PUT finished with status %s: %s", status, row["message"])
	}

	target := row["target"]
	if target == "" {
		target = filepath.Base(localPath)
	}
	size, err := strconv.ParseInt(row["target_size"], 10, 64)
	if err != nil {
		return logging.UploadResult{}, fmt.Errorf("unexpected target_size %q: %w", row["target_size"], err)
	}

	s.logger.Infof("PUT %s as %s (%d bytes)", localPath, target, size)
	return logging.UploadResult{RemotePath: target, RemoteSizeBytes: size}, nil
}

func (s *InternalStage) Close() error {
	return s.db.Close()
}

// readPutRow returns the first result row keyed by lower-cased column name.
// The driver's column set has changed between versions, so positions are only
// used when the names are missing.
func readPutRow(rows *sql.Rows) (map[string]string, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read PUT columns: %w", err)
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read PUT result: %w", err)
		}
		return nil, fmt.Errorf("PUT returned no rows")
	}

	values := make([]sql.NullString, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to scan PUT result: %w", err)
	}

	row := make(map[string]string, len(columns))
	for i, name := range columns {
		row[strings.ToLower(name)] = values[i].String
	}
	if _, ok := row["target"]; !ok && len(values) > 3 {
		row["target"] = values[1].String
		row["target_size"] = values[3].String
	}
	return row, nil
}
