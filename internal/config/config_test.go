package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
database:
  driver: memory
redis:
  host: localhost
storage:
  driver: memory
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "grade-publisher", cfg.App.Name)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "grade_publishing", cfg.Redis.PublishQueue)
	assert.Equal(t, "gradebook_exports", cfg.Redis.ExportQueue)
	assert.Equal(t, "grade_publishing:expiry", cfg.Redis.ExpirySchedule)
	assert.Equal(t, ":dlq", cfg.Redis.DLQSuffix)
	assert.Equal(t, "gradebook_exports", cfg.Storage.ExportPrefix)
	assert.Equal(t, "instructure_csv", cfg.Publishing.FormatType)
	assert.Equal(t, 15*time.Second, cfg.Publishing.PostTimeout)
	assert.Equal(t, 30*time.Second, cfg.Publishing.ExpiryPollInterval)
	assert.Equal(t, 4, cfg.Workers.Publish.Count)
	assert.Equal(t, 2, cfg.Workers.Export.Count)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
}

func TestParsePublishing(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig + `
publishing:
  enabled: true
  publish_endpoint: https://sis.example.edu/grades
  success_timeout_seconds: 600
  wait_for_success: true
  post_timeout: 5s
  auth:
    auth_endpoint: https://sis.example.edu/token
    username: canvas
`))
	require.NoError(t, err)

	assert.True(t, cfg.Publishing.Enabled)
	assert.Equal(t, 600, cfg.Publishing.SuccessTimeoutSeconds)
	assert.Equal(t, 5*time.Second, cfg.Publishing.PostTimeout)
	assert.Equal(t, "canvas", cfg.Publishing.Auth.Username)
}

func TestParsePasswordFromEnv(t *testing.T) {
	t.Setenv("SIS_PASSWORD", "s3cret")
	t.Setenv("DATABASE_PASSWORD", "dbpass")

	cfg, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Publishing.Auth.Password)
	assert.Equal(t, "dbpass", cfg.Database.Password)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed", "database: ["},
		{"mysql without host", "database:\n  driver: mysql\n  name: grades\nredis:\n  host: localhost\nstorage:\n  driver: memory\n"},
		{"missing redis", "database:\n  driver: memory\nstorage:\n  driver: memory\n"},
		{"s3 without bucket", "database:\n  driver: memory\nredis:\n  host: localhost\n"},
		{"bad endpoint", minimalConfig + "publishing:\n  publish_endpoint: not a url\n"},
		{"auth without username", minimalConfig + "publishing:\n  auth:\n    auth_endpoint: https://sis.example.edu/token\n"},
		{"bad log format", minimalConfig + "logging:\n  format: xml\n"},
		{"negative expiry interval", minimalConfig + "publishing:\n  expiry_poll_interval: -1s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg, err := Parse([]byte("database:\n  driver: mysql\n  host: db\n  user: app\n  password: pw\n  name: grades\nredis:\n  host: localhost\nstorage:\n  driver: memory\n"))
	require.NoError(t, err)

	assert.Equal(t, "app:pw@tcp(db:3306)/grades?charset=utf8mb4&parseTime=true&loc=UTC&multiStatements=true", cfg.DatabaseDSN())
}
