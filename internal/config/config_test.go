package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizroom/internal/config"
)

type sample struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Addrs  []string
		Prefix string
	}

	Quiz struct {
		CacheTTL time.Duration
	}

	Engine struct {
		MinRatio float64
	}
}

func defaults() sample {
	var s sample
	s.HTTP.Port = 8080
	s.Redis.Prefix = "quizroom"
	s.Quiz.CacheTTL = time.Minute
	s.Engine.MinRatio = 0.5
	return s
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad(t *testing.T) {
	tests := map[string]struct {
		arrange func(t *testing.T) string
		assert  func(t *testing.T, got sample, err error)
	}{
		"should keep defaults when neither file nor env sets a key": {
			arrange: func(t *testing.T) string {
				return ""
			},
			assert: func(t *testing.T, got sample, err error) {
				require.NoError(t, err)
				assert.Equal(t, defaults(), got)
			},
		},

		"should override defaults with the file": {
			arrange: func(t *testing.T) string {
				return writeFile(t, `
http:
  port: 9090
redis:
  addrs: ["10.0.0.1:6379", "10.0.0.2:6379"]
quiz:
  cachettl: 30s
`)
			},
			assert: func(t *testing.T, got sample, err error) {
				require.NoError(t, err)
				assert.EqualValues(t, 9090, got.HTTP.Port)
				assert.Equal(t, []string{"10.0.0.1:6379", "10.0.0.2:6379"}, got.Redis.Addrs)
				assert.Equal(t, 30*time.Second, got.Quiz.CacheTTL)
				assert.Equal(t, "quizroom", got.Redis.Prefix, "keys absent from the file keep their default")
			},
		},

		"should override the file with env": {
			arrange: func(t *testing.T) string {
				t.Setenv("HTTP_PORT", "7070")
				t.Setenv("ENGINE_MINRATIO", "0.25")
				return writeFile(t, "http:\n  port: 9090\n")
			},
			assert: func(t *testing.T, got sample, err error) {
				require.NoError(t, err)
				assert.EqualValues(t, 7070, got.HTTP.Port)
				assert.Equal(t, 0.25, got.Engine.MinRatio)
			},
		},

		"should fail on a missing file": {
			arrange: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "nope.yaml")
			},
			assert: func(t *testing.T, _ sample, err error) {
				assert.Error(t, err)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			file := tt.arrange(t)

			got := defaults()
			err := config.Load(file, &got)

			tt.assert(t, got, err)
		})
	}
}
