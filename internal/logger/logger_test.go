package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("writes JSON with fields", func(t *testing.T) {
		var buf bytes.Buffer
		log := New("debug")
		log.SetOutput(&buf)

		log.WithField("account_id", "a1").Info("credits reserved")

		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "credits reserved", line["msg"])
		assert.Equal(t, "a1", line["account_id"])
		assert.Equal(t, "info", line["level"])
		assert.NotEmpty(t, line["time"])
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		assert.Equal(t, logrus.InfoLevel, New("loud").GetLevel())
		assert.Equal(t, logrus.WarnLevel, New("warn").GetLevel())
	})
}
