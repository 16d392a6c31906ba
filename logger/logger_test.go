package logger

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.InfoLevel, ParseLevel(""))
	assert.Equal(t, logrus.InfoLevel, ParseLevel("verbose"))
	assert.Equal(t, logrus.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, logrus.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, logrus.ErrorLevel, ParseLevel("error"))
}

func TestKeysAndValuesBecomeFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetFormatter(&logrus.JSONFormatter{})
	defer SetFormatter(&logrus.TextFormatter{})

	Info("cycle completed", "replica", "replica-east", "rows", 42)

	out := buf.String()
	assert.Contains(t, out, `"replica":"replica-east"`)
	assert.Contains(t, out, `"rows":42`)
	assert.Contains(t, out, "cycle completed")
}

func TestDanglingKeyIsDropped(t *testing.T) {
	fields := toFields([]any{"key", "value", "dangling"})
	assert.Equal(t, logrus.Fields{"key": "value"}, fields)
}
