package log

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	level    Level
	function string
	file     string
	line     uint
	message  string
}

func TestCallbackLevels(t *testing.T) {
	var got []record
	require.True(t, SetCallback(func(level Level, function, file string, line uint, message string) {
		got = append(got, record{level, function, file, line, message})
	}, LevelInfo))
	defer SetCallback(nil, LevelOff)

	Debugf("dropped %d", 1)
	Infof("kept %d", 2)
	Errorf("kept %s", "too")

	require.Len(t, got, 2)
	assert.Equal(t, LevelInfo, got[0].level)
	assert.Equal(t, "kept 2", got[0].message)
	assert.Equal(t, "log_test.go", got[0].file)
	assert.Contains(t, got[0].function, "TestCallbackLevels")
	assert.NotZero(t, got[0].line)

	// 清除回调后不再转发
	SetCallback(nil, LevelTrace)
	Errorf("nobody listens")
	assert.Len(t, got, 2)

	assert.False(t, SetCallback(nil, Level(42)))
}

func TestLogrusCallback(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	SetCallback(LogrusCallback(logger), LevelDebug)
	defer SetCallback(nil, LevelOff)

	Warnf("ruleset %s loaded", "v1")
	assert.Contains(t, buf.String(), "ruleset v1 loaded")
	assert.Contains(t, buf.String(), "component=waf")
	assert.Contains(t, buf.String(), "level=warning")
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("WARN")
	assert.NoError(t, err)
	assert.Equal(t, LevelWarn, level)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}
