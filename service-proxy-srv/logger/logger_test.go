package logger

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// captureOutput captures log output during test execution
func captureOutput(f func()) string {
	old := Writer()
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(old)

	f()
	return buf.String()
}

func TestSetLevel(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	for _, level := range []LogLevel{TRACE, DEBUG, INFO, WARN, ERROR, FATAL} {
		t.Run(level.String(), func(t *testing.T) {
			SetLevel(level)
			assert.Equal(t, level, GetLevel())
		})
	}
}

func TestGetLevelFromString(t *testing.T) {
	tests := []struct {
		name          string
		levelStr      string
		expectedLevel LogLevel
	}{
		{"trace level", "TRACE", TRACE},
		{"debug level", "DEBUG", DEBUG},
		{"info level", "INFO", INFO},
		{"warn level", "WARN", WARN},
		{"warning alias", "warning", WARN},
		{"error level", "ERROR", ERROR},
		{"fatal level", "FATAL", FATAL},
		{"lowercase debug", "debug", DEBUG},
		{"padded", "  error ", ERROR},
		{"unknown level", "UNKNOWN", INFO},
		{"empty string", "", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedLevel, GetLevelFromString(tt.levelStr))
		})
	}
}

func TestLevelToString(t *testing.T) {
	assert.Equal(t, "DEBUG", levelToString(DEBUG))
	assert.Equal(t, "WARN", WARN.String())
	assert.Equal(t, "UNKNOWN", levelToString(LogLevel(99)))
}

func TestLogLevelFiltering(t *testing.T) {
	tests := []struct {
		name            string
		currentLevel    LogLevel
		logFunc         func(string, ...any)
		shouldBePrinted bool
	}{
		{"debug with debug level", DEBUG, Debug, true},
		{"trace with debug level", DEBUG, Trace, false},
		{"info with info level", INFO, Info, true},
		{"debug with info level", INFO, Debug, false},
		{"warn with warn level", WARN, Warn, true},
		{"info with warn level", WARN, Info, false},
		{"error with error level", ERROR, Error, true},
		{"warn with error level", ERROR, Warn, false},
	}

	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLevel(tt.currentLevel)
			output := captureOutput(func() {
				tt.logFunc("test message")
			})
			if tt.shouldBePrinted {
				assert.Contains(t, output, "test message")
			} else {
				assert.Empty(t, output)
			}
		})
	}
}

func TestLogFormatting(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)
	SetLevel(DEBUG)

	output := captureOutput(func() {
		Error("error: %v, code: %d", fmt.Errorf("test error"), 502)
	})

	assert.Contains(t, output, "[ERROR]")
	assert.Contains(t, output, "error: test error, code: 502")
}

func TestFatalExits(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)
	SetLevel(INFO)

	var code int
	oldExit := exitFunc
	exitFunc = func(c int) { code = c }
	defer func() { exitFunc = oldExit }()

	output := captureOutput(func() {
		Fatal("cannot bind %s", ":9095")
	})

	assert.Equal(t, 1, code)
	assert.Contains(t, output, "[FATAL] cannot bind :9095")
}

func TestStdLogger(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)
	SetLevel(INFO)

	output := captureOutput(func() {
		l := StdLogger(WARN)
		l.Printf("http: TLS handshake error from %s: EOF", "127.0.0.1:5555")
	})

	assert.Contains(t, output, "[WARN] http: TLS handshake error from 127.0.0.1:5555: EOF")
	assert.False(t, strings.HasSuffix(strings.TrimRight(output, "\n"), "\n"))

	SetLevel(ERROR)
	output = captureOutput(func() {
		StdLogger(WARN).Print("suppressed")
	})
	assert.Empty(t, output)
}

func TestWithRequestID(t *testing.T) {
	assert.Equal(t, "[12345] Test message arg", WithRequestID("12345", "Test message %s", "arg"))
	assert.Equal(t, "[] Test message arg", WithRequestID("", "Test message %s", "arg"))
}
