package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
	"go.viam.com/test"
)

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	} {
		lvl, err := ParseLevel(name)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, lvl, test.ShouldEqual, want)
	}

	_, err := ParseLevel("loud")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("detect-api", "debug")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, logger.Desugar().Core().Enabled(zapcore.DebugLevel), test.ShouldBeTrue)

	_, err = NewLogger("detect-api", "loud")
	test.That(t, err, test.ShouldNotBeNil)
}
