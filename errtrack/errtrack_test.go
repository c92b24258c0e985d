package errtrack

import (
	"bytes"
	"errors"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auto_feed_publisher/config"
)

func TestInitWithoutDSNDisables(t *testing.T) {
	require.NoError(t, Init(config.SentryConfig{}))
	assert.False(t, IsEnabled())

	CaptureError(errors.New("ignored"), map[string]interface{}{"k": "v"})
	CaptureMessage("ignored", nil)
	assert.True(t, Flush(0))
}

func TestInitRejectsMalformedDSN(t *testing.T) {
	err := Init(config.SentryConfig{DSN: "not a dsn"})
	assert.Error(t, err)
	assert.False(t, IsEnabled())
}

func TestRecoverReportsPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	var got error
	func() {
		defer Recover(logger, "unit", func(err error) { got = err })
		panic("boom")
	}()

	require.Error(t, got)
	assert.Equal(t, "panic in unit: boom", got.Error())
	assert.Contains(t, buf.String(), "Panic recovered in unit: boom")
}

func TestSafeGoSurvivesPanic(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	SafeGo(log.New(&bytes.Buffer{}, "", 0), "worker", func() {
		defer wg.Done()
		panic("worker failed")
	})
	wg.Wait()
}
