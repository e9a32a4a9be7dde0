package scheduler

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nas-ai/shardvault/src/drivers/staging"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	calls  atomic.Int32
	maxAge time.Duration
	err    error
}

func (s *countingSweeper) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	s.calls.Add(1)
	s.maxAge = maxAge
	return 0, s.err
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestStartStagingJanitor_Validation(t *testing.T) {
	_, err := StartStagingJanitor(nil, "", time.Hour, nil)
	assert.Error(t, err)

	_, err = StartStagingJanitor(&countingSweeper{}, "", 0, nil)
	assert.Error(t, err)

	_, err = StartStagingJanitor(&countingSweeper{}, "every tuesday", time.Hour, nil)
	assert.ErrorContains(t, err, "invalid janitor schedule")
}

func TestJanitor_RunOnce(t *testing.T) {
	sweeper := &countingSweeper{}
	j, err := StartStagingJanitor(sweeper, "", 2*time.Hour, quietLogger())
	require.NoError(t, err)
	defer j.Stop()

	assert.Equal(t, defaultSpec, j.schedule)

	j.RunOnce()
	assert.Equal(t, int32(1), sweeper.calls.Load())
	assert.Equal(t, 2*time.Hour, sweeper.maxAge)

	// Failures are logged, not fatal
	sweeper.err = errors.New("read-only filesystem")
	j.RunOnce()
	assert.Equal(t, int32(2), sweeper.calls.Load())
}

func TestJanitor_SweepsStagingArea(t *testing.T) {
	area, err := staging.NewArea(t.TempDir(), 0, quietLogger())
	require.NoError(t, err)

	run, err := area.Open("crashed")
	require.NoError(t, err)
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(run.Dir(), old, old))

	j, err := StartStagingJanitor(area, "0 * * * *", 24*time.Hour, quietLogger())
	require.NoError(t, err)
	defer j.Stop()

	j.RunOnce()

	entries, err := os.ReadDir(area.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, err = os.Stat(filepath.Join(run.Dir()))
	assert.True(t, os.IsNotExist(err))
}
