package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gladys-project/gladys/pkg/config"
)

func TestNewServiceAppliesDefaults(t *testing.T) {
	svc := NewService(config.RetentionConfig{}, nil, nil)
	assert.Equal(t, time.Hour, svc.cfg.SweepInterval)
	assert.Equal(t, 500, svc.cfg.ArchiveBatchSize)
	assert.NotNil(t, svc.logger)
}

func TestRunAllSkipsSweepsWhenRetentionDisabled(t *testing.T) {
	// db is nil; both sweeps must short-circuit on the <=0 guard before ever
	// touching it, otherwise this test would panic on a nil pointer deref.
	svc := NewService(config.RetentionConfig{EpisodeRetention: 0, FeedbackTTL: 0}, nil, nil)
	assert.NotPanics(t, func() {
		svc.runAll(context.Background())
	})
}

func TestStartStopLifecycle(t *testing.T) {
	svc := NewService(config.RetentionConfig{SweepInterval: time.Hour}, nil, nil)
	stop := svc.Start(context.Background())
	stop()
	// a second Stop call must not block or panic
	assert.NotPanics(t, func() {
		svc.Stop()
	})
}

func TestStartIsIdempotent(t *testing.T) {
	svc := NewService(config.RetentionConfig{SweepInterval: time.Hour}, nil, nil)
	stop1 := svc.Start(context.Background())
	stop2 := svc.Start(context.Background())
	stop1()
	assert.NotPanics(t, func() {
		stop2()
	})
}
