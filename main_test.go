package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type slowResumer struct {
	release chan struct{}
	calls   chan struct{}
	err     error
}

func (s *slowResumer) ResumeStalled(ctx context.Context) (int, error) {
	close(s.calls)
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return 2, s.err
}

func TestResumeInBackgroundDoesNotBlockStartup(t *testing.T) {
	r := &slowResumer{release: make(chan struct{}), calls: make(chan struct{})}

	started := time.Now()
	done := resumeInBackground(context.Background(), r)
	assert.Less(t, time.Since(started), 100*time.Millisecond)

	select {
	case <-r.calls:
	case <-time.After(time.Second):
		t.Fatal("resume never ran")
	}
	select {
	case <-done:
		t.Fatal("resume finished before its rounds did")
	default:
	}

	close(r.release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("resume did not finish")
	}
}

func TestResumeInBackgroundSurvivesErrors(t *testing.T) {
	r := &slowResumer{release: make(chan struct{}), calls: make(chan struct{}), err: errors.New("db down")}
	close(r.release)
	select {
	case <-resumeInBackground(context.Background(), r):
	case <-time.After(time.Second):
		t.Fatal("resume did not finish")
	}
}
