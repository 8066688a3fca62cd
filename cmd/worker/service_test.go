package main

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeConsumer struct {
	err   error
	block bool
}

func (f *fakeConsumer) Run(ctx context.Context) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func newTestWorker(t *testing.T, db pinger, c consumer) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Logger:   logger.New(logger.Options{ServiceName: "worker-test", Output: io.Discard}),
		DB:       db,
		Redis:    fakePinger{},
		PubSub:   fakePinger{},
		Consumer: c,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestRunFailsWhenDependencyIsDown(t *testing.T) {
	consumer := &fakeConsumer{}
	svc := newTestWorker(t, fakePinger{err: errors.New("connection refused")}, consumer)
	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("expected readiness error")
	}
}

func TestRunReturnsConsumerError(t *testing.T) {
	svc := newTestWorker(t, fakePinger{}, &fakeConsumer{err: errors.New("subscription deleted")})
	err := svc.Run(context.Background())
	if err == nil || err.Error() != "subscription deleted" {
		t.Fatalf("expected consumer error, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	svc := newTestWorker(t, fakePinger{}, &fakeConsumer{block: true})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := svc.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNewServiceRequiresConsumer(t *testing.T) {
	_, err := NewService(ServiceParams{
		Logger: logger.New(logger.Options{ServiceName: "worker-test", Output: io.Discard}),
		DB:     fakePinger{},
		Redis:  fakePinger{},
		PubSub: fakePinger{},
	})
	if err == nil {
		t.Fatal("expected error")
	}
}
