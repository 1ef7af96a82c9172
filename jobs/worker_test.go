package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streadway/amqp"

	"github.com/brunobiangulo/clinicalfacts/logger"
)

type ackCall struct {
	ack, requeue bool
}

type acknowledgerMock struct {
	mu    sync.Mutex
	calls []ackCall
}

func (m *acknowledgerMock) Ack(tag uint64, multiple bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, ackCall{ack: true})
	return nil
}

func (m *acknowledgerMock) Nack(tag uint64, multiple, requeue bool) error {
	return m.Reject(tag, requeue)
}

func (m *acknowledgerMock) Reject(tag uint64, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, ackCall{requeue: requeue})
	return nil
}

func (m *acknowledgerMock) only(t *testing.T) ackCall {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) != 1 {
		t.Fatalf("acknowledger calls = %+v, want exactly one", m.calls)
	}
	return m.calls[0]
}

func newWorker(r Runner, n int) *Worker {
	w := NewWorker(r, n)
	w.log = logger.Nop()
	return w
}

const validBody = `{"kind":"triples","source":"s3://bucket/visit.pdf","patient_id":7}`

func TestHandle(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		redelivered bool
		runErr      error
		wantRun     bool
		want        ackCall
	}{
		{"success", validBody, false, nil, true, ackCall{ack: true}},
		{"first failure requeues", validBody, false, errors.New("llm down"), true, ackCall{requeue: true}},
		{"second failure drops", validBody, true, errors.New("llm down"), true, ackCall{}},
		{"malformed json", `{"kind":`, false, nil, false, ackCall{}},
		{"unknown kind", `{"kind":"summary","source":"a.txt"}`, false, nil, false, ackCall{}},
		{"invalid job from runner", validBody, false, fmt.Errorf("wrap: %w", ErrInvalidJob), true, ackCall{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ran bool
			var got Job
			w := newWorker(RunnerFunc(func(ctx context.Context, job Job) error {
				ran, got = true, job
				return tt.runErr
			}), 1)
			ack := &acknowledgerMock{}
			d := amqp.Delivery{Acknowledger: ack, Body: []byte(tt.body), Redelivered: tt.redelivered}

			w.handle(context.Background(), &d)

			if ran != tt.wantRun {
				t.Errorf("runner called = %v, want %v", ran, tt.wantRun)
			}
			if ran && (got.Kind != KindTriples || got.PatientID != 7) {
				t.Errorf("job = %+v", got)
			}
			if c := ack.only(t); c != tt.want {
				t.Errorf("ack = %+v, want %+v", c, tt.want)
			}
		})
	}
}

func TestRunBoundsConcurrencyAndDrains(t *testing.T) {
	var inFlight, peak, done int32
	w := newWorker(RunnerFunc(func(ctx context.Context, job Job) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		atomic.AddInt32(&done, 1)
		return nil
	}), 2)

	deliveries := make(chan amqp.Delivery, 6)
	acks := make([]*acknowledgerMock, 6)
	for i := range acks {
		acks[i] = &acknowledgerMock{}
		deliveries <- amqp.Delivery{Acknowledger: acks[i], Body: []byte(validBody)}
	}
	close(deliveries)

	if err := w.Run(context.Background(), deliveries); err != nil {
		t.Fatal(err)
	}
	if done != 6 {
		t.Errorf("done = %d, want 6", done)
	}
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
	for _, a := range acks {
		if c := a.only(t); !c.ack {
			t.Errorf("delivery not acked: %+v", c)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	w := newWorker(RunnerFunc(func(ctx context.Context, job Job) error { return nil }), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx, make(chan amqp.Delivery)); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDecode(t *testing.T) {
	job, err := Decode([]byte(`{"kind":"records","source":"visit.pdf","document_id":3,"description":"discharge summary"}`))
	if err != nil {
		t.Fatal(err)
	}
	if job != (Job{Kind: KindRecords, Source: "visit.pdf", DocumentID: 3, Description: "discharge summary"}) {
		t.Errorf("job = %+v", job)
	}
	for _, body := range []string{`[]`, `{"kind":"records"}`, `{"kind":"records","source":"a","document_id":-1}`} {
		if _, err := Decode([]byte(body)); !errors.Is(err, ErrInvalidJob) {
			t.Errorf("Decode(%s) err = %v, want ErrInvalidJob", body, err)
		}
	}
}
