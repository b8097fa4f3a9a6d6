package acton

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"1h", time.Hour, false},
		{"250", 250 * time.Millisecond, false},
		{"-5s", 0, true},
		{"0", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := parseInterval(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseInterval(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("parseInterval(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestParseInstant(t *testing.T) {
	if got, err := parseInstant("2026-01-02T15:04:05Z"); err != nil || got.Year() != 2026 {
		t.Errorf("RFC 3339 not parsed: %v, %v", got, err)
	}
	if got, err := parseInstant("1700000000"); err != nil || got.Unix() != 1700000000 {
		t.Errorf("unix seconds not parsed: %v, %v", got, err)
	}
	if _, err := parseInstant("tomorrow"); err == nil {
		t.Errorf("expected error for bad instant")
	}
}

func TestLocalBackendRejectsBadSchedules(t *testing.T) {
	b := NewLocalBackend()
	defer b.Close()

	var invalid *ErrInvalidInput
	cases := []Trigger{
		{TriggerID: "t", ScheduleMode: ScheduleCron, ScheduleValue: "not a cron"},
		{TriggerID: "t", ScheduleMode: ScheduleFixedRate, ScheduleValue: "??"},
		{TriggerID: "t", ScheduleMode: ScheduleFixedDelay, ScheduleValue: "-1s"},
		{TriggerID: "t", ScheduleMode: ScheduleOneTime, ScheduleValue: "whenever"},
		{TriggerID: "t", ScheduleMode: "YEARLY"},
	}
	for _, trig := range cases {
		_, err := b.Schedule(context.Background(), trig, func(context.Context) {})
		if !errors.As(err, &invalid) {
			t.Errorf("mode %s value %q: expected invalid input, got %v", trig.ScheduleMode, trig.ScheduleValue, err)
		}
	}
}

func TestLocalBackendFixedRateFires(t *testing.T) {
	b := NewLocalBackend()
	defer b.Close()

	var fired atomic.Int32
	taskID, err := b.Schedule(context.Background(),
		Trigger{TriggerID: "t", ScheduleMode: ScheduleFixedRate, ScheduleValue: "20ms"},
		func(context.Context) { fired.Add(1) })
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for fired.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 2 firings, got %d", fired.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := b.Cancel(context.Background(), taskID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	after := fired.Load()
	time.Sleep(80 * time.Millisecond)
	// Allow one in-flight firing that raced the cancel.
	if fired.Load() > after+1 {
		t.Errorf("task kept firing after cancel: %d -> %d", after, fired.Load())
	}
}

func TestLocalBackendOneTimePastInstantFiresNow(t *testing.T) {
	b := NewLocalBackend()
	defer b.Close()

	done := make(chan struct{})
	_, err := b.Schedule(context.Background(),
		Trigger{TriggerID: "t", ScheduleMode: ScheduleOneTime, ScheduleValue: "2020-01-01T00:00:00Z"},
		func(context.Context) { close(done) })
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("past one-time trigger never fired")
	}
}

func TestLocalBackendFixedDelayWaitsForCompletion(t *testing.T) {
	b := NewLocalBackend()
	defer b.Close()

	var fired atomic.Int32
	taskID, err := b.Schedule(context.Background(),
		Trigger{TriggerID: "t", ScheduleMode: ScheduleFixedDelay, ScheduleValue: "30ms"},
		func(context.Context) {
			fired.Add(1)
			time.Sleep(50 * time.Millisecond)
		})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	defer b.Cancel(context.Background(), taskID)

	// delay + run + delay: two firings need at least 110ms, so after 100ms
	// at most two can have started.
	time.Sleep(100 * time.Millisecond)
	if n := fired.Load(); n < 1 || n > 2 {
		t.Errorf("unexpected firing count %d", n)
	}
}

func TestLocalBackendCancelUnknownTask(t *testing.T) {
	b := NewLocalBackend()
	defer b.Close()
	if err := b.Cancel(context.Background(), "ghost"); err != nil {
		t.Errorf("cancel of unknown task should be a no-op, got %v", err)
	}
}
