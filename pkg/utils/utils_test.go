package utils

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIDPrefixesAndUniqueness(t *testing.T) {
	cases := []struct {
		gen    func() string
		prefix string
	}{
		{NewOrderID, "O-"},
		{NewTradeID, "T-"},
		{NewSubscriberID, "S-"},
	}
	for _, c := range cases {
		a, b := c.gen(), c.gen()
		if !strings.HasPrefix(a, c.prefix) {
			t.Errorf("expected prefix %s, got %s", c.prefix, a)
		}
		if a == b {
			t.Errorf("consecutive IDs must differ, got %s twice", a)
		}
	}
}

func TestRetryWithBackoffStopsOnSuccess(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(5, time.Microsecond, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryWithBackoffExhaustsAttempts(t *testing.T) {
	want := errors.New("persistent")
	attempts := 0
	err := RetryWithBackoff(3, time.Microsecond, time.Millisecond, func() error {
		attempts++
		return want
	})
	if err != want {
		t.Errorf("expected last error back, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRandDurationBounds(t *testing.T) {
	if RandDuration(0) != 0 {
		t.Error("non-positive max must yield zero")
	}
	max := 50 * time.Millisecond
	for i := 0; i < 100; i++ {
		d := RandDuration(max)
		if d < 0 || d >= max {
			t.Fatalf("duration %v outside [0, %v)", d, max)
		}
	}
}
