package model

import (
	"math"
	"testing"
)

func TestParseActivityInfo(t *testing.T) {
	stats, err := ParseActivityInfo("Sleep:10:2:80:8,,Cook:5.0:0:90:5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 activities, got %d", len(stats))
	}
	if stats["Sleep"] != (ConfusionCounts{TP: 10, FP: 2, TN: 80, FN: 8}) {
		t.Fatalf("unexpected sleep counts: %+v", stats["Sleep"])
	}
	if stats["Cook"].TP != 5 {
		t.Fatalf("unexpected cook counts: %+v", stats["Cook"])
	}
	if got := FormatActivityInfo(stats); got != "Cook:5:0:90:5,Sleep:10:2:80:8" {
		t.Fatalf("unexpected formatted info: %s", got)
	}
}

func TestParseActivityInfoRejectsShortEntry(t *testing.T) {
	if _, err := ParseActivityInfo("Sleep:1:2:3"); err == nil {
		t.Fatal("expected error for short entry")
	}
	if _, err := ParseActivityInfo(":1:2:3:4"); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestConfusionCountsAccuracy(t *testing.T) {
	c := ConfusionCounts{TP: 8, FN: 2, FP: 1, TN: 9}
	// tpr 0.8, fpr 0.1
	if got := c.Accuracy(); math.Abs(got-70) > 1e-9 {
		t.Fatalf("expected 70, got %v", got)
	}
	if got := (ConfusionCounts{}).Accuracy(); got != 0 {
		t.Fatalf("expected 0 for empty counts, got %v", got)
	}
}

func TestManagerConfigKeyDistinguishesRates(t *testing.T) {
	a := ManagerConfig{Population: 30, MutationRate: 0.005, SurvivalRate: 0.1, ReproductionRate: 0.25}
	b := a
	b.MutationRate = 0.01
	if a.Key() == b.Key() {
		t.Fatal("expected different keys for different mutation rates")
	}
	if c := a; c.Key() != a.Key() {
		t.Fatal("expected stable key")
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	b.Population = 0
	if err := b.Validate(); err == nil {
		t.Fatal("expected validation error for zero population")
	}
}
