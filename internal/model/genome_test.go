package model

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseGenomeCanonicalString(t *testing.T) {
	g, err := ParseGenome("0100110")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if g.Len() != 7 {
		t.Fatalf("expected length 7, got %d", g.Len())
	}
	if g.SensorCount() != 3 {
		t.Fatalf("expected 3 sensors, got %d", g.SensorCount())
	}
	if got := g.String(); got != "0100110" {
		t.Fatalf("unexpected canonical string: %s", got)
	}
	want := []int{1, 4, 5}
	got := g.Sensors()
	if len(got) != len(want) {
		t.Fatalf("unexpected sensors: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected sensors: %v", got)
		}
	}
}

func TestParseGenomeRejectsGarbage(t *testing.T) {
	if _, err := ParseGenome("01x1"); !errors.Is(err, ErrMalformedGenome) {
		t.Fatalf("expected malformed genome error, got %v", err)
	}
}

func TestGenomeMutatorsIgnoreOutOfRange(t *testing.T) {
	g := NewGenome(4)
	g.Set(0)
	g.Set(4)
	g.Flip(-1)
	g.Flip(3)
	if g.String() != "1001" {
		t.Fatalf("unexpected genome: %s", g)
	}
	g.Clear(0)
	if g.Test(0) || !g.Test(3) || g.Test(10) {
		t.Fatalf("unexpected bits: %s", g)
	}
}

func TestGenomeCloneIsIndependent(t *testing.T) {
	g := NewGenome(5)
	g.Set(2)
	clone := g.Clone()
	clone.Set(4)
	if g.Test(4) {
		t.Fatal("clone shares storage with original")
	}
	if g.Equal(clone) {
		t.Fatal("expected genomes to differ")
	}
	clone.Clear(4)
	if !g.Equal(clone) {
		t.Fatal("expected genomes to match")
	}
}

func TestGenomeJSONUsesCanonicalString(t *testing.T) {
	g, _ := ParseGenome("0011")
	data, err := json.Marshal(struct {
		Genome Genome `json:"genome"`
	}{g})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"genome":"0011"}` {
		t.Fatalf("unexpected json: %s", data)
	}
}
