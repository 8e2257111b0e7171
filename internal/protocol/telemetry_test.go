package protocol

import (
	"errors"
	"testing"
	"time"
)

func TestParseFullFrame(t *testing.T) {
	p := NewParser()
	s, errs := p.Parse("ROLL:1.23,PITCH:-0.45,BATTERY:3.92")
	if len(errs) != 0 {
		t.Fatalf("Parse() errs = %v, want none", errs)
	}
	if s.Roll != 1.23 || s.Pitch != -0.45 || s.Battery != 3.92 {
		t.Errorf("Parse() = %+v, want roll 1.23 pitch -0.45 battery 3.92", s)
	}
	if !s.Has(FieldRoll | FieldPitch | FieldBattery) {
		t.Errorf("Fields = %b, want all set", s.Fields)
	}
}

func TestParseRollRoundTrip(t *testing.T) {
	values := []struct {
		text string
		want float64
	}{
		{"0", 0},
		{"1.23", 1.23},
		{"-17.5", -17.5},
		{"179.99", 179.99},
		{"0.001", 0.001},
		{"-0.0", 0},
		{"1e-3", 0.001},
	}
	for _, v := range values {
		p := NewParser()
		s, errs := p.Parse("ROLL:" + v.text)
		if len(errs) != 0 {
			t.Errorf("Parse(ROLL:%s) errs = %v", v.text, errs)
			continue
		}
		if s.Roll != v.want {
			t.Errorf("Parse(ROLL:%s).Roll = %v, want %v", v.text, s.Roll, v.want)
		}
	}
}

func TestParsePartialFrameKeepsPrevious(t *testing.T) {
	p := NewParser()
	p.Parse("ROLL:5,PITCH:6,BATTERY:3.9")

	s, errs := p.Parse("ROLL:1.23,PITCH:-0.45")
	if len(errs) != 0 {
		t.Fatalf("errs = %v", errs)
	}
	if s.Roll != 1.23 || s.Pitch != -0.45 {
		t.Errorf("roll/pitch = %v/%v, want 1.23/-0.45", s.Roll, s.Pitch)
	}
	if s.Battery != 3.9 {
		t.Errorf("Battery = %v, want unchanged 3.9", s.Battery)
	}
	if s.Carries(FieldBattery) {
		t.Error("sample should not report battery as carried by this frame")
	}
	if !s.Carries(FieldRoll | FieldPitch) {
		t.Errorf("Updated = %b, want roll|pitch", s.Updated)
	}
}

func TestParseFirstFrameLeavesAbsentUndefined(t *testing.T) {
	p := NewParser()
	s, _ := p.Parse("PITCH:2")
	if s.Has(FieldRoll) || s.Has(FieldBattery) {
		t.Errorf("Fields = %b, only pitch should be defined", s.Fields)
	}
	if !s.Has(FieldPitch) {
		t.Error("pitch should be defined")
	}
}

func TestParseMalformedTokenSkipped(t *testing.T) {
	p := NewParser()
	p.Parse("ROLL:7")

	s, errs := p.Parse("ROLL:abc,PITCH:-0.45")
	if s.Pitch != -0.45 {
		t.Errorf("Pitch = %v, want -0.45", s.Pitch)
	}
	if s.Roll != 7 {
		t.Errorf("Roll = %v, want unchanged 7", s.Roll)
	}
	if len(errs) != 1 {
		t.Fatalf("got %d token errors, want 1", len(errs))
	}
	if errs[0].Key != KeyRoll || errs[0].Value != "abc" {
		t.Errorf("token error = %+v, want ROLL/abc", errs[0])
	}
	if !errors.Is(errs[0], ErrBadValue) {
		t.Errorf("token error should wrap ErrBadValue, got %v", errs[0].Err)
	}
}

func TestParseRejectsNonFinite(t *testing.T) {
	p := NewParser()
	for _, v := range []string{"NaN", "Inf", "-Inf", ""} {
		_, errs := p.Parse("BATTERY:" + v)
		if len(errs) != 1 {
			t.Errorf("Parse(BATTERY:%s) errs = %d, want 1", v, len(errs))
		}
	}
	if p.Last().Has(FieldBattery) {
		t.Error("battery should remain undefined after only bad values")
	}
}

func TestParseIgnoresUnknownKeys(t *testing.T) {
	p := NewParser()
	s, errs := p.Parse("ROLL:1.5,L_SERVO:95,R_SERVO:85,garbage,roll:9")
	if len(errs) != 0 {
		t.Fatalf("errs = %v, want none", errs)
	}
	if s.Roll != 1.5 {
		t.Errorf("Roll = %v, want 1.5 (lowercase key must not match)", s.Roll)
	}
	if s.Updated != FieldRoll {
		t.Errorf("Updated = %b, want roll only", s.Updated)
	}
}

func TestParseOrderNotSignificant(t *testing.T) {
	p := NewParser()
	s, _ := p.Parse(" BATTERY:3.7 , PITCH:2 ,ROLL:-1")
	if s.Roll != -1 || s.Pitch != 2 || s.Battery != 3.7 {
		t.Errorf("Parse() = %+v", s)
	}
}

func TestParseTimestampMonotonic(t *testing.T) {
	p := NewParser()
	base := time.Now()
	tick := 0
	p.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	a, _ := p.Parse("ROLL:1")
	b, _ := p.Parse("ROLL:2")
	if !b.Time.After(a.Time) {
		t.Errorf("second sample time %v should be after first %v", b.Time, a.Time)
	}
}

func TestParserReset(t *testing.T) {
	p := NewParser()
	p.Parse("ROLL:1,PITCH:2,BATTERY:4")
	p.Reset()
	s, _ := p.Parse("ROLL:3")
	if s.Has(FieldPitch) || s.Has(FieldBattery) {
		t.Errorf("Fields = %b after Reset, want roll only", s.Fields)
	}
}

func TestLowBattery(t *testing.T) {
	tests := []struct {
		frame string
		want  bool
	}{
		{"BATTERY:3.1", true},
		{"BATTERY:3.5", false},
		{"BATTERY:3.3", false},
		{"ROLL:1", false},
		{"BATTERY:x", false},
	}
	for _, tt := range tests {
		p := NewParser()
		s, _ := p.Parse(tt.frame)
		if got := LowBattery(s, 3.3); got != tt.want {
			t.Errorf("LowBattery(%q) = %v, want %v", tt.frame, got, tt.want)
		}
	}
}

func TestLowBatteryOnlyForCarriedField(t *testing.T) {
	p := NewParser()
	p.Parse("BATTERY:3.0")
	s, _ := p.Parse("ROLL:2")
	if LowBattery(s, 3.3) {
		t.Error("a frame without BATTERY should not re-trigger the advisory")
	}
}
