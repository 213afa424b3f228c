package model

import (
	"encoding/json"
	"testing"
)

func TestMeasureUnmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    Measure
		wantErr bool
	}{
		{`72`, 72, false},
		{`36.6`, 36.6, false},
		{`"118 bpm"`, 118, false},
		{`"89%"`, 89, false},
		{`"38,5 °C"`, 38.5, false},
		{`"about 20/min"`, 20, false},
		{`"unknown"`, 0, false},
		{`null`, 0, false},
		{`true`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var m Measure
			err := json.Unmarshal([]byte(tt.in), &m)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal(%s) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && m != tt.want {
				t.Errorf("Unmarshal(%s) = %v, want %v", tt.in, m, tt.want)
			}
		})
	}

	data, err := json.Marshal(Vitals{HeartRate: 118})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Vitals
	if err := json.Unmarshal(data, &back); err != nil || back.HeartRate != 118 {
		t.Errorf("round trip: %v, %+v", err, back)
	}
}
