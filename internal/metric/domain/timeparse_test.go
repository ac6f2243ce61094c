package domain

import (
	"testing"
	"time"
)

func TestParseTime(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    time.Time
		wantErr bool
	}{
		{"rfc3339 utc", "2025-03-01T12:00:00Z", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), false},
		{"rfc3339 offset", "2025-03-01T13:00:00+01:00", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), false},
		{"fractional", "2025-03-01T12:00:00.250Z", time.Date(2025, 3, 1, 12, 0, 0, 250_000_000, time.UTC), false},
		{"naive is utc", "2025-03-01T12:00:00", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), false},
		{"naive micros", "2025-03-01T12:00:00.123456", time.Date(2025, 3, 1, 12, 0, 0, 123_456_000, time.UTC), false},
		{"space separator", "2025-03-01 12:00:00", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), false},
		{"minutes only", "2025-03-01T12:30", time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC), false},
		{"date only", "2025-03-01", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), false},
		{"padded", "  2025-03-01  ", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), false},
		{"empty", "", time.Time{}, true},
		{"garbage", "yesterday", time.Time{}, true},
		{"bad month", "2025-13-01", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTime(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTime(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("ParseTime(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if !tt.wantErr && got.Location() != time.UTC {
				t.Errorf("location = %v, want UTC", got.Location())
			}
		})
	}
}
