package rfcomm

import "testing"

func TestNormalizeMAC(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"aa:bb:cc:dd:ee:ff", "AA:BB:CC:DD:EE:FF", false},
		{" 24:0A:C4:12:34:56 ", "24:0A:C4:12:34:56", false},
		{"ESP32_ADDRESS", "", true},
		{"AA:BB:CC:DD:EE", "", true},
		{"AA-BB-CC-DD-EE-FF", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeMAC(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeMAC(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeMAC(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDevicePathRoundTrip(t *testing.T) {
	p := DevicePath("", "24:0a:c4:12:34:56")
	if p != "/org/bluez/hci0/dev_24_0A_C4_12_34_56" {
		t.Errorf("DevicePath() = %q", p)
	}
	if mac := macFromPath(p); mac != "24:0A:C4:12:34:56" {
		t.Errorf("macFromPath() = %q", mac)
	}
	if mac := macFromPath("/org/bluez/hci0"); mac != "" {
		t.Errorf("macFromPath(adapter) = %q, want empty", mac)
	}
}
