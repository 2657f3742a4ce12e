package advisor

import "testing"

func TestSuggest(t *testing.T) {
	cases := []struct {
		name       string
		deviceType string
		req        string
		method     string
		passes     int
	}{
		{"nvme high", "NVMe SSD", "DoD classified material", "Sanitize", 0},
		{"nvme default", "NVMe SSD", "internal reuse", "Secure Erase", 0},
		{"sata high", "SATA SSD", "top secret project data", "Sanitize", 0},
		{"sata default", "SATA SSD", "", "Secure Erase", 0},
		{"usb high", "USB", "military deployment", "DoD 5220.22-M (7-pass)", 7},
		{"usb default", "USB", "old photos", "Standard (3-pass)", 3},
		{"hdd high", "HDD", "classified", "DoD 5220.22-M (7-pass)", 7},
		{"hdd medium", "HDD", "HIPAA patient records", "Standard (3-pass)", 3},
		{"hdd low", "HDD", "scratch disk", "Quick Wipe (1-pass)", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Suggest(tc.deviceType, tc.req)
			if got.WipeMethod != tc.method {
				t.Fatalf("method = %q, want %q", got.WipeMethod, tc.method)
			}
			if tc.passes == 0 {
				if got.Passes != nil {
					t.Fatalf("passes = %d, want nil", *got.Passes)
				}
			} else if got.Passes == nil || *got.Passes != tc.passes {
				t.Fatalf("passes = %v, want %d", got.Passes, tc.passes)
			}
			if got.Notes == "" {
				t.Fatalf("empty notes")
			}
		})
	}
}
