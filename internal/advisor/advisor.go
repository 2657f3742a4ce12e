// Package advisor maps a device type and a free-text security requirement
// to a wipe policy recommendation.
package advisor

import "strings"

type Suggestion struct {
	WipeMethod string `json:"wipe_method"`
	Passes     *int   `json:"passes,omitempty"`
	Notes      string `json:"notes"`
}

func intp(v int) *int { return &v }

// Suggest picks a policy. Flash media get drive-native commands because
// overwrite passes both miss remapped cells and burn write cycles;
// magnetic media get overwrite passes scaled to the stated sensitivity.
func Suggest(deviceType, securityRequirements string) Suggestion {
	req := strings.ToLower(securityRequirements)
	high := strings.Contains(req, "classified") || strings.Contains(req, "top secret") ||
		strings.Contains(req, "dod") || strings.Contains(req, "military") ||
		strings.Contains(req, "high")
	medium := strings.Contains(req, "confidential") || strings.Contains(req, "hipaa") ||
		strings.Contains(req, "pci") || strings.Contains(req, "gdpr") ||
		strings.Contains(req, "medium")

	switch deviceType {
	case "NVMe SSD":
		if high {
			return Suggestion{
				WipeMethod: "Sanitize",
				Notes:      "NVMe sanitize purges all media including remapped blocks and over-provisioned cells, which overwrite passes cannot reach.",
			}
		}
		return Suggestion{
			WipeMethod: "Secure Erase",
			Notes:      "NVMe format with secure erase resets the drive at the controller level; overwrite passes add wear without adding assurance.",
		}
	case "SATA SSD":
		if high {
			return Suggestion{
				WipeMethod: "Sanitize",
				Notes:      "ATA sanitize reaches over-provisioned flash that host writes never see. Prefer it over multi-pass overwrites on SSDs.",
			}
		}
		return Suggestion{
			WipeMethod: "Secure Erase",
			Notes:      "ATA secure erase is the firmware-level wipe for SATA SSDs and completes in minutes regardless of capacity.",
		}
	case "USB":
		if high {
			return Suggestion{
				WipeMethod: "DoD 5220.22-M (7-pass)",
				Passes:     intp(7),
				Notes:      "USB media rarely expose firmware erase commands; a 7-pass overwrite is the strongest option short of physical destruction.",
			}
		}
		return Suggestion{
			WipeMethod: "Standard (3-pass)",
			Passes:     intp(3),
			Notes:      "Three overwrite passes are sufficient for removable flash media without firmware erase support.",
		}
	}

	// Magnetic drives.
	if high {
		return Suggestion{
			WipeMethod: "DoD 5220.22-M (7-pass)",
			Passes:     intp(7),
			Notes:      "Seven overwrite passes satisfy legacy DoD clearing requirements for magnetic platters holding classified material.",
		}
	}
	if medium {
		return Suggestion{
			WipeMethod: "Standard (3-pass)",
			Passes:     intp(3),
			Notes:      "Three passes with a final verify meet common regulatory baselines for magnetic drives holding regulated data.",
		}
	}
	return Suggestion{
		WipeMethod: "Quick Wipe (1-pass)",
		Passes:     intp(1),
		Notes:      "A single zero pass defeats software recovery on modern high-density platters and is the fastest option for low-sensitivity data.",
	}
}
