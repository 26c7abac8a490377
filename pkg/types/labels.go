package types

import "strings"

// IDLabelPrefix prefixes the idempotency label carrying the local id on
// every record almsync creates in the tracker
const IDLabelPrefix = "almsync-id-"

// DefaultLabels are attached to every record almsync creates
var DefaultLabels = []string{"automated-testing", "healthcare-compliance"}

// IDLabel returns the idempotency label for a local id
func IDLabel(localID string) string {
	return IDLabelPrefix + localID
}

// LocalIDFromLabels returns the local id carried by an idempotency label, if any
func LocalIDFromLabels(labels []string) (string, bool) {
	for _, l := range labels {
		if strings.HasPrefix(l, IDLabelPrefix) && len(l) > len(IDLabelPrefix) {
			return strings.TrimPrefix(l, IDLabelPrefix), true
		}
	}
	return "", false
}

// SystemLabel reports whether a label was added by almsync rather than
// naming a regulation
func SystemLabel(label string) bool {
	switch label {
	case "automated-testing", "healthcare-compliance", "test-failure":
		return true
	}
	return strings.HasPrefix(label, IDLabelPrefix)
}
