package device

// Admission is the admission-control classification of a scanned device.
// It is advisory: the core surfaces it but does not enforce it.
type Admission uint8

const (
	// AdmissionUnknown - the bus exposes no estimates for this device.
	AdmissionUnknown Admission = iota

	// AdmissionWithinBudget - cumulative estimates fit the bus budget.
	AdmissionWithinBudget

	// AdmissionOverBudget - admitting the device exceeds the bus budget.
	AdmissionOverBudget
)

// String returns the admission name.
func (a Admission) String() string {
	switch a {
	case AdmissionWithinBudget:
		return "WITHIN_BUDGET"
	case AdmissionOverBudget:
		return "OVER_BUDGET"
	default:
		return "UNKNOWN"
	}
}

// Budget is the power and bandwidth a bus can supply. Zero fields are
// unlimited.
type Budget struct {
	PowerMW       uint32
	BandwidthMbps uint32
}

// Classify assigns an admission class to each device in order, accumulating
// power and bandwidth across the devices admitted so far. Over-budget
// devices do not consume budget.
func Classify(devices []Device, budget Budget) map[string]Admission {
	out := make(map[string]Admission, len(devices))
	var power, bandwidth uint64

	for _, d := range devices {
		if d.PowerMW == 0 && d.BandwidthMbps == 0 {
			out[d.ID] = AdmissionUnknown
			continue
		}
		p := power + uint64(d.PowerMW)
		b := bandwidth + uint64(d.BandwidthMbps)
		if (budget.PowerMW != 0 && p > uint64(budget.PowerMW)) ||
			(budget.BandwidthMbps != 0 && b > uint64(budget.BandwidthMbps)) {
			out[d.ID] = AdmissionOverBudget
			continue
		}
		power, bandwidth = p, b
		out[d.ID] = AdmissionWithinBudget
	}
	return out
}
