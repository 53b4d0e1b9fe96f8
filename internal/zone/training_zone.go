package zone

import "fmt"

// Zone is a training zone defined as a band of percent of max heart rate
type Zone int

const (
	ZoneNone Zone = iota // below 50% of max
	Zone1                // 50-60% recovery
	Zone2                // 60-70% fat burning
	Zone3                // 70-80% aerobic
	Zone4                // 80-90% threshold
	Zone5                // 90%+ maximum
)

// Valid max heart rate range accepted by Calculate and Bounds
const (
	MinMaxHR = 100
	MaxMaxHR = 220
)

var zoneNames = map[Zone]string{
	ZoneNone: "None",
	Zone1:    "Zone1",
	Zone2:    "Zone2",
	Zone3:    "Zone3",
	Zone4:    "Zone4",
	Zone5:    "Zone5",
}

var zoneDescriptions = map[Zone]string{
	Zone1: "Recovery",
	Zone2: "Fat Burning",
	Zone3: "Aerobic",
	Zone4: "Threshold",
	Zone5: "Maximum",
}

func (z Zone) String() string {
	if name, ok := zoneNames[z]; ok {
		return name
	}
	return "Unknown"
}

// Description is the human readable purpose of the zone
func (z Zone) Description() string {
	return zoneDescriptions[z]
}

// lower bound of each zone in percent of max heart rate
var zoneLowerPercent = [...]int{0, 50, 60, 70, 80, 90, 100}

func validateMaxHR(maxHR uint16) error {
	if maxHR < MinMaxHR || maxHR > MaxMaxHR {
		return fmt.Errorf("invalid max heart rate %d (must be %d-%d)", maxHR, MinMaxHR, MaxMaxHR)
	}
	return nil
}

// Calculate returns the training zone of bpm for a given max heart rate
func Calculate(bpm float64, maxHR uint16) (Zone, error) {
	if err := validateMaxHR(maxHR); err != nil {
		return ZoneNone, err
	}
	pct := bpm * 100 / float64(maxHR)
	for z := Zone5; z >= Zone1; z-- {
		if pct >= float64(zoneLowerPercent[z]) {
			return z, nil
		}
	}
	return ZoneNone, nil
}

// Bounds converts a training zone to a bpm Target for maxHR
func Bounds(z Zone, maxHR uint16) (Target, error) {
	if err := validateMaxHR(maxHR); err != nil {
		return Target{}, err
	}
	if z < Zone1 || z > Zone5 {
		return Target{}, fmt.Errorf("invalid training zone %d", int(z))
	}
	low := int(maxHR) * zoneLowerPercent[z] / 100
	high := int(maxHR)*zoneLowerPercent[z+1]/100 - 1
	if z == Zone5 {
		high = int(maxHR)
	}
	return Target{Low: uint16(low), High: uint16(high)}, nil
}
