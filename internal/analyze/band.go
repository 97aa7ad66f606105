package analyze

import "fmt"

// Band is a half-open mileage interval [Lower, Upper).
type Band struct {
	Lower int
	Upper int
}

// BandOf returns the band of width w containing mileage. A mileage exactly on a
// boundary belongs to the band starting there.
func BandOf(mileage, width int) Band {
	k := mileage / width
	if mileage < 0 && mileage%width != 0 {
		k--
	}
	return Band{Lower: k * width, Upper: (k + 1) * width}
}

// Label renders the band the way statistics rows are keyed, e.g. "0-25000".
func (b Band) Label() string {
	return fmt.Sprintf("%d-%d", b.Lower, b.Upper)
}
