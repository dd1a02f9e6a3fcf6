package lorawan

import "fmt"

// DataRate describes one entry of the regional (EU-like) data-rate table:
// spreading factor and bandwidth for LoRa modulation.
type DataRate struct {
	SpreadingFactor int
	Bandwidth       int // kHz
}

func (d DataRate) String() string {
	return fmt.Sprintf("SF%dBW%d", d.SpreadingFactor, d.Bandwidth)
}

// DataRates is the data-rate index (0..6) to modulation mapping: 0→SF12BW125
// … 6→SF7BW250. Regional band-plan channel tables beyond this mapping are
// out of scope.
var DataRates = [7]DataRate{
	0: {SpreadingFactor: 12, Bandwidth: 125},
	1: {SpreadingFactor: 11, Bandwidth: 125},
	2: {SpreadingFactor: 10, Bandwidth: 125},
	3: {SpreadingFactor: 9, Bandwidth: 125},
	4: {SpreadingFactor: 8, Bandwidth: 125},
	5: {SpreadingFactor: 7, Bandwidth: 125},
	6: {SpreadingFactor: 7, Bandwidth: 250},
}

// DataRateByIndex looks up a DataRate, reporting whether the index is valid.
func DataRateByIndex(idx uint8) (DataRate, bool) {
	if int(idx) >= len(DataRates) {
		return DataRate{}, false
	}
	return DataRates[idx], true
}
