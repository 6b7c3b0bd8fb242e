package core

import "math"

// MinPathLossDistance clamps distances used by PathLossDB so a receiver
// co-located with a transmitter does not see infinite gain (metres).
const MinPathLossDistance = 1.0

// PathLossDB returns the log-distance path loss 10·η·log10(d) in dB for a
// distance in metres and path loss exponent η.
func PathLossDB(distance, eta float64) float64 {
	if distance < MinPathLossDistance {
		distance = MinPathLossDistance
	}
	return 10 * eta * math.Log10(distance)
}

// FreeSpacePathLossDB returns free-space path loss in dB for a distance in
// kilometres and a carrier frequency in GHz.
func FreeSpacePathLossDB(distanceKm, freqGHz float64) float64 {
	if distanceKm < MinPathLossDistance/1000 {
		distanceKm = MinPathLossDistance / 1000
	}
	return 92.45 + 20*math.Log10(distanceKm) + 20*math.Log10(freqGHz)
}

// DBToLinear converts a dB quantity to a linear ratio.
func DBToLinear(db float64) float64 { return math.Pow(10, db/10) }

// LinearToDB converts a positive linear ratio to dB.
func LinearToDB(v float64) float64 { return 10 * math.Log10(v) }

// GainFromLossDB converts a path loss in dB into the linear gain expected
// by ConstraintPoint.PathLoss.
func GainFromLossDB(lossDB float64) float64 { return DBToLinear(-lossDB) }
