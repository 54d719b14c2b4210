/*
civ.go - Consumption-Intent Verification scorer

PURPOSE:
  Rates how likely a completed check-in reflected genuine shopping
  intent, from the session's passively collected location trail. The
  score shrinks the session's pending grant: a confident visit keeps
  its full provisional value, a drive-by keeps a fraction.

ALGORITHM:
  Start from a neutral 0.5 baseline and add independent signal
  contributions, then clamp to [0,1]. Signals are purely additive,
  never subtractive. Missing or insufficient data forfeits a signal's
  contribution; the scorer itself never fails.

SIGNALS:
  Dwell/browsing     up to +0.30  walked around for several minutes
  Store proximity    up to +0.20  sample centroid near the store
  Duration           up to +0.20  visit length is plausible shopping time
  Stop count         up to +0.10  repeated near-stationary sample pairs
  Return probability       +0.10  reserved fixed contribution

  The return-probability contribution is a fixed constant: it is not
  yet computed from observed return-visit evidence. Keep it constant
  unless product decides otherwise.

DETERMINISM:
  The same ordered sample sequence and store coordinates always produce
  the same score. An empty trail short-circuits to exactly 0.5.
*/
package loyalty

// Signal weights. Grouped here so the score can be recalibrated without
// touching the evaluation logic.
const (
	civBaseline = 0.5

	civDwellFull    = 0.3
	civDwellPartial = 0.15

	civProximityNear = 0.2
	civProximityFar  = 0.1

	civDurationFull    = 0.2
	civDurationPartial = 0.1

	civStops = 0.1

	civReturnProbability = 0.1

	civDwellMoveMeters  = 5.0
	civProximityNearM   = 50.0
	civProximityFarM    = 100.0
	civStopMeters       = 2.0
	civStopMinCount     = 3
	civPlausibleMinMins = 3.0
	civPlausibleMaxMins = 60.0
)

// ScoreSession computes the confidence score for a session's ordered
// location samples against the store's coordinates. It is deterministic
// and never fails; an empty trail returns the 0.5 baseline directly.
func ScoreSession(samples []LocationSample, store *Store) float64 {
	if len(samples) == 0 {
		return civBaseline
	}

	score := civBaseline
	duration := durationMinutes(samples)

	// Dwell/browsing: long enough visit with real movement between
	// samples indicates walking around, not a drive-by.
	if len(samples) >= 3 {
		maxMove := maxConsecutiveDistance(samples)
		if duration >= civPlausibleMinMins && maxMove > civDwellMoveMeters {
			score += civDwellFull
		} else if duration >= 1 {
			score += civDwellPartial
		}
	}

	// Store proximity: centroid of the trail near the store.
	if store != nil && store.HasCoordinates() {
		cLat, cLon := centroid(samples)
		d := DistanceMeters(cLat, cLon, *store.Latitude, *store.Longitude)
		switch {
		case d < civProximityNearM:
			score += civProximityNear
		case d < civProximityFarM:
			score += civProximityFar
		}
	}

	// Duration plausibility.
	if len(samples) >= 2 {
		if duration >= civPlausibleMinMins && duration <= civPlausibleMaxMins {
			score += civDurationFull
		} else if duration >= 1 {
			score += civDurationPartial
		}
	}

	// Stop count: near-stationary consecutive pairs suggest browsing.
	if len(samples) >= 5 {
		stops := 0
		for i := 1; i < len(samples); i++ {
			d := DistanceMeters(samples[i-1].Latitude, samples[i-1].Longitude,
				samples[i].Latitude, samples[i].Longitude)
			if d < civStopMeters {
				stops++
			}
		}
		if stops >= civStopMinCount {
			score += civStops
		}
	}

	// Reserved return-probability contribution (fixed, see file header).
	score += civReturnProbability

	return clamp01(score)
}

func durationMinutes(samples []LocationSample) float64 {
	if len(samples) < 2 {
		return 0
	}
	d := samples[len(samples)-1].RecordedAt.Sub(samples[0].RecordedAt)
	return d.Minutes()
}

func maxConsecutiveDistance(samples []LocationSample) float64 {
	max := 0.0
	for i := 1; i < len(samples); i++ {
		d := DistanceMeters(samples[i-1].Latitude, samples[i-1].Longitude,
			samples[i].Latitude, samples[i].Longitude)
		if d > max {
			max = d
		}
	}
	return max
}

func centroid(samples []LocationSample) (float64, float64) {
	var lat, lon float64
	for _, s := range samples {
		lat += s.Latitude
		lon += s.Longitude
	}
	n := float64(len(samples))
	return lat / n, lon / n
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
