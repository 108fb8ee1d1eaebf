package strategy

import "trafficengine/internal/models"

var featureSegments = []models.Segment{
	models.SegmentZozh, models.SegmentMama, models.SegmentBusiness, models.SegmentStudent, models.SegmentUniversal,
}

var featureTimeSlots = []models.TimeSlot{
	models.TimeSlotMorning, models.TimeSlotAfternoon, models.TimeSlotEvening, models.TimeSlotNight,
}

var featureTopics = []string{"health", "parenting", "business", "study", "lifestyle", "general"}

// featureDim is len(featureSegments) + len(featureTimeSlots) + len(featureTopics) + 1 (bias).
const featureDim = len(featureSegments) + len(featureTimeSlots) + len(featureTopics) + 1

// featurize one-hot encodes a context into a fixed-dimension vector so the
// LinUCB accumulators can be held at a constant size regardless of how many
// distinct (segment, channel, topic) combinations have been observed.
func featurize(ctxKey models.StrategyContext) []float64 {
	x := make([]float64, featureDim)
	offset := 0

	for i, s := range featureSegments {
		if s == ctxKey.Segment {
			x[offset+i] = 1
		}
	}
	offset += len(featureSegments)

	for i, t := range featureTimeSlots {
		if t == ctxKey.TimeSlot {
			x[offset+i] = 1
		}
	}
	offset += len(featureTimeSlots)

	topic := ctxKey.PostTopic
	matched := false
	for i, t := range featureTopics {
		if t == topic {
			x[offset+i] = 1
			matched = true
		}
	}
	if !matched {
		x[offset+len(featureTopics)-1] = 1 // fold unknown topics into "general"
	}
	offset += len(featureTopics)

	x[offset] = 1 // bias term
	return x
}
