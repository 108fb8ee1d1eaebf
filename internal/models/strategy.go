package models

import "time"

// Strategy is the closed set of comment styles chosen by the oracle and
// passed to the external TextGenerator.
type Strategy string

const (
	StrategySmart      Strategy = "smart"
	StrategySupportive Strategy = "supportive"
	StrategyFunny      Strategy = "funny"
	StrategyExpert     Strategy = "expert"
)

// AllStrategies is the fixed, ordered strategy set; order is the
// deterministic tie-break used by the oracle.
var AllStrategies = []Strategy{StrategySmart, StrategySupportive, StrategyFunny, StrategyExpert}

// TimeSlot buckets the hour-of-day a context was observed in.
type TimeSlot string

const (
	TimeSlotMorning   TimeSlot = "morning"
	TimeSlotAfternoon TimeSlot = "afternoon"
	TimeSlotEvening   TimeSlot = "evening"
	TimeSlotNight     TimeSlot = "night"
)

// TimeSlotFor buckets an hour (0-23) into one of the four slots.
func TimeSlotFor(hour int) TimeSlot {
	switch {
	case hour >= 6 && hour < 12:
		return TimeSlotMorning
	case hour >= 12 && hour < 18:
		return TimeSlotAfternoon
	case hour >= 18 && hour < 23:
		return TimeSlotEvening
	default:
		return TimeSlotNight
	}
}

// StrategyContext is the feature tuple the oracle selects and updates on.
type StrategyContext struct {
	Segment        Segment
	ChannelUsername string
	TimeSlot       TimeSlot
	PostTopic      string
}

// StrategyEffectiveness is keyed by (segment, channel, strategy, time_slot,
// post_topic) and aggregates observed reward for that context/arm pair.
type StrategyEffectiveness struct {
	Segment           Segment   `bson:"segment" json:"segment"`
	ChannelUsername   string    `bson:"channel_username" json:"channel_username"`
	Strategy          Strategy  `bson:"strategy" json:"strategy"`
	TimeSlot          TimeSlot  `bson:"time_slot" json:"time_slot"`
	PostTopic         string    `bson:"post_topic" json:"post_topic"`
	Attempts          int       `bson:"attempts" json:"attempts"`
	WeightedSuccesses float64   `bson:"weighted_successes" json:"weighted_successes"`
	Score             float64   `bson:"score" json:"score"`
	LastUpdated       time.Time `bson:"last_updated" json:"last_updated"`
}
