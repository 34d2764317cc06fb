package domain

import (
	"fmt"
	"time"
)

// TimestampLayout is the ISO-8601 form used on the wire (UTC, millisecond precision).
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// DisplayTimeLayout renders a display point's time as HH:MM:SS.
const DisplayTimeLayout = "15:04:05"

// Sample is one generated price observation. Immutable once produced.
type Sample struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp string  `json:"timestamp"`
}

// NewSample stamps a price with the given instant.
func NewSample(symbol string, price float64, at time.Time) Sample {
	return Sample{
		Symbol:    symbol,
		Price:     price,
		Timestamp: at.UTC().Format(TimestampLayout),
	}
}

// Time parses the sample's timestamp.
func (s Sample) Time() (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid sample timestamp %q: %w", s.Timestamp, err)
	}
	return t, nil
}

// DisplayPoint is a sample prepared for a chart consumer.
type DisplayPoint struct {
	Timestamp   string    `json:"timestamp"`
	DisplayTime string    `json:"displayTime"`
	Price       float64   `json:"price"`
	At          time.Time `json:"-"`
}

// NewDisplayPoint derives a display point from a sample.
func NewDisplayPoint(s Sample) (DisplayPoint, error) {
	at, err := s.Time()
	if err != nil {
		return DisplayPoint{}, err
	}
	return DisplayPoint{
		Timestamp:   s.Timestamp,
		DisplayTime: at.UTC().Format(DisplayTimeLayout),
		Price:       s.Price,
		At:          at,
	}, nil
}
