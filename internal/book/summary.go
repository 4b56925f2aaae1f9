package book

import "github.com/montanaflynn/stats"

// Summary describes the present values of a history buffer.
type Summary struct {
	Count  int       `json:"count"`
	Absent int       `json:"absent"`
	Mean   NullFloat `json:"mean"`
	Min    NullFloat `json:"min"`
	Max    NullFloat `json:"max"`
	StdDev NullFloat `json:"stddev"`
	Last   NullFloat `json:"last"`
}

// Summarize computes descriptive statistics over the valid entries of vals.
// With no valid entries every statistic is absent.
func Summarize(vals []NullFloat) Summary {
	data := make(stats.Float64Data, 0, len(vals))
	for _, v := range vals {
		if v.Valid {
			data = append(data, v.Float64)
		}
	}

	s := Summary{Count: len(data), Absent: len(vals) - len(data)}
	if len(vals) > 0 {
		s.Last = vals[len(vals)-1]
	}
	if len(data) == 0 {
		return s
	}

	if v, err := data.Mean(); err == nil {
		s.Mean = Some(v)
	}
	if v, err := data.Min(); err == nil {
		s.Min = Some(v)
	}
	if v, err := data.Max(); err == nil {
		s.Max = Some(v)
	}
	if v, err := data.StandardDeviation(); err == nil {
		s.StdDev = Some(v)
	}
	return s
}
