package engine

import (
	"fmt"
	"math"
	"sort"

	"github.com/brightmetrics/cohortsync/internal/store"
)

// ScopeNational is the top-level statistic scope.
const ScopeNational = "national"

// SchoolScope builds the statistic scope label for a school cohort.
func SchoolScope(schoolID string) string {
	return "school:" + schoolID
}

// statElements are the elements statistics are computed over: the six
// measured elements plus the derived overall.
var statElements = append(append([]string{}, store.Elements...), store.ElementOverall)

// ComputeStatistics builds the full statistic set for one period.
//
// School-level rows are computed directly from raw cycle facts. National
// rows are aggregated from the school-level rows, never by re-scanning
// raw facts, so the cost of the national layer is bounded by the number
// of schools, not the number of students.
func ComputeStatistics(facts []store.CycleFact, people []store.PersonYear, periodLabel string) []store.CohortStatistic {
	schoolOf := make(map[int64]string, len(people))
	for _, p := range people {
		schoolOf[p.ID] = p.SchoolID
	}

	// school -> ordinal -> element -> values
	values := map[string]map[int]map[string][]float64{}
	for _, f := range facts {
		school, ok := schoolOf[f.PersonYearID]
		if !ok || school == "" {
			continue
		}
		byOrd, ok := values[school]
		if !ok {
			byOrd = map[int]map[string][]float64{}
			values[school] = byOrd
		}
		byElem, ok := byOrd[f.Ordinal]
		if !ok {
			byElem = map[string][]float64{}
			byOrd[f.Ordinal] = byElem
		}
		for _, element := range statElements {
			v := f.Score(element)
			if v == nil || *v < store.ScoreMin || *v > store.ScoreMax {
				continue
			}
			byElem[element] = append(byElem[element], *v)
		}
	}

	var out []store.CohortStatistic
	schoolStats := map[int]map[string][]store.CohortStatistic{} // ordinal -> element -> rows

	schools := make([]string, 0, len(values))
	for s := range values {
		schools = append(schools, s)
	}
	sort.Strings(schools)

	for _, school := range schools {
		for ord := 1; ord <= store.MaxOrdinal; ord++ {
			byElem, ok := values[school][ord]
			if !ok {
				continue
			}
			for _, element := range statElements {
				vs := byElem[element]
				if len(vs) == 0 {
					continue
				}
				st := summarize(vs)
				st.Scope = SchoolScope(school)
				st.Period = periodLabel
				st.Ordinal = ord
				st.Element = element
				out = append(out, st)

				byOrdStats, ok := schoolStats[ord]
				if !ok {
					byOrdStats = map[string][]store.CohortStatistic{}
					schoolStats[ord] = byOrdStats
				}
				byOrdStats[element] = append(byOrdStats[element], st)
			}
		}
	}

	for ord := 1; ord <= store.MaxOrdinal; ord++ {
		for _, element := range statElements {
			rows := schoolStats[ord][element]
			if len(rows) == 0 {
				continue
			}
			nat := aggregate(rows)
			nat.Scope = ScopeNational
			nat.Period = periodLabel
			nat.Ordinal = ord
			nat.Element = element
			out = append(out, nat)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		if out[i].Ordinal != out[j].Ordinal {
			return out[i].Ordinal < out[j].Ordinal
		}
		return out[i].Element < out[j].Element
	})
	return out
}

// summarize computes one cohort's statistic from raw values: count, mean,
// population standard deviation, quartiles and the fixed 10-bucket
// histogram. Every element uses the same bucket layout.
func summarize(vs []float64) store.CohortStatistic {
	sorted := append([]float64{}, vs...)
	sort.Float64s(sorted)

	n := len(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range sorted {
		d := v - mean
		sq += d * d
	}
	stddev := math.Sqrt(sq / float64(n))

	st := store.CohortStatistic{
		Count:  int64(n),
		Mean:   mean,
		StdDev: stddev,
		P25:    percentile(sorted, 0.25),
		P50:    percentile(sorted, 0.50),
		P75:    percentile(sorted, 0.75),
	}
	for _, v := range sorted {
		st.Histogram[bucketIndex(v)]++
	}
	return st
}

// aggregate combines already-computed cohort statistics into one row:
// weighted mean, pooled population variance, summed histograms, and
// quartiles interpolated from the merged histogram (approximate by bucket
// width, documented as such).
func aggregate(rows []store.CohortStatistic) store.CohortStatistic {
	var agg store.CohortStatistic
	var sumX, sumX2 float64
	for _, r := range rows {
		n := float64(r.Count)
		agg.Count += r.Count
		sumX += n * r.Mean
		sumX2 += n * (r.StdDev*r.StdDev + r.Mean*r.Mean)
		for i := range r.Histogram {
			agg.Histogram[i] += r.Histogram[i]
		}
	}
	if agg.Count == 0 {
		return agg
	}
	n := float64(agg.Count)
	agg.Mean = sumX / n
	variance := sumX2/n - agg.Mean*agg.Mean
	if variance < 0 {
		variance = 0 // floating point noise
	}
	agg.StdDev = math.Sqrt(variance)
	agg.P25 = histogramPercentile(agg.Histogram, agg.Count, 0.25)
	agg.P50 = histogramPercentile(agg.Histogram, agg.Count, 0.50)
	agg.P75 = histogramPercentile(agg.Histogram, agg.Count, 0.75)
	return agg
}

// percentile computes the q-th percentile of sorted values with linear
// interpolation between closest ranks.
func percentile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// histogramPercentile estimates the q-th percentile from a bucketed
// distribution by linear interpolation within the containing bucket.
func histogramPercentile(hist [store.HistogramBuckets]int64, count int64, q float64) float64 {
	if count == 0 {
		return 0
	}
	target := q * float64(count)
	var cum float64
	for i, c := range hist {
		next := cum + float64(c)
		if next >= target && c > 0 {
			lower := float64(i * store.HistogramBucketWidth)
			within := (target - cum) / float64(c)
			v := lower + within*float64(store.HistogramBucketWidth)
			if v > store.ScoreMax {
				v = store.ScoreMax
			}
			return v
		}
		cum = next
	}
	return store.ScoreMax
}

// bucketIndex maps a valid score to its histogram bucket. The final bucket
// is closed: a score of exactly ScoreMax lands in bucket 9.
func bucketIndex(v float64) int {
	idx := int(v) / store.HistogramBucketWidth
	if idx >= store.HistogramBuckets {
		idx = store.HistogramBuckets - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// VerifyDistribution checks the histogram/count invariant on a statistic.
// Exposed for tests and the stats command's self-check.
func VerifyDistribution(st store.CohortStatistic) error {
	var total int64
	for _, c := range st.Histogram {
		total += c
	}
	if total != st.Count {
		return fmt.Errorf("histogram sums to %d but count is %d for %s/%s ordinal %d",
			total, st.Count, st.Scope, st.Element, st.Ordinal)
	}
	return nil
}
