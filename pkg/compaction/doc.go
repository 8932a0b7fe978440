/*
Package compaction downsamples biometric sample series for charting.

# Why Downsample?

The sensor is polled every 5 seconds, so one day holds up to 17,280 samples.
Plotting all of them wastes bandwidth and hides the trend. Downsampling folds
the series into fixed-width buckets:

	Raw (5s intervals)     → 720 points per hour
	1-minute buckets       → 60 points per hour   (12x smaller)
	10-minute buckets      → 6 points per hour    (120x smaller)

# How Buckets Are Formed

	samples:  t=0    t=120          t=650  t=700
	          │      │              │      │
	buckets:  [0 ─────────── 600)   [600 ────────── 1200)
	          avg(t=0, t=120)       avg(t=650, t=700)

A bucket opens at the first sample floored to the width and absorbs every
sample less than one width after that anchor. The first sample past the
edge opens the next bucket at its own floor. After a gap in the data the
next bucket lines up with the data, not with the previous anchor plus one
width, so there are no empty buckets in the output.

# Output

Each DownsampledPoint carries the rounded mean heart rate and blood oxygen
plus the raw constituent values, which the chart shows in its tooltip:

	points := compaction.Downsample(samples, 10*time.Minute)
	for _, p := range points {
	    fmt.Println(p.BucketStart, p.HeartRate, p.RawHeartRates)
	}

Downsample is pure: it sorts a copy of its input and never mutates it, so
it can run against live window snapshots or persisted day logs alike.
*/
package compaction
