package utils

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ProgressFunc receives the cumulative byte count of a transfer.
type ProgressFunc func(bytes int64, elapsed time.Duration)

// ProgressReader wraps an io.Reader and tracks bytes read.
type ProgressReader struct {
	reader      io.Reader
	bytesRead   atomic.Int64
	startTime   time.Time
	updateFunc  ProgressFunc
	updateEvery int64
}

// NewProgressReader creates a new progress tracking reader that reports at
// least every updateEvery bytes. A non-positive updateEvery reports on every read.
func NewProgressReader(reader io.Reader, updateEvery int64, updateFunc ProgressFunc) *ProgressReader {
	if updateEvery <= 0 {
		updateEvery = 1
	}
	return &ProgressReader{
		reader:      reader,
		startTime:   time.Now(),
		updateFunc:  updateFunc,
		updateEvery: updateEvery,
	}
}

// Read implements io.Reader interface with progress tracking.
func (pr *ProgressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		newTotal := pr.bytesRead.Add(int64(n))
		if pr.updateFunc != nil && (newTotal%pr.updateEvery) < int64(n) {
			pr.updateFunc(newTotal, time.Since(pr.startTime))
		}
	}
	if err == io.EOF && pr.updateFunc != nil {
		pr.updateFunc(pr.bytesRead.Load(), time.Since(pr.startTime))
	}
	return n, err
}

// BytesRead returns the total number of bytes read.
func (pr *ProgressReader) BytesRead() int64 {
	return pr.bytesRead.Load()
}

// ThrottledReader limits the throughput of an io.Reader with a token bucket.
type ThrottledReader struct {
	ctx     context.Context
	reader  io.Reader
	limiter *rate.Limiter
}

// NewThrottledReader returns reader unchanged when bytesPerSecond is not positive.
func NewThrottledReader(ctx context.Context, reader io.Reader, bytesPerSecond int64) io.Reader {
	if bytesPerSecond <= 0 {
		return reader
	}
	burst := int(bytesPerSecond)
	if burst > 1<<20 {
		burst = 1 << 20
	}
	return &ThrottledReader{
		ctx:     ctx,
		reader:  reader,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
	}
}

// Read implements io.Reader, blocking until enough tokens are available.
func (tr *ThrottledReader) Read(p []byte) (int, error) {
	if len(p) > tr.limiter.Burst() {
		p = p[:tr.limiter.Burst()]
	}
	n, err := tr.reader.Read(p)
	if n > 0 {
		if werr := tr.limiter.WaitN(tr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// FormatBytes formats bytes in human-readable format.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// ParseBytes parses sizes such as "512", "10K", "20MB" or "1.5G" using
// binary multiples. An empty string parses as zero.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, nil
	}
	s = strings.TrimSuffix(strings.TrimSuffix(s, "IB"), "B")

	multiplier := int64(1)
	if s != "" {
		switch s[len(s)-1] {
		case 'K':
			multiplier = 1 << 10
		case 'M':
			multiplier = 1 << 20
		case 'G':
			multiplier = 1 << 30
		case 'T':
			multiplier = 1 << 40
		}
		if multiplier > 1 {
			s = s[:len(s)-1]
		}
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(value * float64(multiplier)), nil
}
