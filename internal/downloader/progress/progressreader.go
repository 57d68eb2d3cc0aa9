package progress

import "io"

// ProgressReader wraps an io.Reader and reports every successful read via a callback.
type ProgressReader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(written int64, total int64)
	totalRead  int64 // cumulative total
}

func NewReader(r io.Reader, total int64, cb func(written int64, total int64)) *ProgressReader {
	return &ProgressReader{
		Reader:     r,
		Total:      total,
		OnProgress: cb,
	}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		if pr.OnProgress != nil {
			pr.OnProgress(pr.totalRead, pr.Total)
		}
	}

	return n, err
}

// Written returns the number of bytes read so far.
func (pr *ProgressReader) Written() int64 {
	return pr.totalRead
}

// Fraction returns written/total clamped to [0, 1], or 0 when total is unknown.
func Fraction(written, total int64) float64 {
	if total <= 0 {
		return 0
	}

	f := float64(written) / float64(total)

	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
