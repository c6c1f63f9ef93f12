package gateway

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var errRangeUnsatisfiable = errors.New("requested range not satisfiable")

type byteRange struct {
	start  int64
	length int64
}

func (b *byteRange) contentRange(totalSize int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", b.start, b.start+b.length-1, totalSize)
}

// single-range subset of RFC 7233: "bytes=a-b", "bytes=a-", "bytes=-n".
// returns nil (whole content) for absent, syntactically invalid or
// multi-range headers - per the RFC those are ignored, not rejected.
// a well-formed but unsatisfiable range is the one case that errors.
func parseRange(header string, totalSize int64) (*byteRange, error) {
	if header == "" {
		return nil, nil
	}

	spec, isBytes := strings.CutPrefix(header, "bytes=")
	if !isBytes || strings.Contains(spec, ",") {
		return nil, nil
	}

	first, last, dashFound := strings.Cut(strings.TrimSpace(spec), "-")
	if !dashFound {
		return nil, nil
	}

	if first == "" { // "-n": the last n bytes
		suffixLen, err := strconv.ParseInt(last, 10, 64)
		if err != nil {
			return nil, nil
		}

		if suffixLen <= 0 {
			return nil, errRangeUnsatisfiable
		}

		if suffixLen > totalSize {
			suffixLen = totalSize
		}

		return &byteRange{start: totalSize - suffixLen, length: suffixLen}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil, nil
	}

	if start >= totalSize {
		return nil, errRangeUnsatisfiable
	}

	if last == "" { // "a-": from a to the end
		return &byteRange{start: start, length: totalSize - start}, nil
	}

	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return nil, nil
	}

	if end < start {
		return nil, errRangeUnsatisfiable
	}

	if end >= totalSize {
		end = totalSize - 1
	}

	return &byteRange{start: start, length: end - start + 1}, nil
}
