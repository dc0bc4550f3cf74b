// Package utils holds little-endian PCM sample helpers.
package utils

import "github.com/pkg/errors"

// Int16SliceToByteSlice encodes samples as little-endian bytes.
func Int16SliceToByteSlice(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}

// ByteSliceToInt16Slice decodes little-endian 16-bit samples. A trailing odd
// byte is dropped; use CheckedInt16Slice to reject it.
func ByteSliceToInt16Slice(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[2*i]) | int16(data[2*i+1])<<8
	}
	return samples
}

// CheckedInt16Slice is ByteSliceToInt16Slice for callers that must not lose
// a partial sample.
func CheckedInt16Slice(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, errors.Errorf("pcm length %d is not a multiple of 2", len(data))
	}
	return ByteSliceToInt16Slice(data), nil
}
