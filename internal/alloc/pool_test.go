package alloc

import (
	"testing"
)

func TestGetScratch_SizeBuckets(t *testing.T) {
	tests := []struct {
		name        string
		requestSize int
		expectCap   int
	}{
		{"128KB bucket - exact", 128 * 1024, 128 * 1024},
		{"128KB bucket - smaller", 65 * 1024, 128 * 1024},
		{"256KB bucket - exact", 256 * 1024, 256 * 1024},
		{"256KB bucket - smaller", 200 * 1024, 256 * 1024},
		{"512KB bucket - exact", 512 * 1024, 512 * 1024},
		{"512KB bucket - smaller", 400 * 1024, 512 * 1024},
		{"1MB bucket - exact", 1024 * 1024, 1024 * 1024},
		{"1MB bucket - smaller", 800 * 1024, 1024 * 1024},
		{"above 1MB - unpooled", 3 * 1024 * 1024, 3 * 1024 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := GetScratch(tt.requestSize)
			if len(buf) != tt.requestSize {
				t.Errorf("GetScratch(%d) returned len=%d, want %d", tt.requestSize, len(buf), tt.requestSize)
			}
			if cap(buf) != tt.expectCap {
				t.Errorf("GetScratch(%d) returned cap=%d, want %d", tt.requestSize, cap(buf), tt.expectCap)
			}
			PutScratch(buf)
		})
	}
}

func TestScratchPool_Reuse(t *testing.T) {
	buf1 := GetScratch(128 * 1024)
	ptr1 := &buf1[0]
	PutScratch(buf1)

	buf2 := GetScratch(128 * 1024)
	ptr2 := &buf2[0]
	PutScratch(buf2)

	// sync.Pool may or may not reuse immediately; this only exercises the
	// Get/Put round trip and logs whether the buffer was reused.
	if ptr1 == ptr2 {
		t.Log("buffer was reused from the pool")
	} else {
		t.Log("buffer was not reused (sync.Pool GC behavior)")
	}
}

func TestPutScratch_NonStandardCap(t *testing.T) {
	buf := make([]byte, 100*1024) // not a bucket size
	// Must not panic; the buffer is simply dropped.
	PutScratch(buf)
}
