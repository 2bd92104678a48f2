package alloc

import (
	"testing"
	"unsafe"
)

func TestParsePageMode(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  PageMode
	}{
		{"explicit 2MB", "2MB", PageMode2MB},
		{"explicit 1GB", "1GB", PageMode1GB},
		{"empty", "", PageModeDefault},
		{"lowercase not accepted", "2mb", PageModeDefault},
		{"garbage", "huge", PageModeDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParsePageMode(tt.value); got != tt.want {
				t.Errorf("ParsePageMode(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestAllocFree(t *testing.T) {
	buf, err := Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if len(buf) != 4096 {
		t.Errorf("len = %d, want 4096", len(buf))
	}

	// Page alignment is what O_DIRECT needs.
	addr := uintptr(unsafe.Pointer(&buf[0]))
	if addr%4096 != 0 {
		t.Errorf("buffer not page aligned: %#x", addr)
	}

	// The mapping must be writable and readable.
	buf[0] = 0xAB
	buf[len(buf)-1] = 0xCD
	if buf[0] != 0xAB || buf[len(buf)-1] != 0xCD {
		t.Error("mapping did not hold written bytes")
	}

	if err := Free(buf); err != nil {
		t.Errorf("Free failed: %v", err)
	}
}

func TestAllocOddSize(t *testing.T) {
	buf, err := Alloc(100)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if len(buf) != 100 {
		t.Errorf("len = %d, want 100", len(buf))
	}
	if err := Free(buf); err != nil {
		t.Errorf("Free failed: %v", err)
	}
}

func TestAllocInvalidSize(t *testing.T) {
	if _, err := Alloc(0); err == nil {
		t.Error("Alloc(0) should fail")
	}
	if _, err := Alloc(-1); err == nil {
		t.Error("Alloc(-1) should fail")
	}
}

func TestFreeNil(t *testing.T) {
	if err := Free(nil); err != nil {
		t.Errorf("Free(nil) = %v, want nil", err)
	}
}
