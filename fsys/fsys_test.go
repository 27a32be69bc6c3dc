package fsys

import (
	"bytes"
	"io"
	"testing"
)

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestExtentReaderAt(t *testing.T) {
	base := pattern(10000)

	tests := []struct {
		name    string
		extents []Extent
		size    int64
		off     int64
		n       int
		want    []byte
		wantErr error
	}{
		{
			name:    "single extent",
			extents: []Extent{{Logical: 0, Physical: 1000, Length: 500}},
			size:    500,
			off:     10,
			n:       10,
			want:    base[1010:1020],
		},
		{
			name: "across two extents",
			// [0,100) -> [200,300), [100,200) -> [500,600)
			extents: []Extent{
				{Logical: 100, Physical: 500, Length: 100},
				{Logical: 0, Physical: 200, Length: 100},
			},
			size: 200,
			off:  90,
			n:    20,
			want: append(append([]byte{}, base[290:300]...), base[500:510]...),
		},
		{
			name: "hole reads as zeros",
			extents: []Extent{
				{Logical: 0, Physical: 0, Length: 10},
				{Logical: 20, Physical: 100, Length: 10},
			},
			size: 30,
			off:  5,
			n:    20,
			want: append(append(append([]byte{}, base[5:10]...), make([]byte, 10)...), base[100:105]...),
		},
		{
			name:    "trailing hole",
			extents: []Extent{{Logical: 0, Physical: 0, Length: 4}},
			size:    8,
			off:     2,
			n:       6,
			want:    append(append([]byte{}, base[2:4]...), 0, 0, 0, 0),
		},
		{
			name:    "short at end of file",
			extents: []Extent{{Logical: 0, Physical: 300, Length: 50}},
			size:    50,
			off:     45,
			n:       10,
			want:    base[345:350],
			wantErr: io.EOF,
		},
		{
			name:    "past end of file",
			extents: []Extent{{Logical: 0, Physical: 300, Length: 50}},
			size:    50,
			off:     50,
			n:       1,
			want:    []byte{},
			wantErr: io.EOF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewExtentReaderAt(bytes.NewReader(base), tt.extents, tt.size)
			buf := make([]byte, tt.n)
			n, err := r.ReadAt(buf, tt.off)
			if err != tt.wantErr {
				t.Fatalf("ReadAt() error = %v, want %v", err, tt.wantErr)
			}
			if !bytes.Equal(buf[:n], tt.want) {
				t.Errorf("ReadAt() =\n%v\nwant:\n%v", buf[:n], tt.want)
			}
		})
	}
}

func TestExtentReaderAtNegativeOffset(t *testing.T) {
	r := NewExtentReaderAt(bytes.NewReader(pattern(10)), nil, 10)
	if _, err := r.ReadAt(make([]byte, 1), -1); err == nil {
		t.Error("Expected error for negative offset")
	}
}

func TestTotalSize(t *testing.T) {
	ranges := []Range{{Start: 0, End: 4096}, {Start: 8192, End: 10000}}
	if got, want := TotalSize(ranges), int64(4096+1808); got != want {
		t.Errorf("TotalSize() = %d, want %d", got, want)
	}
	if got := TotalSize(nil); got != 0 {
		t.Errorf("TotalSize(nil) = %d, want 0", got)
	}
}
