package duration

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// wavBytes builds a canonical RIFF/WAVE header followed by silence.
func wavBytes(byteRate, dataSize uint32) []byte {
	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, 36+dataSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(2)) // stereo
	binary.Write(buf, binary.LittleEndian, uint32(44100))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, uint16(4))  // block align
	binary.Write(buf, binary.LittleEndian, uint16(16)) // bits per sample
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataSize)
	return buf.Bytes()
}

// mp3Bytes builds an ID3v2-tagged file head with one valid MPEG1
// Layer III frame header after the tag.
func mp3Bytes(tagSize int) []byte {
	head := make([]byte, tagSize+10+64)
	copy(head, "ID3")
	head[3] = 4 // v2.4
	head[6] = byte(tagSize >> 21 & 0x7F)
	head[7] = byte(tagSize >> 14 & 0x7F)
	head[8] = byte(tagSize >> 7 & 0x7F)
	head[9] = byte(tagSize & 0x7F)
	copy(head[tagSize+10:], []byte{0xFF, 0xFB, 0x90, 0x00}) // 128 kbit/s, 44.1 kHz
	return head
}

// rangedServer serves head as the first bytes of a resource of total
// size, the way a CDN answers a ranged GET.
func rangedServer(t *testing.T, head []byte, total int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			// No usable content type, so the header strategy passes.
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Content-Length", fmt.Sprint(total))
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", len(head)-1, total))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(head)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEstimateSniffsWav(t *testing.T) {
	stubNoFfprobe(t)

	const byteRate = 176400
	const dataSize = 5 * byteRate // five seconds of CD audio
	head := wavBytes(byteRate, dataSize)
	srv := rangedServer(t, head, int64(44+dataSize))

	e := newTestEstimator()
	got, ok := e.Estimate(context.Background(), srv.URL+"/alarm.wav")
	if !ok || got != 5*time.Second {
		t.Fatalf("Estimate() = (%v, %v), want (5s, true)", got, ok)
	}
}

func TestEstimateSniffsMp3(t *testing.T) {
	stubNoFfprobe(t)

	const tagSize = 256
	head := mp3Bytes(tagSize)
	// 160,000 audio bytes at 128 kbit/s play for ten seconds.
	total := int64(tagSize) + 10 + 160000
	srv := rangedServer(t, head, total)

	e := newTestEstimator()
	got, ok := e.Estimate(context.Background(), srv.URL+"/briefing.mp3")
	if !ok || got != 10*time.Second {
		t.Fatalf("Estimate() = (%v, %v), want (10s, true)", got, ok)
	}
}

func TestMp3FrameBitrate(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  int64
		ok    bool
	}{
		{"mpeg1 layer3 128k", []byte{0xFF, 0xFB, 0x90, 0x00}, 128000, true},
		{"mpeg1 layer3 320k", []byte{0xFF, 0xFB, 0xE0, 0x00}, 320000, true},
		{"mpeg2 layer3 80k", []byte{0xFF, 0xF3, 0x90, 0x00}, 80000, true},
		{"free bitrate", []byte{0xFF, 0xFB, 0x00, 0x00}, 0, false},
		{"bad bitrate index", []byte{0xFF, 0xFB, 0xF0, 0x00}, 0, false},
		{"bad sample index", []byte{0xFF, 0xFB, 0x9C, 0x00}, 0, false},
		{"layer2 frame", []byte{0xFF, 0xFD, 0x90, 0x00}, 0, false},
		{"reserved version", []byte{0xFF, 0xEB, 0x90, 0x00}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := mp3FrameBitrate(tt.frame)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("mp3FrameBitrate() = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestSyncsafe(t *testing.T) {
	tests := []struct {
		in   []byte
		want uint32
	}{
		{[]byte{0, 0, 0, 0x7F}, 127},
		{[]byte{0, 0, 1, 0}, 128},
		{[]byte{0, 0, 2, 0}, 256},
		{[]byte{0, 1, 0, 0}, 16384},
	}
	for _, tt := range tests {
		if got := syncsafe(tt.in); got != tt.want {
			t.Fatalf("syncsafe(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestWavDuration(t *testing.T) {
	tests := []struct {
		name  string
		head  []byte
		total int64
		want  float64
		ok    bool
	}{
		{
			name:  "data chunk in head",
			head:  wavBytes(176400, 882000),
			total: 882044,
			want:  5.0,
			ok:    true,
		},
		{
			name:  "not riff",
			head:  []byte("OggS this is not a wav file at all"),
			total: 1000,
			ok:    false,
		},
		{
			name:  "zero byte rate",
			head:  wavBytes(0, 882000),
			total: 882044,
			ok:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := wavDuration(tt.head, tt.total)
			if ok != tt.ok {
				t.Fatalf("wavDuration() ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Fatalf("wavDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTotalSizeFromResponse(t *testing.T) {
	tests := []struct {
		name string
		resp *http.Response
		want int64
	}{
		{
			name: "partial content",
			resp: &http.Response{
				StatusCode: http.StatusPartialContent,
				Header:     http.Header{"Content-Range": []string{"bytes 0-8191/123456"}},
			},
			want: 123456,
		},
		{
			name: "partial content without total",
			resp: &http.Response{
				StatusCode: http.StatusPartialContent,
				Header:     http.Header{"Content-Range": []string{"bytes 0-8191"}},
			},
			want: -1,
		},
		{
			name: "range ignored",
			resp: &http.Response{
				StatusCode:    http.StatusOK,
				Header:        http.Header{},
				ContentLength: 555,
			},
			want: 555,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := totalSizeFromResponse(tt.resp); got != tt.want {
				t.Fatalf("totalSizeFromResponse() = %d, want %d", got, tt.want)
			}
		})
	}
}
