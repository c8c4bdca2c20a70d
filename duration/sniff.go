package duration

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/h2non/filetype"
)

// sniffBytes is how much of the file the partial-content strategy
// fetches. Enough for an ID3v2 tag of ordinary size plus the first MPEG
// frame, or the whole RIFF header chain.
const sniffBytes = 8192

// sniffDuration fetches the head of the file with a ranged GET and
// derives the duration from container metadata plus the total size the
// server reports. Only MP3 and WAV carry enough in their first bytes to
// bother with.
func (e *Estimator) sniffDuration(ctx context.Context, mediaURL string) (float64, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return 0, false
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", sniffBytes-1))

	resp, err := e.client.Do(req)
	if err != nil {
		e.Log().Debug().Err(err).Msg("duration sniff fetch failed")
		return 0, false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return 0, false
	}

	head, err := io.ReadAll(io.LimitReader(resp.Body, sniffBytes))
	if err != nil || len(head) == 0 {
		return 0, false
	}
	total := totalSizeFromResponse(resp)
	if total <= 0 {
		return 0, false
	}

	kind, err := filetype.Match(head)
	if err != nil {
		return 0, false
	}
	switch kind.Extension {
	case "mp3":
		return mp3Duration(head, total)
	case "wav":
		return wavDuration(head, total)
	default:
		return 0, false
	}
}

// totalSizeFromResponse finds the full resource size: the Content-Range
// total on a partial reply, Content-Length when the server ignored the
// range request.
func totalSizeFromResponse(resp *http.Response) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		contentRange := resp.Header.Get("Content-Range")
		idx := strings.LastIndex(contentRange, "/")
		if idx < 0 {
			return -1
		}
		total, err := strconv.ParseInt(contentRange[idx+1:], 10, 64)
		if err != nil {
			return -1
		}
		return total
	}

	return resp.ContentLength
}

// mp3Duration walks past any ID3v2 tag, finds the first MPEG frame sync
// and computes length from the frame's bitrate and the audio byte count.
// Constant bitrate is assumed; announcements rarely are anything else.
func mp3Duration(head []byte, total int64) (float64, bool) {
	var offset int64
	if len(head) >= 10 && bytes.Equal(head[:3], []byte("ID3")) {
		offset = int64(syncsafe(head[6:10])) + 10
	}
	if offset >= int64(len(head)) {
		return 0, false
	}

	data := head[offset:]
	for i := 0; i+4 <= len(data); i++ {
		if data[i] != 0xFF || data[i+1]&0xE0 != 0xE0 {
			continue
		}
		bitrate, ok := mp3FrameBitrate(data[i : i+4])
		if !ok {
			continue
		}
		audioBytes := total - offset
		if audioBytes <= 0 {
			return 0, false
		}
		return float64(audioBytes*8) / float64(bitrate), true
	}

	return 0, false
}

// syncsafe decodes the 7-bits-per-byte integer ID3v2 stores sizes in.
func syncsafe(b []byte) uint32 {
	return uint32(b[0]&0x7F)<<21 | uint32(b[1]&0x7F)<<14 | uint32(b[2]&0x7F)<<7 | uint32(b[3]&0x7F)
}

// Layer III bitrates in kbit/s, indexed by the frame header's bitrate
// bits. Index 0 (free) and 15 (bad) are unusable.
var (
	mpeg1Layer3Bitrates = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320}
	mpeg2Layer3Bitrates = [16]int{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160}
)

// mp3FrameBitrate reads the bitrate in bit/s from one MPEG audio frame
// header. Only Layer III frames are accepted.
func mp3FrameBitrate(frame []byte) (int64, bool) {
	version := frame[1] >> 3 & 0x3 // 3=MPEG1, 2=MPEG2, 0=MPEG2.5
	layer := frame[1] >> 1 & 0x3   // 1=Layer III
	if version == 1 || layer != 1 {
		return 0, false
	}

	bitrateIdx := frame[2] >> 4
	sampleIdx := frame[2] >> 2 & 0x3
	if bitrateIdx == 0 || bitrateIdx == 15 || sampleIdx == 3 {
		return 0, false
	}

	table := &mpeg2Layer3Bitrates
	if version == 3 {
		table = &mpeg1Layer3Bitrates
	}

	return int64(table[bitrateIdx]) * 1000, true
}

// wavDuration reads the byte rate from the RIFF "fmt " chunk and
// divides the data size by it.
func wavDuration(head []byte, total int64) (float64, bool) {
	if len(head) < 12 || !bytes.Equal(head[:4], []byte("RIFF")) || !bytes.Equal(head[8:12], []byte("WAVE")) {
		return 0, false
	}

	var byteRate uint32
	var dataSize int64 = -1

	off := 12
	for off+8 <= len(head) {
		chunkID := string(head[off : off+4])
		chunkSize := int64(binary.LittleEndian.Uint32(head[off+4 : off+8]))
		body := off + 8

		switch chunkID {
		case "fmt ":
			if body+16 <= len(head) {
				byteRate = binary.LittleEndian.Uint32(head[body+8 : body+12])
			}
		case "data":
			dataSize = chunkSize
		}

		off = body + int(chunkSize)
		if chunkSize%2 == 1 {
			off++ // chunks are word aligned
		}
	}

	if byteRate == 0 {
		return 0, false
	}
	if dataSize <= 0 {
		// Canonical 44-byte header; everything after it is samples.
		dataSize = total - 44
		if dataSize <= 0 {
			return 0, false
		}
	}

	return float64(dataSize) / float64(byteRate), true
}
