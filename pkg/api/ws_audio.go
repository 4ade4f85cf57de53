package api

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// audioHeaderSize is the fixed binary prelude of one audio chunk:
// u64 timestamp_ns | u32 sample_rate | u32 channels | u32 bit_depth |
// u32 source_id_len | u32 source_name_len, all little-endian.
const audioHeaderSize = 28

// audioChunk is one decoded capture frame from the audio bridge.
type audioChunk struct {
	TimestampNS uint64
	SampleRate  uint32
	Channels    uint32
	BitDepth    uint32
	SourceID    string
	SourceName  string
	Data        []byte
}

// audioHandler handles GET /ws/audio/: inbound capture chunks from the
// audio bridge. Chunks are validated and counted; a malformed or
// rate-limited chunk is dropped without closing the socket. JSON text
// frames (bridge control messages) are accepted on the same socket.
func (s *Server) audioHandler(c *echo.Context) error {
	conn, err := s.accept(c)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	cfg := s.cfg.Audio
	conn.SetReadLimit(int64(audioHeaderSize + 2*cfg.MaxStringLength + cfg.MaxDataSize))

	ctx := c.Request().Context()
	var (
		chunks      int
		windowStart = time.Now()
		windowCount int
	)

	for {
		msgType, raw, err := conn.Read(ctx)
		if err != nil {
			s.logger.Debug("audio bridge disconnected", "chunks", chunks)
			return nil
		}

		if msgType == websocket.MessageText {
			if !json.Valid(raw) {
				s.logger.Warn("dropping non-JSON audio control frame")
			}
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			windowCount = 0
		}
		windowCount++
		if windowCount > cfg.RateLimitPerSecond {
			s.logger.Warn("dropping audio chunk over rate limit",
				"limit_per_second", cfg.RateLimitPerSecond)
			continue
		}

		chunk, err := parseAudioChunk(raw, cfg.MaxStringLength, cfg.MaxDataSize)
		if err != nil {
			s.logger.Warn("dropping invalid audio chunk", "error", err)
			continue
		}
		chunks++
		s.logger.Debug("audio chunk received",
			"source", chunk.SourceName,
			"sample_rate", chunk.SampleRate,
			"bytes", len(chunk.Data))
	}
}

// parseAudioChunk decodes and validates one binary frame. Any field out
// of range rejects the whole chunk.
func parseAudioChunk(raw []byte, maxStringLength, maxDataSize int) (*audioChunk, error) {
	if len(raw) < audioHeaderSize {
		return nil, fmt.Errorf("frame of %d bytes is shorter than the header", len(raw))
	}

	chunk := &audioChunk{
		TimestampNS: binary.LittleEndian.Uint64(raw[0:8]),
		SampleRate:  binary.LittleEndian.Uint32(raw[8:12]),
		Channels:    binary.LittleEndian.Uint32(raw[12:16]),
		BitDepth:    binary.LittleEndian.Uint32(raw[16:20]),
	}
	idLen := int(binary.LittleEndian.Uint32(raw[20:24]))
	nameLen := int(binary.LittleEndian.Uint32(raw[24:28]))

	if chunk.SampleRate < 8000 || chunk.SampleRate > 192000 {
		return nil, fmt.Errorf("sample rate %d out of range", chunk.SampleRate)
	}
	if chunk.Channels < 1 || chunk.Channels > 8 {
		return nil, fmt.Errorf("channel count %d out of range", chunk.Channels)
	}
	switch chunk.BitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("unsupported bit depth %d", chunk.BitDepth)
	}
	if idLen < 0 || idLen > maxStringLength || nameLen < 0 || nameLen > maxStringLength {
		return nil, fmt.Errorf("source strings of %d/%d bytes exceed limit", idLen, nameLen)
	}
	if len(raw) < audioHeaderSize+idLen+nameLen {
		return nil, fmt.Errorf("frame truncated before source strings")
	}

	data := raw[audioHeaderSize+idLen+nameLen:]
	if len(data) > maxDataSize {
		return nil, fmt.Errorf("audio payload of %d bytes exceeds limit", len(data))
	}

	chunk.SourceID = string(raw[audioHeaderSize : audioHeaderSize+idLen])
	chunk.SourceName = string(raw[audioHeaderSize+idLen : audioHeaderSize+idLen+nameLen])
	chunk.Data = data
	return chunk, nil
}
