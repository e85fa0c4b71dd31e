package container

import "github.com/GMMan/aud32-decoder-client/internal/protocol"

// Info is a serialisable summary of an Audio32 file
type Info struct {
	Path               string  `yaml:"path,omitempty" json:"path,omitempty"`
	SampleRate         uint16  `yaml:"sample_rate" json:"sample_rate"`
	BitRate            uint16  `yaml:"bit_rate" json:"bit_rate"`
	Channels           uint16  `yaml:"channels" json:"channels"`
	FrameCount         uint32  `yaml:"frame_count" json:"frame_count"`
	FrameSize          int     `yaml:"frame_size_bytes" json:"frame_size_bytes"`
	FileLength         uint32  `yaml:"file_length" json:"file_length"`
	MultiFrame         bool    `yaml:"multi_frame" json:"multi_frame"`
	TrailingSamples    uint16  `yaml:"trailing_samples" json:"trailing_samples"`
	MultiBuffer        uint16  `yaml:"multi_buffer" json:"multi_buffer"`
	PCMChunkSize       uint16  `yaml:"pcm_chunk_size" json:"pcm_chunk_size"`
	Record             uint16  `yaml:"record" json:"record"`
	HeaderLength       uint16  `yaml:"header_length" json:"header_length"`
	Type               uint16  `yaml:"type" json:"type"`
	StopCode           uint16  `yaml:"stop_code" json:"stop_code"`
	HasSecondaryHeader bool    `yaml:"has_secondary_header" json:"has_secondary_header"`
	EstimatedDuration  float64 `yaml:"estimated_duration_seconds" json:"estimated_duration_seconds"`
}

// Info returns the file's metadata. The duration estimate assumes the decoder's
// 320 samples per frame plus any trailing samples.
func (f *File) Info() Info {
	info := Info{
		Path:               f.Path,
		SampleRate:         f.SampleRate,
		BitRate:            f.BitRate,
		Channels:           f.Channels,
		FrameCount:         f.FrameCount,
		FrameSize:          f.FrameSize(),
		FileLength:         f.FileLength,
		MultiFrame:         f.HasOldSamples(),
		TrailingSamples:    f.TrailingSamples,
		MultiBuffer:        f.MultiBuffer,
		PCMChunkSize:       f.PCMChunkSize,
		Record:             f.Record,
		HeaderLength:       f.HeaderLength,
		Type:               f.Type,
		StopCode:           f.StopCode,
		HasSecondaryHeader: f.SecondaryHeaderData != nil,
	}

	if f.SampleRate > 0 {
		samples := uint64(f.FrameCount) * protocol.SamplesPerFrame
		if f.HasOldSamples() {
			samples += uint64(f.TrailingSamples)
		}
		info.EstimatedDuration = float64(samples) / float64(f.SampleRate)
	}

	return info
}
