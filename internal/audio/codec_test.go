package audio

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func iuPayload(t *testing.T, iu AudioInputIU) []byte {
	t.Helper()
	data, err := json.Marshal(iu)
	if err != nil {
		t.Fatalf("Failed to marshal IU: %v", err)
	}
	return data
}

func TestNewCodec(t *testing.T) {
	if c, err := NewCodec("", 2, DefaultFormat(), LayoutBlock); err != nil || c.Name() != CodecRaw {
		t.Errorf("Expected raw codec by default, got %v (err %v)", c, err)
	}
	if c, err := NewCodec("IU-JSON", 2, DefaultFormat(), LayoutBlock); err != nil || c.Name() != CodecIUJSON {
		t.Errorf("Expected iu-json codec, got %v (err %v)", c, err)
	}
	if _, err := NewCodec("opus", 2, DefaultFormat(), LayoutBlock); err == nil {
		t.Error("Expected error for unknown codec")
	}
	if _, err := NewCodec(CodecRaw, 0, DefaultFormat(), LayoutBlock); err == nil {
		t.Error("Expected error for zero channels")
	}
}

func TestIUCodec_Decode(t *testing.T) {
	codec := &IUCodec{Channels: 2, Format: DefaultFormat()}
	ch0 := pcm16(1, 2, 3)
	ch1 := pcm16(-1, -2, -3)

	payload := iuPayload(t, AudioInputIU{
		Creator:     "beamformer",
		IUID:        "abc",
		AllChannels: []string{base64.StdEncoding.EncodeToString(ch0), base64.StdEncoding.EncodeToString(ch1)},
		SampleWidth: 2,
		SampleRate:  16000,
		NumChannels: 2,
	})

	channels, err := codec.Decode(payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(channels[0], ch0) || !bytes.Equal(channels[1], ch1) {
		t.Errorf("Expected %v and %v, got %v", ch0, ch1, channels)
	}
}

func TestIUCodec_DecodeRejects(t *testing.T) {
	codec := &IUCodec{Channels: 2, Format: DefaultFormat()}
	good := base64.StdEncoding.EncodeToString(pcm16(1, 2))
	short := base64.StdEncoding.EncodeToString(pcm16(1))

	tests := []struct {
		name    string
		payload []byte
	}{
		{"not json", []byte("not json")},
		{"channel count", iuPayload(t, AudioInputIU{AllChannels: []string{good}})},
		{"num_channels mismatch", iuPayload(t, AudioInputIU{AllChannels: []string{good, good}, NumChannels: 4})},
		{"sample rate", iuPayload(t, AudioInputIU{AllChannels: []string{good, good}, SampleRate: 44100})},
		{"sample width", iuPayload(t, AudioInputIU{AllChannels: []string{good, good}, SampleWidth: 4})},
		{"bad base64", iuPayload(t, AudioInputIU{AllChannels: []string{good, "%%%"}})},
		{"unequal lengths", iuPayload(t, AudioInputIU{AllChannels: []string{good, short}})},
		{"empty channels", iuPayload(t, AudioInputIU{AllChannels: []string{"", ""}})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := codec.Decode(tt.payload); !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("Expected ErrMalformedFrame, got %v", err)
			}
		})
	}
}

func TestIUCodec_EncodeDecode(t *testing.T) {
	codec := &IUCodec{Channels: 3, Format: DefaultFormat()}
	in := [][]byte{pcm16(1, 2), pcm16(3, 4), pcm16(5, 6)}

	payload, err := codec.Encode(in)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var iu AudioInputIU
	if err := json.Unmarshal(payload, &iu); err != nil {
		t.Fatalf("Encoded payload is not JSON: %v", err)
	}
	if iu.NumChannels != 3 || iu.SampleRate != 16000 || iu.SampleWidth != 2 {
		t.Errorf("Expected 3ch/16000/2 metadata, got %d/%d/%d", iu.NumChannels, iu.SampleRate, iu.SampleWidth)
	}
	if iu.IUID == "" {
		t.Error("Expected a generated iuid")
	}
	if iu.Audio != iu.AllChannels[0] {
		t.Error("Expected audio to carry channel 0")
	}

	out, err := codec.Decode(payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	for i := range in {
		if !bytes.Equal(out[i], in[i]) {
			t.Errorf("Channel %d: expected %v, got %v", i, in[i], out[i])
		}
	}
}

func TestRawCodec_EncodeChannelCount(t *testing.T) {
	codec := &RawCodec{Channels: 2, SampleWidth: 2, Layout: LayoutBlock}
	if _, err := codec.Encode([][]byte{pcm16(1)}); err == nil {
		t.Error("Expected error when encoding the wrong number of channels")
	}
}
