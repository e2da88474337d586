package framecodec

// ChunkDecoder passes every received chunk through as one raw frame.
// Used where inbound traffic is only logged.
type ChunkDecoder struct{}

func NewChunkDecoder() *ChunkDecoder {
	return &ChunkDecoder{}
}

func (ChunkDecoder) Feed(chunk []byte) ([]Frame, error) {
	if len(chunk) == 0 {
		return nil, nil
	}
	raw := append([]byte(nil), chunk...)
	return []Frame{{Protocol: ProtocolRaw, Raw: raw, Payload: raw, Data: raw}}, nil
}

func (ChunkDecoder) Buffered() int { return 0 }

func (ChunkDecoder) Reset() {}
