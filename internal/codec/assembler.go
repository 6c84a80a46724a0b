package codec

import (
	"github.com/smallnest/ringbuffer"
)

// DefaultAssemblerSize fits the largest page frame a band emits (255 step records)
const DefaultAssemblerSize = PageHeaderSize + 255*(recordHeaderSize+6) + 1

// FrameAssembler reassembles page frames delivered in read-sized chunks.
// It is not safe for concurrent use; each sync session owns one.
type FrameAssembler struct {
	buf    *ringbuffer.RingBuffer
	size   int
	header []byte
	want   int
}

// NewFrameAssembler creates an assembler that accepts frames up to size bytes
func NewFrameAssembler(size int) *FrameAssembler {
	if size < PageHeaderSize+1 {
		size = DefaultAssemblerSize
	}
	return &FrameAssembler{
		buf:  ringbuffer.New(size),
		size: size,
	}
}

// Push buffers a chunk and returns the complete frame once header, payload and trailer
// are all present. A nil frame with a nil error means more chunks are needed.
func (a *FrameAssembler) Push(chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, nil
	}
	if _, err := a.buf.Write(chunk); err != nil {
		a.Reset()
		return nil, protocolErrorf("frame exceeds %d byte buffer: %v", a.size, err)
	}

	if a.header == nil {
		if a.buf.Length() < PageHeaderSize {
			return nil, nil
		}
		a.header = make([]byte, PageHeaderSize)
		if _, err := a.buf.Read(a.header); err != nil {
			a.Reset()
			return nil, protocolErrorf("reading frame header: %v", err)
		}
		a.want = FrameLength(a.header)
		if a.want > a.size {
			a.Reset()
			return nil, protocolErrorf("frame announces %d bytes, buffer holds %d", a.want, a.size)
		}
	}

	rest := a.want - PageHeaderSize
	if a.buf.Length() < rest {
		return nil, nil
	}

	frame := make([]byte, a.want)
	copy(frame, a.header)
	if _, err := a.buf.Read(frame[PageHeaderSize:]); err != nil {
		a.Reset()
		return nil, protocolErrorf("reading frame body: %v", err)
	}
	a.header, a.want = nil, 0
	return frame, nil
}

// Pending reports how many bytes are buffered for the frame being assembled
func (a *FrameAssembler) Pending() int {
	return len(a.header) + a.buf.Length()
}

// Reset drops any partially assembled frame
func (a *FrameAssembler) Reset() {
	a.buf.Reset()
	a.header, a.want = nil, 0
}
