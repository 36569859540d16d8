package pipeline

import "bytes"

// Surface is the rendering sink a pipeline writes to. The client's terminal
// surface implements it; tests use an in-memory fake.
type Surface interface {
	Write(p []byte) error
	Resize(cols, rows int) error
	Size() (cols, rows int)
}

// Pipeline delivers inbound terminal data to a surface one render frame at
// a time. Chunks coalesce between frames, oversized payloads are sliced to
// one chunk per frame, and authoritative dimension changes form a barrier:
// no data is written until the resize has been applied and the repaint has
// had settleFrames frames to complete.
//
// It runs on the client event loop; the frame scheduler must call Frame
// from that same loop.
type Pipeline struct {
	surface      Surface
	chunkSize    int
	settleFrames int

	queue  bytes.Buffer
	slices [][]byte

	settle     int
	suppressed bool

	wantCols, wantRows int
	wantResize         bool

	sendResize func(cols, rows int)
}

// New returns a pipeline with no surface yet; data ingested before
// SetSurface is buffered. sendResize forwards locally driven resizes to the
// transport and may be nil.
func New(chunkSize, settleFrames int, sendResize func(cols, rows int)) *Pipeline {
	if chunkSize < 1 {
		chunkSize = 1
	}
	if sendResize == nil {
		sendResize = func(int, int) {}
	}
	return &Pipeline{
		chunkSize:    chunkSize,
		settleFrames: settleFrames,
		sendResize:   sendResize,
	}
}

// SetSurface attaches the rendering surface. Buffered data stays queued and
// drains under the normal per-frame chunking rule; a dimension change that
// arrived before the surface existed is applied first.
func (p *Pipeline) SetSurface(s Surface) error {
	p.surface = s
	if p.wantResize {
		p.wantResize = false
		return p.applyResize(p.wantCols, p.wantRows)
	}
	return nil
}

// Ingest queues inbound terminal data for the next frame.
func (p *Pipeline) Ingest(data []byte) {
	p.queue.Write(data)
}

// ApplyDimensions handles an authoritative size notification. A size equal
// to the surface's current size is a no-op; otherwise flushing suspends
// until the resize is applied and the settle window has passed.
func (p *Pipeline) ApplyDimensions(cols, rows int) error {
	if cols < 1 || rows < 1 {
		return nil
	}
	if p.surface == nil {
		p.wantCols, p.wantRows = cols, rows
		p.wantResize = true
		return nil
	}
	curCols, curRows := p.surface.Size()
	if curCols == cols && curRows == rows {
		return nil
	}
	return p.applyResize(cols, rows)
}

func (p *Pipeline) applyResize(cols, rows int) error {
	p.suppressed = true
	p.settle = p.settleFrames
	return p.surface.Resize(cols, rows)
}

// LocalResize forwards a surface-driven size change to the transport,
// unless an authoritative resize is still settling. Suppression breaks the
// feedback loop where the echo of an applied resize is reported back as a
// local one.
func (p *Pipeline) LocalResize(cols, rows int) {
	if p.suppressed {
		return
	}
	p.sendResize(cols, rows)
}

// Suspended reports whether the resize barrier is holding back writes.
func (p *Pipeline) Suspended() bool {
	return p.settle > 0
}

// Frame performs one render frame's worth of work: burn a settle frame if
// the barrier is up, else write exactly one chunk.
func (p *Pipeline) Frame() error {
	if p.surface == nil {
		return nil
	}
	if p.settle > 0 {
		p.settle--
		if p.settle == 0 {
			p.suppressed = false
		}
		return nil
	}
	if len(p.slices) > 0 {
		chunk := p.slices[0]
		p.slices = p.slices[1:]
		return p.surface.Write(chunk)
	}
	if p.queue.Len() == 0 {
		return nil
	}
	payload := make([]byte, p.queue.Len())
	copy(payload, p.queue.Bytes())
	p.queue.Reset()
	if len(payload) <= p.chunkSize {
		return p.surface.Write(payload)
	}
	for len(payload) > p.chunkSize {
		p.slices = append(p.slices, payload[:p.chunkSize])
		payload = payload[p.chunkSize:]
	}
	if len(payload) > 0 {
		p.slices = append(p.slices, payload)
	}
	chunk := p.slices[0]
	p.slices = p.slices[1:]
	return p.surface.Write(chunk)
}

// PendingBytes is the total buffered data not yet written.
func (p *Pipeline) PendingBytes() int {
	n := p.queue.Len()
	for _, s := range p.slices {
		n += len(s)
	}
	return n
}
