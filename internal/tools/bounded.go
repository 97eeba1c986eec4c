package tools

import "fmt"

// boundedBuffer captures a command stream while holding at most max bytes:
// the first 60% and a rolling window of the last 30%. When the stream exceeds
// that budget the middle is replaced with a truncation marker carrying the
// omitted byte count.
type boundedBuffer struct {
	headMax int
	tailMax int
	head    []byte
	tail    []byte // ring, ordered via tailStart
	tailAt  int
	wrapped bool
	total   int64
}

func newBoundedBuffer(max int) *boundedBuffer {
	headMax := max * 60 / 100
	tailMax := max * 30 / 100
	if headMax < 1 {
		headMax = 1
	}
	if tailMax < 1 {
		tailMax = 1
	}
	return &boundedBuffer{
		headMax: headMax,
		tailMax: tailMax,
		head:    make([]byte, 0, headMax),
		tail:    make([]byte, tailMax),
	}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.total += int64(n)

	if room := b.headMax - len(b.head); room > 0 {
		take := room
		if take > len(p) {
			take = len(p)
		}
		b.head = append(b.head, p[:take]...)
		p = p[take:]
	}

	for len(p) > 0 {
		take := b.tailMax - b.tailAt
		if take > len(p) {
			take = len(p)
		}
		copy(b.tail[b.tailAt:], p[:take])
		b.tailAt += take
		if b.tailAt == b.tailMax {
			b.tailAt = 0
			b.wrapped = true
		}
		p = p[take:]
	}
	return n, nil
}

// Truncated reports whether any bytes were dropped.
func (b *boundedBuffer) Truncated() bool {
	return b.total > int64(b.headMax)+b.tailLen()
}

func (b *boundedBuffer) tailLen() int64 {
	if b.wrapped {
		return int64(b.tailMax)
	}
	return int64(b.tailAt)
}

// String renders the captured stream, inserting the truncation marker when
// the middle was dropped.
func (b *boundedBuffer) String() string {
	if b.total <= int64(len(b.head)) {
		return string(b.head)
	}

	var tail []byte
	if b.wrapped {
		tail = append(tail, b.tail[b.tailAt:]...)
		tail = append(tail, b.tail[:b.tailAt]...)
	} else {
		tail = b.tail[:b.tailAt]
	}

	omitted := b.total - int64(len(b.head)) - int64(len(tail))
	if omitted <= 0 {
		return string(b.head) + string(tail)
	}
	marker := fmt.Sprintf("\n...[%d bytes truncated]...\n", omitted)
	return string(b.head) + marker + string(tail)
}
